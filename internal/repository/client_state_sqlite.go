package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"factoryos-sync/internal/domain"
)

type sqliteClientStateRepository struct {
	db *sql.DB
}

func NewSQLiteClientStateRepository(db *sql.DB) ClientStateRepository {
	return &sqliteClientStateRepository{db: db}
}

func (r *sqliteClientStateRepository) Get(ctx context.Context, clientID, tenantID string) (*domain.ClientSyncState, error) {
	var (
		s                   domain.ClientSyncState
		lastSync, updatedAt int64
		online              int
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT client_id, tenant_id, last_sync_at, device_info, is_online, updated_at
		FROM client_sync_state WHERE client_id = ? AND tenant_id = ?
	`, clientID, tenantID).Scan(&s.ClientID, &s.TenantID, &lastSync, &s.DeviceInfo, &online, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client sync state: %w", err)
	}

	s.LastSyncAt = fromNanos(lastSync)
	s.UpdatedAt = fromNanos(updatedAt)
	s.IsOnline = online == 1
	return &s, nil
}

func (r *sqliteClientStateRepository) Touch(ctx context.Context, s *domain.ClientSyncState) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO client_sync_state (client_id, tenant_id, last_sync_at, device_info, is_online, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (client_id, tenant_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			device_info = CASE WHEN excluded.device_info = '' THEN client_sync_state.device_info ELSE excluded.device_info END,
			is_online = 1,
			updated_at = excluded.updated_at
	`, s.ClientID, s.TenantID, toNanos(s.LastSyncAt), s.DeviceInfo, toNanos(now))
	if err != nil {
		return fmt.Errorf("failed to touch client sync state: %w", err)
	}
	return nil
}

func (r *sqliteClientStateRepository) SetOnline(ctx context.Context, clientID, tenantID string, online bool) error {
	flag := 0
	if online {
		flag = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO client_sync_state (client_id, tenant_id, is_online, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (client_id, tenant_id) DO UPDATE SET
			is_online = excluded.is_online,
			updated_at = excluded.updated_at
	`, clientID, tenantID, flag, toNanos(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to set client online state: %w", err)
	}
	return nil
}
