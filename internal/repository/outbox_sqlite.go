package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"factoryos-sync/internal/domain"
)

const entryColumns = `sync_id, client_id, tenant_id, entity_type, entity_id, operation, payload,
	version, client_ts, server_ts, status, conflict_data, created_by, batch_id, server_version, resolution`

type sqliteOutboxRepository struct {
	db *sql.DB
}

func NewSQLiteOutboxRepository(db *sql.DB) OutboxRepository {
	return &sqliteOutboxRepository{db: db}
}

func (r *sqliteOutboxRepository) Create(ctx context.Context, e *domain.SyncEntry) error {
	conflictData, err := encodeConflict(e.ConflictData)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SyncID, e.ClientID, e.TenantID, e.EntityType, e.EntityID, string(e.Operation), nullableJSON(e.Payload),
		e.Version, toNanos(e.ClientTimestamp), toNanos(e.ServerTimestamp), string(e.Status), conflictData,
		e.CreatedBy, e.BatchID, e.ServerVersion, string(e.Resolution))
	if err != nil {
		return fmt.Errorf("failed to create sync entry: %w", err)
	}
	return nil
}

func (r *sqliteOutboxRepository) Get(ctx context.Context, tenantID, syncID string) (*domain.SyncEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_entries WHERE tenant_id = ? AND sync_id = ?`,
		tenantID, syncID)
	return scanEntry(row)
}

func (r *sqliteOutboxRepository) Update(ctx context.Context, e *domain.SyncEntry) error {
	conflictData, err := encodeConflict(e.ConflictData)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_entries
		SET status = ?, payload = ?, conflict_data = ?, server_ts = ?, server_version = ?, resolution = ?
		WHERE tenant_id = ? AND sync_id = ?
	`, string(e.Status), nullableJSON(e.Payload), conflictData, toNanos(e.ServerTimestamp), e.ServerVersion,
		string(e.Resolution), e.TenantID, e.SyncID)
	if err != nil {
		return fmt.Errorf("failed to update sync entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteOutboxRepository) ListChanges(ctx context.Context, q domain.ChangeQuery) ([]*domain.SyncEntry, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + entryColumns + ` FROM sync_entries
		WHERE tenant_id = ? AND status = ? AND server_ts > ? AND client_id != ?`)
	args := []any{q.TenantID, string(domain.EntryApplied), toNanos(q.Since), q.ExcludeClientID}

	if len(q.EntityTypes) > 0 {
		sb.WriteString(` AND entity_type IN (?` + strings.Repeat(", ?", len(q.EntityTypes)-1) + `)`)
		for _, t := range q.EntityTypes {
			args = append(args, t)
		}
	}

	sb.WriteString(` ORDER BY server_ts ASC, seq ASC LIMIT ?`)
	args = append(args, q.Limit)

	return r.query(ctx, sb.String(), args...)
}

func (r *sqliteOutboxRepository) ListByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) ([]*domain.SyncEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM sync_entries WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, string(status)}
	if clientID != "" {
		query += ` AND client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY server_ts ASC, seq ASC`
	return r.query(ctx, query, args...)
}

func (r *sqliteOutboxRepository) CountByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sync_entries WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, string(status)}
	if clientID != "" {
		query += ` AND client_id = ?`
		args = append(args, clientID)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync entries: %w", err)
	}
	return n, nil
}

func (r *sqliteOutboxRepository) ListByBatch(ctx context.Context, tenantID, clientID, batchID string) ([]*domain.SyncEntry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM sync_entries
		WHERE tenant_id = ? AND client_id = ? AND batch_id = ?
		ORDER BY seq ASC`, tenantID, clientID, batchID)
}

func (r *sqliteOutboxRepository) LatestApplied(ctx context.Context, key domain.EntityKey) (*domain.SyncEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_entries
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND status = ?
		ORDER BY server_ts DESC, seq DESC LIMIT 1`,
		key.TenantID, key.EntityType, key.EntityID, string(domain.EntryApplied))
	return scanEntry(row)
}

func (r *sqliteOutboxRepository) query(ctx context.Context, query string, args ...any) ([]*domain.SyncEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync entries: %w", err)
	}
	defer rows.Close()

	entries := []*domain.SyncEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanEntry(row rowScanner) (*domain.SyncEntry, error) {
	var (
		e                  domain.SyncEntry
		operation, status  string
		resolution         string
		payload, conflict  sql.NullString
		clientTS, serverTS int64
	)

	err := row.Scan(&e.SyncID, &e.ClientID, &e.TenantID, &e.EntityType, &e.EntityID, &operation, &payload,
		&e.Version, &clientTS, &serverTS, &status, &conflict, &e.CreatedBy, &e.BatchID, &e.ServerVersion, &resolution)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	e.Operation = domain.Operation(operation)
	e.Status = domain.EntryStatus(status)
	e.Resolution = domain.Resolution(resolution)
	e.ClientTimestamp = fromNanos(clientTS)
	e.ServerTimestamp = fromNanos(serverTS)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if conflict.Valid && conflict.String != "" {
		var snap domain.ConflictSnapshot
		if err := json.Unmarshal([]byte(conflict.String), &snap); err != nil {
			return nil, fmt.Errorf("failed to decode conflict data: %w", err)
		}
		e.ConflictData = &snap
	}
	return &e, nil
}

func encodeConflict(snap *domain.ConflictSnapshot) (any, error) {
	if snap == nil {
		return nil, nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conflict data: %w", err)
	}
	return string(data), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
