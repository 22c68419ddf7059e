package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"factoryos-sync/internal/domain"
)

type sqliteVersionRepository struct {
	db *sql.DB
}

func NewSQLiteVersionRepository(db *sql.DB) VersionRepository {
	return &sqliteVersionRepository{db: db}
}

func (r *sqliteVersionRepository) Get(ctx context.Context, key domain.EntityKey) (*domain.VersionRecord, error) {
	var (
		rec      domain.VersionRecord
		modified int64
		revision int64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, entity_type, entity_id, current_version, last_modified_by, last_modified_at, checksum,
		       last_sync_id, revision
		FROM version_records WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, key.TenantID, key.EntityType, key.EntityID).Scan(
		&rec.TenantID, &rec.EntityType, &rec.EntityID, &rec.CurrentVersion,
		&rec.LastModifiedBy, &modified, &rec.Checksum, &rec.LastSyncID, &revision,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version record: %w", err)
	}

	rec.LastModifiedAt = fromNanos(modified)
	rec.Revision = strconv.FormatInt(revision, 10)
	return &rec, nil
}

func (r *sqliteVersionRepository) CompareAndSwap(ctx context.Context, rec *domain.VersionRecord) error {
	if rec.Revision == "" {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO version_records (tenant_id, entity_type, entity_id, current_version, last_modified_by,
				last_modified_at, checksum, last_sync_id, revision)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (tenant_id, entity_type, entity_id) DO NOTHING
		`, rec.TenantID, rec.EntityType, rec.EntityID, rec.CurrentVersion, rec.LastModifiedBy,
			toNanos(rec.LastModifiedAt), rec.Checksum, rec.LastSyncID)
		if err != nil {
			return fmt.Errorf("failed to insert version record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict
		}
		rec.Revision = "1"
		return nil
	}

	expected, err := strconv.ParseInt(rec.Revision, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid revision %q: %w", rec.Revision, err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE version_records
		SET current_version = ?, last_modified_by = ?, last_modified_at = ?, checksum = ?, last_sync_id = ?,
		    revision = revision + 1
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND revision = ?
	`, rec.CurrentVersion, rec.LastModifiedBy, toNanos(rec.LastModifiedAt), rec.Checksum, rec.LastSyncID,
		rec.TenantID, rec.EntityType, rec.EntityID, expected)
	if err != nil {
		return fmt.Errorf("failed to update version record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}

	rec.Revision = strconv.FormatInt(expected+1, 10)
	return nil
}
