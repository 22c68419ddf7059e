package repository

import (
	"context"
	"fmt"

	"factoryos-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type versionDoc struct {
	ID             string `json:"_id"`
	Rev            string `json:"_rev,omitempty"`
	Kind           string `json:"kind"`
	TenantID       string `json:"tenant_id"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	CurrentVersion int64  `json:"current_version"`
	LastModifiedBy string `json:"last_modified_by"`
	LastModifiedAt int64  `json:"last_modified_at"`
	Checksum       string `json:"checksum"`
	LastSyncID     string `json:"last_sync_id,omitempty"`
}

func versionDocID(key domain.EntityKey) string {
	return fmt.Sprintf("version:%s:%s:%s", key.TenantID, key.EntityType, key.EntityID)
}

type couchVersionRepository struct {
	client *kivik.Client
	dbName string
}

func NewCouchVersionRepository(client *kivik.Client, dbName string) VersionRepository {
	return &couchVersionRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *couchVersionRepository) Get(ctx context.Context, key domain.EntityKey) (*domain.VersionRecord, error) {
	db := r.client.DB(r.dbName)

	var doc versionDoc
	if err := db.Get(ctx, versionDocID(key)).ScanDoc(&doc); err != nil {
		if couchNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version record: %w", err)
	}

	return &domain.VersionRecord{
		TenantID:       doc.TenantID,
		EntityType:     doc.EntityType,
		EntityID:       doc.EntityID,
		CurrentVersion: doc.CurrentVersion,
		LastModifiedBy: doc.LastModifiedBy,
		LastModifiedAt: fromMicros(doc.LastModifiedAt),
		Checksum:       doc.Checksum,
		LastSyncID:     doc.LastSyncID,
		Revision:       doc.Rev,
	}, nil
}

// CompareAndSwap relies on CouchDB's MVCC: a put carrying a stale _rev, or
// a create over an existing document, is rejected with 409.
func (r *couchVersionRepository) CompareAndSwap(ctx context.Context, rec *domain.VersionRecord) error {
	db := r.client.DB(r.dbName)

	key := rec.Key()
	doc := versionDoc{
		ID:             versionDocID(key),
		Rev:            rec.Revision,
		Kind:           kindVersion,
		TenantID:       rec.TenantID,
		EntityType:     rec.EntityType,
		EntityID:       rec.EntityID,
		CurrentVersion: rec.CurrentVersion,
		LastModifiedBy: rec.LastModifiedBy,
		LastModifiedAt: toMicros(rec.LastModifiedAt),
		Checksum:       rec.Checksum,
		LastSyncID:     rec.LastSyncID,
	}

	rev, err := db.Put(ctx, doc.ID, doc)
	if err != nil {
		if couchConflict(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to store version record: %w", err)
	}

	rec.Revision = rev
	return nil
}
