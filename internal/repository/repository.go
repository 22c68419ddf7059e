package repository

import (
	"context"
	"errors"

	"factoryos-sync/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version record changed concurrently")
)

type OutboxRepository interface {
	Create(ctx context.Context, entry *domain.SyncEntry) error
	Get(ctx context.Context, tenantID, syncID string) (*domain.SyncEntry, error)
	// Update persists the mutable columns: status, payload, conflict data,
	// server timestamp, server version and resolution.
	Update(ctx context.Context, entry *domain.SyncEntry) error
	ListChanges(ctx context.Context, q domain.ChangeQuery) ([]*domain.SyncEntry, error)
	ListByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) ([]*domain.SyncEntry, error)
	CountByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) (int, error)
	ListByBatch(ctx context.Context, tenantID, clientID, batchID string) ([]*domain.SyncEntry, error)
	LatestApplied(ctx context.Context, key domain.EntityKey) (*domain.SyncEntry, error)
}

type VersionRepository interface {
	Get(ctx context.Context, key domain.EntityKey) (*domain.VersionRecord, error)
	// CompareAndSwap stores rec only if the stored revision still equals
	// rec.Revision; an empty revision requires that no record exists yet.
	// On success rec.Revision holds the new revision.
	CompareAndSwap(ctx context.Context, rec *domain.VersionRecord) error
}

type ClientStateRepository interface {
	Get(ctx context.Context, clientID, tenantID string) (*domain.ClientSyncState, error)
	// Touch records a sync from the client and marks it online. An empty
	// deviceInfo keeps the stored value.
	Touch(ctx context.Context, state *domain.ClientSyncState) error
	SetOnline(ctx context.Context, clientID, tenantID string, online bool) error
}

// OutboxStores bundles the repositories backing one sync server.
type OutboxStores struct {
	Outbox  OutboxRepository
	Version VersionRepository
	Clients ClientStateRepository
}
