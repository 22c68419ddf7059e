package repository

import (
	"context"
	"fmt"
	"time"

	"factoryos-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const clientStateRetries = 3

type clientStateDoc struct {
	ID         string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	Kind       string `json:"kind"`
	ClientID   string `json:"client_id"`
	TenantID   string `json:"tenant_id"`
	LastSyncAt int64  `json:"last_sync_at"`
	DeviceInfo string `json:"device_info"`
	IsOnline   bool   `json:"is_online"`
	UpdatedAt  int64  `json:"updated_at"`
}

func clientStateDocID(clientID, tenantID string) string {
	return fmt.Sprintf("client:%s:%s", tenantID, clientID)
}

type couchClientStateRepository struct {
	client *kivik.Client
	dbName string
}

func NewCouchClientStateRepository(client *kivik.Client, dbName string) ClientStateRepository {
	return &couchClientStateRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *couchClientStateRepository) load(ctx context.Context, clientID, tenantID string) (*clientStateDoc, error) {
	db := r.client.DB(r.dbName)

	var doc clientStateDoc
	if err := db.Get(ctx, clientStateDocID(clientID, tenantID)).ScanDoc(&doc); err != nil {
		if couchNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get client sync state: %w", err)
	}
	return &doc, nil
}

func (r *couchClientStateRepository) Get(ctx context.Context, clientID, tenantID string) (*domain.ClientSyncState, error) {
	doc, err := r.load(ctx, clientID, tenantID)
	if err != nil {
		return nil, err
	}

	return &domain.ClientSyncState{
		ClientID:   doc.ClientID,
		TenantID:   doc.TenantID,
		LastSyncAt: fromMicros(doc.LastSyncAt),
		DeviceInfo: doc.DeviceInfo,
		IsOnline:   doc.IsOnline,
		UpdatedAt:  fromMicros(doc.UpdatedAt),
	}, nil
}

func (r *couchClientStateRepository) Touch(ctx context.Context, s *domain.ClientSyncState) error {
	return r.upsert(ctx, s.ClientID, s.TenantID, func(doc *clientStateDoc) {
		doc.LastSyncAt = toMicros(s.LastSyncAt)
		if s.DeviceInfo != "" {
			doc.DeviceInfo = s.DeviceInfo
		}
		doc.IsOnline = true
	})
}

func (r *couchClientStateRepository) SetOnline(ctx context.Context, clientID, tenantID string, online bool) error {
	return r.upsert(ctx, clientID, tenantID, func(doc *clientStateDoc) {
		doc.IsOnline = online
	})
}

// upsert applies mutate to the stored document, or to a fresh one, retrying
// when another writer bumps the revision first.
func (r *couchClientStateRepository) upsert(ctx context.Context, clientID, tenantID string, mutate func(*clientStateDoc)) error {
	db := r.client.DB(r.dbName)

	var lastErr error
	for attempt := 0; attempt < clientStateRetries; attempt++ {
		doc, err := r.load(ctx, clientID, tenantID)
		if err == ErrNotFound {
			doc = &clientStateDoc{
				ID:       clientStateDocID(clientID, tenantID),
				Kind:     kindClientState,
				ClientID: clientID,
				TenantID: tenantID,
			}
		} else if err != nil {
			return err
		}

		mutate(doc)
		doc.UpdatedAt = toMicros(time.Now().UTC())

		if _, err := db.Put(ctx, doc.ID, doc); err != nil {
			if couchConflict(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to store client sync state: %w", err)
		}
		return nil
	}

	return fmt.Errorf("failed to store client sync state after %d attempts: %w", clientStateRetries, lastErr)
}
