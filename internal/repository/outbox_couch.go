package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"factoryos-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type entryDoc struct {
	ID            string                   `json:"_id"`
	Rev           string                   `json:"_rev,omitempty"`
	Kind          string                   `json:"kind"`
	SyncID        string                   `json:"sync_id"`
	ClientID      string                   `json:"client_id"`
	TenantID      string                   `json:"tenant_id"`
	EntityType    string                   `json:"entity_type"`
	EntityID      string                   `json:"entity_id"`
	Operation     string                   `json:"operation"`
	Payload       json.RawMessage          `json:"payload,omitempty"`
	Version       int64                    `json:"version"`
	ClientTS      int64                    `json:"client_ts"`
	ServerTS      int64                    `json:"server_ts"`
	Status        string                   `json:"status"`
	ConflictData  *domain.ConflictSnapshot `json:"conflict_data,omitempty"`
	CreatedBy     string                   `json:"created_by"`
	BatchID       string                   `json:"batch_id"`
	ServerVersion int64                    `json:"server_version"`
	Resolution    string                   `json:"resolution"`
}

func newEntryDoc(e *domain.SyncEntry) *entryDoc {
	return &entryDoc{
		ID:            entryDocID(e.SyncID),
		Kind:          kindEntry,
		SyncID:        e.SyncID,
		ClientID:      e.ClientID,
		TenantID:      e.TenantID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Operation:     string(e.Operation),
		Payload:       e.Payload,
		Version:       e.Version,
		ClientTS:      toMicros(e.ClientTimestamp),
		ServerTS:      toMicros(e.ServerTimestamp),
		Status:        string(e.Status),
		ConflictData:  e.ConflictData,
		CreatedBy:     e.CreatedBy,
		BatchID:       e.BatchID,
		ServerVersion: e.ServerVersion,
		Resolution:    string(e.Resolution),
	}
}

func (d *entryDoc) entry() *domain.SyncEntry {
	return &domain.SyncEntry{
		SyncID:          d.SyncID,
		ClientID:        d.ClientID,
		TenantID:        d.TenantID,
		EntityType:      d.EntityType,
		EntityID:        d.EntityID,
		Operation:       domain.Operation(d.Operation),
		Payload:         d.Payload,
		Version:         d.Version,
		ClientTimestamp: fromMicros(d.ClientTS),
		ServerTimestamp: fromMicros(d.ServerTS),
		Status:          domain.EntryStatus(d.Status),
		ConflictData:    d.ConflictData,
		CreatedBy:       d.CreatedBy,
		BatchID:         d.BatchID,
		ServerVersion:   d.ServerVersion,
		Resolution:      domain.Resolution(d.Resolution),
	}
}

func entryDocID(syncID string) string {
	return fmt.Sprintf("entry:%s", syncID)
}

type couchOutboxRepository struct {
	client *kivik.Client
	dbName string
}

func NewCouchOutboxRepository(client *kivik.Client, dbName string) OutboxRepository {
	return &couchOutboxRepository{
		client: client,
		dbName: dbName,
	}
}

func (r *couchOutboxRepository) Create(ctx context.Context, e *domain.SyncEntry) error {
	db := r.client.DB(r.dbName)

	doc := newEntryDoc(e)
	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to create sync entry: %w", err)
	}
	return nil
}

func (r *couchOutboxRepository) get(ctx context.Context, syncID string) (*entryDoc, error) {
	db := r.client.DB(r.dbName)

	var doc entryDoc
	if err := db.Get(ctx, entryDocID(syncID)).ScanDoc(&doc); err != nil {
		if couchNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync entry: %w", err)
	}
	return &doc, nil
}

func (r *couchOutboxRepository) Get(ctx context.Context, tenantID, syncID string) (*domain.SyncEntry, error) {
	doc, err := r.get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if doc.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return doc.entry(), nil
}

func (r *couchOutboxRepository) Update(ctx context.Context, e *domain.SyncEntry) error {
	existing, err := r.get(ctx, e.SyncID)
	if err != nil {
		return err
	}
	if existing.TenantID != e.TenantID {
		return ErrNotFound
	}

	existing.Status = string(e.Status)
	existing.Payload = e.Payload
	existing.ConflictData = e.ConflictData
	existing.ServerTS = toMicros(e.ServerTimestamp)
	existing.ServerVersion = e.ServerVersion
	existing.Resolution = string(e.Resolution)

	db := r.client.DB(r.dbName)
	if _, err := db.Put(ctx, existing.ID, existing); err != nil {
		return fmt.Errorf("failed to update sync entry: %w", err)
	}
	return nil
}

func (r *couchOutboxRepository) ListChanges(ctx context.Context, q domain.ChangeQuery) ([]*domain.SyncEntry, error) {
	selector := map[string]interface{}{
		"kind":      kindEntry,
		"tenant_id": q.TenantID,
		"status":    string(domain.EntryApplied),
		"server_ts": map[string]interface{}{"$gt": toMicros(q.Since)},
		"client_id": map[string]interface{}{"$ne": q.ExcludeClientID},
	}
	if len(q.EntityTypes) > 0 {
		selector["entity_type"] = map[string]interface{}{"$in": q.EntityTypes}
	}

	query := map[string]interface{}{
		"selector": selector,
		"sort": []map[string]string{
			{"kind": "asc"}, {"tenant_id": "asc"}, {"status": "asc"}, {"server_ts": "asc"},
		},
	}
	return r.find(ctx, query, q.Limit)
}

func (r *couchOutboxRepository) ListByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) ([]*domain.SyncEntry, error) {
	selector := map[string]interface{}{
		"kind":      kindEntry,
		"tenant_id": tenantID,
		"status":    string(status),
		"server_ts": map[string]interface{}{"$gte": 0},
	}
	if clientID != "" {
		selector["client_id"] = clientID
	}

	query := map[string]interface{}{
		"selector": selector,
		"sort": []map[string]string{
			{"kind": "asc"}, {"tenant_id": "asc"}, {"status": "asc"}, {"server_ts": "asc"},
		},
	}
	return r.find(ctx, query, 0)
}

func (r *couchOutboxRepository) CountByStatus(ctx context.Context, tenantID, clientID string, status domain.EntryStatus) (int, error) {
	selector := map[string]interface{}{
		"kind":      kindEntry,
		"tenant_id": tenantID,
		"status":    string(status),
	}
	if clientID != "" {
		selector["client_id"] = clientID
	}

	n := 0
	err := r.each(ctx, map[string]interface{}{
		"selector": selector,
		"fields":   []string{"_id"},
	}, 0, func(*kivik.ResultSet) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *couchOutboxRepository) ListByBatch(ctx context.Context, tenantID, clientID, batchID string) ([]*domain.SyncEntry, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":      kindEntry,
			"tenant_id": tenantID,
			"client_id": clientID,
			"batch_id":  batchID,
		},
	}

	entries, err := r.find(ctx, query, 0)
	if err != nil {
		return nil, err
	}
	sortByServerTime(entries)
	return entries, nil
}

func (r *couchOutboxRepository) LatestApplied(ctx context.Context, key domain.EntityKey) (*domain.SyncEntry, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":        kindEntry,
			"tenant_id":   key.TenantID,
			"entity_type": key.EntityType,
			"entity_id":   key.EntityID,
			"status":      string(domain.EntryApplied),
			"server_ts":   map[string]interface{}{"$gte": 0},
		},
		"sort": []map[string]string{
			{"kind": "desc"}, {"tenant_id": "desc"}, {"entity_type": "desc"},
			{"entity_id": "desc"}, {"status": "desc"}, {"server_ts": "desc"},
		},
	}

	entries, err := r.find(ctx, query, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// couchPageSize bounds every Mango request. _find answers at most 25 docs
// when no limit is given, so queries always page explicitly.
const couchPageSize = 200

// find collects up to limit matching entries, or all of them when limit is 0.
func (r *couchOutboxRepository) find(ctx context.Context, query map[string]interface{}, limit int) ([]*domain.SyncEntry, error) {
	entries := []*domain.SyncEntry{}
	err := r.each(ctx, query, limit, func(rows *kivik.ResultSet) error {
		var doc entryDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return fmt.Errorf("failed to decode sync entry: %w", err)
		}
		entries = append(entries, doc.entry())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// each runs query one page at a time, following the bookmark CouchDB hands
// back, and calls fn for every row until limit rows were seen or a short
// page ends the result.
func (r *couchOutboxRepository) each(ctx context.Context, query map[string]interface{}, limit int, fn func(*kivik.ResultSet) error) error {
	db := r.client.DB(r.dbName)

	page := make(map[string]interface{}, len(query)+2)
	for k, v := range query {
		page[k] = v
	}

	seen := 0
	for {
		size := couchPageSize
		if limit > 0 && limit-seen < size {
			size = limit - seen
		}
		page["limit"] = size

		got, bookmark, err := r.page(ctx, db, page, fn)
		if err != nil {
			return err
		}
		seen += got

		if got < size || bookmark == "" || (limit > 0 && seen >= limit) {
			return nil
		}
		page["bookmark"] = bookmark
	}
}

func (r *couchOutboxRepository) page(ctx context.Context, db *kivik.DB, query map[string]interface{}, fn func(*kivik.ResultSet) error) (int, string, error) {
	rows := db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return 0, "", fmt.Errorf("failed to query sync entries: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if err := fn(rows); err != nil {
			return n, "", err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, "", fmt.Errorf("failed to iterate sync entries: %w", err)
	}

	meta, err := rows.Metadata()
	if err != nil {
		return n, "", fmt.Errorf("failed to read query metadata: %w", err)
	}
	return n, meta.Bookmark, nil
}
