package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"factoryos-sync/internal/domain"
)

func newTestDB(t *testing.T) *OutboxStores {
	t.Helper()
	db, err := OpenSQLite("file::memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStores(db)
}

func testEntry(syncID, clientID string, status domain.EntryStatus, ts time.Time) *domain.SyncEntry {
	return &domain.SyncEntry{
		SyncID:          syncID,
		ClientID:        clientID,
		TenantID:        "tenant-1",
		EntityType:      "work_order",
		EntityID:        "wo-" + syncID,
		Operation:       domain.OperationUpdate,
		Payload:         json.RawMessage(`{"status":"done"}`),
		Version:         1,
		ClientTimestamp: ts.Add(-time.Second),
		ServerTimestamp: ts,
		Status:          status,
		CreatedBy:       "user-1",
	}
}

func TestSQLiteOutbox_CreateGetUpdate(t *testing.T) {
	stores := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := testEntry("s1", "client-a", domain.EntryPending, now)
	if err := stores.Outbox.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := stores.Outbox.Get(ctx, "tenant-1", "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.EntryPending {
		t.Errorf("Status = %v, want PENDING", got.Status)
	}
	if !got.ServerTimestamp.Equal(now) {
		t.Errorf("ServerTimestamp = %v, want %v", got.ServerTimestamp, now)
	}
	if string(got.Payload) != `{"status":"done"}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	got.Status = domain.EntryConflicted
	got.ServerVersion = 4
	got.Resolution = domain.ResolutionManual
	got.ConflictData = &domain.ConflictSnapshot{ClientVersion: 1, ServerVersion: 4}
	if err := stores.Outbox.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	updated, _ := stores.Outbox.Get(ctx, "tenant-1", "s1")
	if updated.Status != domain.EntryConflicted || updated.ServerVersion != 4 {
		t.Errorf("Update not persisted: %+v", updated)
	}
	if updated.ConflictData == nil || updated.ConflictData.ServerVersion != 4 {
		t.Errorf("ConflictData = %+v", updated.ConflictData)
	}

	if _, err := stores.Outbox.Get(ctx, "tenant-2", "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() other tenant error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteOutbox_ListChanges(t *testing.T) {
	stores := newTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	entries := []*domain.SyncEntry{
		testEntry("s1", "client-a", domain.EntryApplied, base.Add(1*time.Millisecond)),
		testEntry("s2", "client-b", domain.EntryApplied, base.Add(2*time.Millisecond)),
		testEntry("s3", "client-b", domain.EntryConflicted, base.Add(3*time.Millisecond)),
		testEntry("s4", "client-c", domain.EntryApplied, base.Add(4*time.Millisecond)),
	}
	entries[3].EntityType = "asset"
	for _, e := range entries {
		if err := stores.Outbox.Create(ctx, e); err != nil {
			t.Fatalf("Create(%s) error = %v", e.SyncID, err)
		}
	}

	tests := []struct {
		name  string
		query domain.ChangeQuery
		want  []string
	}{
		{
			name:  "excludes own writes and non-applied",
			query: domain.ChangeQuery{TenantID: "tenant-1", ExcludeClientID: "client-a", Limit: 10},
			want:  []string{"s2", "s4"},
		},
		{
			name:  "filters entity types",
			query: domain.ChangeQuery{TenantID: "tenant-1", ExcludeClientID: "client-z", EntityTypes: []string{"asset"}, Limit: 10},
			want:  []string{"s4"},
		},
		{
			name:  "since is exclusive",
			query: domain.ChangeQuery{TenantID: "tenant-1", ExcludeClientID: "client-z", Since: base.Add(2 * time.Millisecond), Limit: 10},
			want:  []string{"s4"},
		},
		{
			name:  "limit",
			query: domain.ChangeQuery{TenantID: "tenant-1", ExcludeClientID: "client-z", Limit: 1},
			want:  []string{"s1"},
		},
		{
			name:  "other tenant sees nothing",
			query: domain.ChangeQuery{TenantID: "tenant-2", ExcludeClientID: "client-z", Limit: 10},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stores.Outbox.ListChanges(ctx, tt.query)
			if err != nil {
				t.Fatalf("ListChanges() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListChanges() returned %d entries, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].SyncID != id {
					t.Errorf("entry[%d] = %s, want %s", i, got[i].SyncID, id)
				}
			}
		})
	}
}

func TestSQLiteOutbox_StatusAndBatch(t *testing.T) {
	stores := newTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"s1", "s2", "s3"} {
		e := testEntry(id, "client-a", domain.EntryConflicted, base.Add(time.Duration(i)*time.Millisecond))
		e.BatchID = "batch-1"
		e.EntityID = "wo-1"
		if id == "s3" {
			e.Status = domain.EntryApplied
		}
		if err := stores.Outbox.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	n, err := stores.Outbox.CountByStatus(ctx, "tenant-1", "client-a", domain.EntryConflicted)
	if err != nil || n != 2 {
		t.Errorf("CountByStatus() = %d, %v; want 2", n, err)
	}
	n, _ = stores.Outbox.CountByStatus(ctx, "tenant-1", "client-b", domain.EntryConflicted)
	if n != 0 {
		t.Errorf("CountByStatus() other client = %d, want 0", n)
	}

	batch, err := stores.Outbox.ListByBatch(ctx, "tenant-1", "client-a", "batch-1")
	if err != nil || len(batch) != 3 {
		t.Fatalf("ListByBatch() = %d, %v; want 3", len(batch), err)
	}
	if batch[0].SyncID != "s1" || batch[2].SyncID != "s3" {
		t.Errorf("ListByBatch() order = %s..%s", batch[0].SyncID, batch[2].SyncID)
	}

	latest, err := stores.Outbox.LatestApplied(ctx, domain.EntityKey{TenantID: "tenant-1", EntityType: "work_order", EntityID: "wo-1"})
	if err != nil || latest.SyncID != "s3" {
		t.Errorf("LatestApplied() = %v, %v; want s3", latest, err)
	}
	if _, err := stores.Outbox.LatestApplied(ctx, domain.EntityKey{TenantID: "tenant-1", EntityType: "work_order", EntityID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestApplied() missing error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteVersion_CompareAndSwap(t *testing.T) {
	stores := newTestDB(t)
	ctx := context.Background()
	key := domain.EntityKey{TenantID: "tenant-1", EntityType: "work_order", EntityID: "wo-1"}

	if _, err := stores.Version.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}

	rec := &domain.VersionRecord{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID, CurrentVersion: 1, LastModifiedBy: "client-a"}
	if err := stores.Version.CompareAndSwap(ctx, rec); err != nil {
		t.Fatalf("CompareAndSwap() create error = %v", err)
	}

	dup := &domain.VersionRecord{TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID, CurrentVersion: 1}
	if err := stores.Version.CompareAndSwap(ctx, dup); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() duplicate create error = %v, want ErrVersionConflict", err)
	}

	first, _ := stores.Version.Get(ctx, key)
	second, _ := stores.Version.Get(ctx, key)

	first.CurrentVersion = 2
	first.LastSyncID = "sync-2"
	if err := stores.Version.CompareAndSwap(ctx, first); err != nil {
		t.Fatalf("CompareAndSwap() update error = %v", err)
	}

	second.CurrentVersion = 5
	if err := stores.Version.CompareAndSwap(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() stale error = %v, want ErrVersionConflict", err)
	}

	got, _ := stores.Version.Get(ctx, key)
	if got.CurrentVersion != 2 {
		t.Errorf("CurrentVersion = %d, want 2", got.CurrentVersion)
	}
	if got.Revision != first.Revision {
		t.Errorf("Revision = %s, want %s", got.Revision, first.Revision)
	}
	if got.LastSyncID != "sync-2" {
		t.Errorf("LastSyncID = %q, want sync-2", got.LastSyncID)
	}
}

func TestSQLiteClientState(t *testing.T) {
	stores := newTestDB(t)
	ctx := context.Background()
	syncAt := time.Now().UTC()

	if err := stores.Clients.Touch(ctx, &domain.ClientSyncState{ClientID: "c1", TenantID: "t1", LastSyncAt: syncAt, DeviceInfo: "tablet"}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if err := stores.Clients.Touch(ctx, &domain.ClientSyncState{ClientID: "c1", TenantID: "t1", LastSyncAt: syncAt}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	got, err := stores.Clients.Get(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DeviceInfo != "tablet" {
		t.Errorf("DeviceInfo = %q, want kept value", got.DeviceInfo)
	}
	if !got.IsOnline || !got.LastSyncAt.Equal(syncAt) {
		t.Errorf("state = %+v", got)
	}

	if err := stores.Clients.SetOnline(ctx, "c1", "t1", false); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	got, _ = stores.Clients.Get(ctx, "c1", "t1")
	if got.IsOnline {
		t.Error("IsOnline = true after SetOnline(false)")
	}
	if !got.LastSyncAt.Equal(syncAt) {
		t.Error("SetOnline changed LastSyncAt")
	}

	if _, err := stores.Clients.Get(ctx, "c1", "t2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() other tenant error = %v, want ErrNotFound", err)
	}
}
