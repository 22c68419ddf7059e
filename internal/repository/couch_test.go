package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"factoryos-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
	"github.com/go-kivik/kivik/v4/driver"
	"github.com/go-kivik/kivik/v4/mockdb"
)

const testCouchDB = "factoryos_sync"

type couchStatus int

func (s couchStatus) Error() string   { return fmt.Sprintf("couch: %d", int(s)) }
func (s couchStatus) HTTPStatus() int { return int(s) }

// pagedRows is a Find result carrying a CouchDB paging bookmark.
type pagedRows struct {
	docs     []string
	bookmark string
}

var _ driver.Bookmarker = (*pagedRows)(nil)

func (r *pagedRows) Next(row *driver.Row) error {
	if len(r.docs) == 0 {
		return io.EOF
	}
	row.Doc = strings.NewReader(r.docs[0])
	r.docs = r.docs[1:]
	return nil
}

func (r *pagedRows) Close() error      { return nil }
func (r *pagedRows) UpdateSeq() string { return "" }
func (r *pagedRows) Offset() int64     { return 0 }
func (r *pagedRows) TotalRows() int64  { return 0 }
func (r *pagedRows) Bookmark() string  { return r.bookmark }

func entryDocs(t *testing.T, from, n int) []string {
	t.Helper()
	docs := make([]string, 0, n)
	for i := from; i < from+n; i++ {
		doc := newEntryDoc(&domain.SyncEntry{
			SyncID:          fmt.Sprintf("s-%03d", i),
			ClientID:        "client-a",
			TenantID:        "tenant-1",
			EntityType:      "work_order",
			EntityID:        fmt.Sprintf("wo-%d", i),
			Status:          domain.EntryConflicted,
			ServerTimestamp: time.UnixMicro(int64(1_700_000_000_000_000 + i)),
		})
		data, err := json.Marshal(doc)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		docs = append(docs, string(data))
	}
	return docs
}

func decodeQuery(t *testing.T, query interface{}) map[string]interface{} {
	t.Helper()
	raw, ok := query.(json.RawMessage)
	if !ok {
		t.Fatalf("query type = %T, want json.RawMessage", query)
	}
	var q map[string]interface{}
	if err := json.Unmarshal(raw, &q); err != nil {
		t.Fatalf("Unmarshal(query) error = %v", err)
	}
	return q
}

func newMockCouch(t *testing.T) (*kivik.Client, *mockdb.Client) {
	t.Helper()
	client, mock, err := mockdb.New()
	if err != nil {
		t.Fatalf("mockdb.New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
	return client, mock
}

func TestCouchVersion_Get(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchVersionRepository(client, testCouchDB)
	key := domain.EntityKey{TenantID: "tenant-1", EntityType: "work_order", EntityID: "wo-1"}
	modified := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectGet().WithDocID("version:tenant-1:work_order:wo-1").WillReturn(mockdb.DocumentT(t, map[string]interface{}{
		"_id":              "version:tenant-1:work_order:wo-1",
		"_rev":             "3-abc",
		"kind":             kindVersion,
		"tenant_id":        "tenant-1",
		"entity_type":      "work_order",
		"entity_id":        "wo-1",
		"current_version":  4,
		"last_modified_by": "client-b",
		"last_modified_at": modified.UnixMicro(),
		"last_sync_id":     "sync-9",
	}))

	rec, err := repo.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.CurrentVersion != 4 || rec.Revision != "3-abc" || rec.LastSyncID != "sync-9" {
		t.Errorf("Get() = %+v", rec)
	}
	if !rec.LastModifiedAt.Equal(modified) {
		t.Errorf("LastModifiedAt = %v, want %v", rec.LastModifiedAt, modified)
	}
}

func TestCouchVersion_GetNotFound(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchVersionRepository(client, testCouchDB)

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectGet().WillReturnError(couchStatus(http.StatusNotFound))

	_, err := repo.Get(context.Background(), domain.EntityKey{TenantID: "t", EntityType: "e", EntityID: "1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestCouchVersion_CompareAndSwap(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchVersionRepository(client, testCouchDB)
	ctx := context.Background()

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectPut().WithDocID("version:tenant-1:work_order:wo-1").WillExecute(
		func(_ context.Context, _ string, doc interface{}, _ driver.Options) (string, error) {
			v, ok := doc.(versionDoc)
			if !ok {
				t.Fatalf("Put() doc type = %T, want versionDoc", doc)
			}
			if v.Rev != "1-aaa" || v.CurrentVersion != 2 || v.LastSyncID != "sync-2" {
				t.Errorf("Put() doc = %+v", v)
			}
			return "2-bbb", nil
		})

	rec := &domain.VersionRecord{
		TenantID: "tenant-1", EntityType: "work_order", EntityID: "wo-1",
		CurrentVersion: 2, LastSyncID: "sync-2", Revision: "1-aaa",
	}
	if err := repo.CompareAndSwap(ctx, rec); err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if rec.Revision != "2-bbb" {
		t.Errorf("Revision = %q, want 2-bbb", rec.Revision)
	}

	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectPut().WillReturnError(couchStatus(http.StatusConflict))

	stale := &domain.VersionRecord{TenantID: "tenant-1", EntityType: "work_order", EntityID: "wo-1", Revision: "1-aaa"}
	if err := repo.CompareAndSwap(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() stale error = %v, want ErrVersionConflict", err)
	}

	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectPut().WillReturnError(couchStatus(http.StatusServiceUnavailable))

	if err := repo.CompareAndSwap(ctx, stale); err == nil || errors.Is(err, ErrVersionConflict) {
		t.Errorf("CompareAndSwap() outage error = %v, want a plain failure", err)
	}
}

func TestCouchOutbox_ListByStatusFollowsBookmark(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchOutboxRepository(client, testCouchDB)

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectFind().WillExecute(func(_ context.Context, query interface{}, _ driver.Options) (driver.Rows, error) {
		q := decodeQuery(t, query)
		if q["limit"] != float64(couchPageSize) {
			t.Errorf("first page limit = %v, want %d", q["limit"], couchPageSize)
		}
		if _, ok := q["bookmark"]; ok {
			t.Error("first page carries a bookmark")
		}
		selector, _ := q["selector"].(map[string]interface{})
		if selector["status"] != string(domain.EntryConflicted) || selector["kind"] != kindEntry {
			t.Errorf("selector = %v", selector)
		}
		return &pagedRows{docs: entryDocs(t, 0, couchPageSize), bookmark: "page-2"}, nil
	})
	db.ExpectFind().WillExecute(func(_ context.Context, query interface{}, _ driver.Options) (driver.Rows, error) {
		q := decodeQuery(t, query)
		if q["bookmark"] != "page-2" {
			t.Errorf("second page bookmark = %v, want page-2", q["bookmark"])
		}
		return &pagedRows{docs: entryDocs(t, couchPageSize, 3), bookmark: "page-3"}, nil
	})

	entries, err := repo.ListByStatus(context.Background(), "tenant-1", "", domain.EntryConflicted)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(entries) != couchPageSize+3 {
		t.Fatalf("ListByStatus() = %d entries, want %d", len(entries), couchPageSize+3)
	}
	if entries[0].SyncID != "s-000" || entries[len(entries)-1].SyncID != fmt.Sprintf("s-%03d", couchPageSize+2) {
		t.Errorf("order = %s..%s", entries[0].SyncID, entries[len(entries)-1].SyncID)
	}
}

func TestCouchOutbox_ListChangesStopsAtLimit(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchOutboxRepository(client, testCouchDB)

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectFind().WillExecute(func(_ context.Context, query interface{}, _ driver.Options) (driver.Rows, error) {
		q := decodeQuery(t, query)
		if q["limit"] != float64(5) {
			t.Errorf("limit = %v, want 5", q["limit"])
		}
		selector, _ := q["selector"].(map[string]interface{})
		if ne, _ := selector["client_id"].(map[string]interface{}); ne["$ne"] != "client-a" {
			t.Errorf("client_id selector = %v", selector["client_id"])
		}
		return &pagedRows{docs: entryDocs(t, 0, 5), bookmark: "more"}, nil
	})

	entries, err := repo.ListChanges(context.Background(), domain.ChangeQuery{
		TenantID:        "tenant-1",
		ExcludeClientID: "client-a",
		Limit:           5,
	})
	if err != nil {
		t.Fatalf("ListChanges() error = %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("ListChanges() = %d entries, want 5", len(entries))
	}
}

func TestCouchOutbox_CountByStatusPages(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchOutboxRepository(client, testCouchDB)

	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectFind().WillExecute(func(_ context.Context, query interface{}, _ driver.Options) (driver.Rows, error) {
		q := decodeQuery(t, query)
		selector, _ := q["selector"].(map[string]interface{})
		if selector["client_id"] != "client-a" {
			t.Errorf("selector = %v", selector)
		}
		return &pagedRows{docs: entryDocs(t, 0, couchPageSize), bookmark: "next"}, nil
	})
	db.ExpectFind().WillReturn(mockdb.NewRows())

	n, err := repo.CountByStatus(context.Background(), "tenant-1", "client-a", domain.EntryPending)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if n != couchPageSize {
		t.Errorf("CountByStatus() = %d, want %d", n, couchPageSize)
	}
}

func TestCouchOutbox_GetChecksTenant(t *testing.T) {
	client, mock := newMockCouch(t)
	repo := NewCouchOutboxRepository(client, testCouchDB)

	doc := entryDocs(t, 7, 1)[0]
	db := mock.NewDB()
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectGet().WithDocID("entry:s-007").WillReturn(mockdb.DocumentT(t, doc))
	mock.ExpectDB().WithName(testCouchDB).WillReturn(db)
	db.ExpectGet().WithDocID("entry:s-007").WillReturn(mockdb.DocumentT(t, doc))

	ctx := context.Background()
	got, err := repo.Get(ctx, "tenant-1", "s-007")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EntityID != "wo-7" || got.Status != domain.EntryConflicted {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := repo.Get(ctx, "tenant-2", "s-007"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() other tenant error = %v, want ErrNotFound", err)
	}
}
