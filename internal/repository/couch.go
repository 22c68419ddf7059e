package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"factoryos-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const (
	kindEntry       = "sync_entry"
	kindVersion     = "version_record"
	kindClientState = "client_state"
)

// EnsureCouchIndexes creates the Mango indexes the couch repositories sort on.
func EnsureCouchIndexes(ctx context.Context, client *kivik.Client, dbName string) error {
	db := client.DB(dbName)

	indexes := map[string][]string{
		"entry-feed":   {"kind", "tenant_id", "status", "server_ts"},
		"entry-entity": {"kind", "tenant_id", "entity_type", "entity_id", "status", "server_ts"},
		"entry-batch":  {"kind", "tenant_id", "client_id", "batch_id"},
	}

	for name, fields := range indexes {
		index := map[string]interface{}{"fields": fields}
		if err := db.CreateIndex(ctx, "sync-"+name, name, index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

func couchNotFound(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusNotFound
}

func couchConflict(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusConflict
}

func sortByServerTime(entries []*domain.SyncEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ServerTimestamp.Before(entries[j].ServerTimestamp)
	})
}

// Couch timestamps are unix microseconds so Mango comparisons stay exact
// within float64 precision.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMicro(n).UTC()
}

func NewCouchStores(client *kivik.Client, dbName string) *OutboxStores {
	return &OutboxStores{
		Outbox:  NewCouchOutboxRepository(client, dbName),
		Version: NewCouchVersionRepository(client, dbName),
		Clients: NewCouchClientStateRepository(client, dbName),
	}
}
