package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factoryos-sync/internal/domain"
)

func onlineMonitor() *Monitor {
	m := NewMonitor(MonitorOptions{})
	m.ReportNative(true)
	return m
}

func newTestExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *MutationQueue, *Monitor) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	q := newMemoryQueue(t)
	mon := onlineMonitor()
	return NewExecutor(q, mon, srv.Client(), srv.URL), q, mon
}

func TestExecutor_DrainsInOrderWithReplayHeaders(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		seen  []http.Header
	)
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get(HeaderIdempotencyKey))
		seen = append(seen, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	created := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		_, err := q.Enqueue(QueuedMutation{ID: id, URL: "/items", Method: "POST", Body: []byte(`{}`), CreatedAt: created})
		require.NoError(t, err)
	}

	result := exec.SyncQueue(context.Background(), "tok")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, SyncResult{Synced: 3}, result)
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, order)
	assert.Empty(t, q.List(Filter{}))
	assert.NotNil(t, q.LastSyncAt())

	h := seen[0]
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "true", h.Get(HeaderOfflineMutation))
	assert.Equal(t, created.Format(time.RFC3339Nano), h.Get(HeaderOfflineCreatedAt))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestExecutor_RetryBound(t *testing.T) {
	var hits atomic.Int32
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"success":false,"error":"unavailable"}`, http.StatusServiceUnavailable)
	})

	id, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST", MaxRetries: 3})
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		result := exec.SyncQueue(ctx, "tok")
		assert.Equal(t, SyncResult{Failed: 1}, result)
		m, _ := q.Get(id)
		assert.Equal(t, StatusPending, m.Status)
		assert.Equal(t, attempt, m.Retries)
	}

	result := exec.SyncQueue(ctx, "tok")
	assert.Equal(t, SyncResult{Failed: 1}, result)
	m, _ := q.Get(id)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 3, m.Retries)
	assert.Contains(t, m.ErrorMessage, "503")

	// failed rows are not retried automatically
	assert.Equal(t, SyncResult{}, exec.SyncQueue(ctx, "tok"))
	assert.Equal(t, int32(3), hits.Load())
	assert.Nil(t, q.LastSyncAt())
}

func TestExecutor_ConflictIsTerminal(t *testing.T) {
	var hits atomic.Int32
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "version mismatch"})
	})

	id, _ := q.Enqueue(QueuedMutation{URL: "/items/1", Method: "PUT"})
	ctx := context.Background()

	assert.Equal(t, SyncResult{Conflicts: 1}, exec.SyncQueue(ctx, "tok"))
	m, _ := q.Get(id)
	assert.Equal(t, StatusConflict, m.Status)
	assert.Equal(t, 0, m.Retries)
	assert.Contains(t, m.ErrorMessage, "version mismatch")

	assert.Equal(t, SyncResult{}, exec.SyncQueue(ctx, "tok"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestExecutor_NoopWithoutTokenOrConnectivity(t *testing.T) {
	var hits atomic.Int32
	exec, q, mon := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	id, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})
	ctx := context.Background()

	assert.Equal(t, SyncResult{}, exec.SyncQueue(ctx, ""))

	mon.ReportNative(false)
	assert.Equal(t, SyncResult{}, exec.SyncQueue(ctx, "tok"))

	m, _ := q.Get(id)
	assert.Equal(t, StatusPending, m.Status)
	assert.Nil(t, m.LastAttempt)
	assert.Equal(t, int32(0), hits.Load())
}

func TestExecutor_SingleDrainInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	done := make(chan SyncResult)
	go func() { done <- exec.SyncQueue(context.Background(), "tok") }()

	<-started
	assert.Equal(t, SyncResult{}, exec.SyncQueue(context.Background(), "tok"))

	close(release)
	assert.Equal(t, SyncResult{Synced: 1}, <-done)
}

func TestExecutor_SkipsEntityAfterFailure(t *testing.T) {
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/machines/a" && r.Header.Get(HeaderIdempotencyKey) == "a-1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	q.Enqueue(QueuedMutation{ID: "a-1", URL: "/machines/a", Method: "PUT", EntityType: "machine", EntityID: "a"})
	q.Enqueue(QueuedMutation{ID: "a-2", URL: "/machines/a", Method: "PUT", EntityType: "machine", EntityID: "a"})
	q.Enqueue(QueuedMutation{ID: "b-1", URL: "/machines/b", Method: "PUT", EntityType: "machine", EntityID: "b"})

	result := exec.SyncQueue(context.Background(), "tok")
	assert.Equal(t, SyncResult{Synced: 1, Failed: 1}, result)

	a1, ok := q.Get("a-1")
	require.True(t, ok)
	assert.Equal(t, 1, a1.Retries)

	a2, ok := q.Get("a-2")
	require.True(t, ok)
	assert.Equal(t, StatusPending, a2.Status)
	assert.Nil(t, a2.LastAttempt)

	_, ok = q.Get("b-1")
	assert.False(t, ok)
}

func TestExecutor_StopsWhenConnectivityDrops(t *testing.T) {
	mon := onlineMonitor()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mon.ReportNative(false)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newMemoryQueue(t)
	exec := NewExecutor(q, mon, srv.Client(), srv.URL)

	q.Enqueue(QueuedMutation{ID: "first", URL: "/items", Method: "POST"})
	q.Enqueue(QueuedMutation{ID: "second", URL: "/items", Method: "POST"})

	assert.Equal(t, SyncResult{Synced: 1}, exec.SyncQueue(context.Background(), "tok"))

	left := q.List(Filter{})
	require.Len(t, left, 1)
	assert.Equal(t, "second", left[0].ID)
	assert.Equal(t, StatusPending, left[0].Status)
}

func TestExecutor_PushItemOutcomes(t *testing.T) {
	replies := map[string]domain.PushResponse{
		"applied": {Success: true, Applied: 1, Conflicts: []domain.ConflictInfo{
			{EntityType: "machine", EntityID: "m-1", Resolution: domain.ResolutionClientWins},
		}},
		"manual": {Success: true, Conflicted: 1, Conflicts: []domain.ConflictInfo{
			{EntityType: "machine", EntityID: "m-2", Resolution: domain.ResolutionManual, ClientVersion: 1, ServerVersion: 4},
		}},
		"invalid": {Success: true, Rejected: 1, Conflicts: []domain.ConflictInfo{
			{EntityType: "machine", EntityID: "m-3", Resolution: domain.ResolutionInvalid, Error: "payload is required"},
		}},
		"error": {Success: true, Rejected: 1, Conflicts: []domain.ConflictInfo{
			{EntityType: "machine", EntityID: "m-4", Resolution: domain.ResolutionError, Error: "storage unavailable"},
		}},
	}
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/push", r.URL.Path)
		json.NewEncoder(w).Encode(replies[r.Header.Get(HeaderIdempotencyKey)])
	})

	for _, id := range []string{"applied", "manual", "invalid", "error"} {
		q.Enqueue(QueuedMutation{ID: id, URL: PushPath(domain.StrategyManual), Method: "POST", Body: []byte(`{}`)})
	}

	result := exec.SyncQueue(context.Background(), "tok")
	assert.Equal(t, SyncResult{Synced: 1, Failed: 2, Conflicts: 1}, result)

	_, ok := q.Get("applied")
	assert.False(t, ok)

	manual, _ := q.Get("manual")
	assert.Equal(t, StatusConflict, manual.Status)
	assert.Contains(t, manual.ErrorMessage, "server v4")

	invalid, _ := q.Get("invalid")
	assert.Equal(t, StatusFailed, invalid.Status)
	assert.Equal(t, 0, invalid.Retries)

	retry, _ := q.Get("error")
	assert.Equal(t, StatusPending, retry.Status)
	assert.Equal(t, 1, retry.Retries)
}

func TestExecutor_TransportErrorCountsAsRetry(t *testing.T) {
	q := newMemoryQueue(t)
	exec := NewExecutor(q, onlineMonitor(), &http.Client{Timeout: time.Second}, "http://127.0.0.1:1")

	id, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	assert.Equal(t, SyncResult{Failed: 1}, exec.SyncQueue(context.Background(), "tok"))
	m, _ := q.Get(id)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 1, m.Retries)
	assert.NotEmpty(t, m.ErrorMessage)
}

func TestExecutor_DrainsSyncingRowsAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenLocalStore(path)
	require.NoError(t, err)
	q, err := NewMutationQueue(ctx, store)
	require.NoError(t, err)
	id, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST", Body: []byte(`{}`)})
	// the process died after marking the row but before the reply arrived
	require.NoError(t, q.SetStatus(id, StatusSyncing, ""))
	require.NoError(t, q.Close())
	require.NoError(t, store.Close())

	var keys []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err = OpenLocalStore(path)
	require.NoError(t, err)
	defer store.Close()
	restored, err := NewMutationQueue(ctx, store)
	require.NoError(t, err)
	defer restored.Close()

	exec := NewExecutor(restored, onlineMonitor(), srv.Client(), srv.URL)
	assert.Equal(t, SyncResult{Synced: 1}, exec.SyncQueue(ctx, "tok"))
	assert.Empty(t, restored.List(Filter{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, keys)
}

func TestExecutor_CancelledDrainKeepsRetryBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		<-r.Context().Done()
	})

	first, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})
	second, _ := q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	assert.Equal(t, SyncResult{}, exec.SyncQueue(ctx, "tok"))
	assert.Equal(t, int32(1), hits.Load())

	m, _ := q.Get(first)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Retries)

	m, _ = q.Get(second)
	assert.Equal(t, StatusPending, m.Status)
	assert.Nil(t, m.LastAttempt)
}

func TestExecutor_ManualRetrySendsFreshKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	exec, q, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		n := len(keys)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	id, _ := q.Enqueue(QueuedMutation{URL: "/items/1", Method: "PUT"})
	ctx := context.Background()

	assert.Equal(t, SyncResult{Conflicts: 1}, exec.SyncQueue(ctx, "tok"))
	require.NoError(t, q.Retry(id))
	assert.Equal(t, SyncResult{Synced: 1}, exec.SyncQueue(ctx, "tok"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	assert.Equal(t, id, keys[0])
	assert.NotEqual(t, id, keys[1])
	assert.NotEmpty(t, keys[1])
}
