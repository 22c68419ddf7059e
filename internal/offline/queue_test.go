package offline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryQueue(t *testing.T) *MutationQueue {
	t.Helper()
	q, err := NewMutationQueue(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestMutationQueue_EnqueueDefaults(t *testing.T) {
	q := newMemoryQueue(t)

	id, err := q.Enqueue(QueuedMutation{
		URL:          "/sync/push",
		Method:       "POST",
		Status:       StatusFailed,
		Retries:      7,
		ErrorMessage: "stale",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	m, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Retries)
	assert.Equal(t, DefaultMaxRetries, m.MaxRetries)
	assert.Empty(t, m.ErrorMessage)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Nil(t, m.LastAttempt)
}

func TestMutationQueue_KeepsCallerID(t *testing.T) {
	q := newMemoryQueue(t)

	id, err := q.Enqueue(QueuedMutation{ID: "m-1", URL: "/x", Method: "PUT", MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)

	m, _ := q.Get(id)
	assert.Equal(t, 2, m.MaxRetries)
}

func TestMutationQueue_RejectsDuplicateID(t *testing.T) {
	q := newMemoryQueue(t)

	_, err := q.Enqueue(QueuedMutation{ID: "m-1", URL: "/x", Method: "POST"})
	require.NoError(t, err)

	_, err = q.Enqueue(QueuedMutation{ID: "m-1", URL: "/y", Method: "PUT"})
	assert.ErrorIs(t, err, ErrDuplicateMutation)

	list := q.List(Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, "/x", list[0].URL)
}

func TestMutationQueue_RetryRotatesIdempotencyKey(t *testing.T) {
	q := newMemoryQueue(t)
	id, _ := q.Enqueue(QueuedMutation{URL: "/sync/push", Method: "POST"})

	m, _ := q.Get(id)
	assert.Equal(t, id, m.requestKey())

	require.NoError(t, q.SetStatus(id, StatusFailed, "HTTP 503"))
	require.NoError(t, q.Retry(id))
	m, _ = q.Get(id)
	first := m.requestKey()
	assert.NotEqual(t, id, first)

	require.NoError(t, q.SetStatus(id, StatusConflict, "409"))
	require.NoError(t, q.Retry(id))
	m, _ = q.Get(id)
	assert.NotEqual(t, first, m.requestKey())
}

func TestMutationQueue_RejectsReadMethods(t *testing.T) {
	q := newMemoryQueue(t)

	_, err := q.Enqueue(QueuedMutation{URL: "/x", Method: "GET"})
	assert.ErrorIs(t, err, ErrInvalidMethod)
	assert.Empty(t, q.List(Filter{}))
}

func TestMutationQueue_InsertionOrderWithoutDedup(t *testing.T) {
	q := newMemoryQueue(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(QueuedMutation{ID: id + "-x", URL: "/same", Method: "POST", Body: []byte(`{}`)})
		require.NoError(t, err)
	}

	list := q.List(Filter{})
	require.Len(t, list, 3)
	assert.Equal(t, "a-x", list[0].ID)
	assert.Equal(t, "b-x", list[1].ID)
	assert.Equal(t, "c-x", list[2].ID)
}

func TestMutationQueue_StatusTransitions(t *testing.T) {
	q := newMemoryQueue(t)
	id, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST"})

	require.NoError(t, q.SetStatus(id, StatusSyncing, ""))
	m, _ := q.Get(id)
	assert.Equal(t, StatusSyncing, m.Status)
	require.NotNil(t, m.LastAttempt)

	n, err := q.IncrementRetries(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.SetStatus(id, StatusFailed, "HTTP 500"))
	m, _ = q.Get(id)
	assert.Equal(t, "HTTP 500", m.ErrorMessage)
	assert.False(t, q.HasDrainable())

	require.NoError(t, q.Retry(id))
	m, _ = q.Get(id)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Retries)
	assert.Empty(t, m.ErrorMessage)
	assert.True(t, q.HasDrainable())

	assert.ErrorIs(t, q.Retry(id), ErrNotRetryable)
	assert.ErrorIs(t, q.SetStatus("missing", StatusPending, ""), ErrMutationNotFound)
	_, err = q.IncrementRetries("missing")
	assert.ErrorIs(t, err, ErrMutationNotFound)
}

func TestMutationQueue_ListReturnsCopies(t *testing.T) {
	q := newMemoryQueue(t)
	id, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST", Headers: map[string]string{"A": "1"}})

	list := q.List(Filter{})
	list[0].Headers["A"] = "changed"
	list[0].Status = StatusConflict

	m, _ := q.Get(id)
	assert.Equal(t, "1", m.Headers["A"])
	assert.Equal(t, StatusPending, m.Status)
}

func TestMutationQueue_FilterCountsAndClear(t *testing.T) {
	q := newMemoryQueue(t)

	a, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST", EntityType: "machine", EntityID: "m-1"})
	b, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST", EntityType: "machine", EntityID: "m-2"})
	c, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST", EntityType: "order", EntityID: "o-1"})
	require.NoError(t, q.SetStatus(b, StatusFailed, "boom"))
	require.NoError(t, q.SetStatus(c, StatusConflict, "409"))

	assert.Equal(t, Counts{Pending: 1, Failed: 1, Conflict: 1}, q.Counts())
	assert.Len(t, q.List(Filter{EntityType: "machine"}), 2)
	assert.Len(t, q.List(Filter{EntityType: "machine", EntityID: "m-2"}), 1)
	assert.Len(t, q.List(Filter{Statuses: []MutationStatus{StatusFailed, StatusConflict}}), 2)

	assert.Equal(t, 2, q.Clear(StatusFailed, StatusConflict))
	list := q.List(Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, a, list[0].ID)

	assert.ErrorIs(t, q.Discard("missing"), ErrMutationNotFound)
	require.NoError(t, q.Discard(a))
	assert.Equal(t, 0, q.Clear())
}

func TestMutationQueue_PersistsThroughLocalStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenLocalStore(path)
	require.NoError(t, err)

	q, err := NewMutationQueue(ctx, store)
	require.NoError(t, err)

	first, _ := q.Enqueue(QueuedMutation{
		URL:        "/sync/push",
		Method:     "POST",
		Body:       []byte(`{"client_id":"c1"}`),
		Headers:    map[string]string{"X-Trace": "t1"},
		EntityType: "machine",
		EntityID:   "m-1",
	})
	second, _ := q.Enqueue(QueuedMutation{URL: "/items/2", Method: "DELETE"})
	require.NoError(t, q.SetStatus(second, StatusSyncing, ""))
	synced := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	q.SetLastSyncAt(synced)

	require.NoError(t, q.Close())
	require.NoError(t, store.Close())

	store, err = OpenLocalStore(path)
	require.NoError(t, err)
	defer store.Close()

	restored, err := NewMutationQueue(ctx, store)
	require.NoError(t, err)
	defer restored.Close()

	list := restored.List(Filter{})
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, []byte(`{"client_id":"c1"}`), list[0].Body)
	assert.Equal(t, "t1", list[0].Headers["X-Trace"])
	assert.Equal(t, "machine", list[0].EntityType)
	assert.Equal(t, second, list[1].ID)
	assert.Equal(t, StatusSyncing, list[1].Status)
	assert.NotNil(t, list[1].LastAttempt)

	// a crash mid-drain leaves syncing rows that are still drainable
	assert.True(t, restored.HasDrainable())

	require.NotNil(t, restored.LastSyncAt())
	assert.True(t, synced.Equal(*restored.LastSyncAt()))
}

func TestLocalStore_EmptyLoad(t *testing.T) {
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Mutations)
	assert.Nil(t, snap.LastSyncAt)
}

func TestLocalStore_SharedFileKeepsEveryProcessRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	storeA, err := OpenLocalStore(path)
	require.NoError(t, err)
	defer storeA.Close()
	storeB, err := OpenLocalStore(path)
	require.NoError(t, err)
	defer storeB.Close()

	qa, err := NewMutationQueue(ctx, storeA)
	require.NoError(t, err)
	qb, err := NewMutationQueue(ctx, storeB)
	require.NoError(t, err)

	_, err = qa.Enqueue(QueuedMutation{ID: "from-a", URL: "/x", Method: "POST"})
	require.NoError(t, err)
	require.NoError(t, qa.Flush(ctx))

	_, err = qb.Enqueue(QueuedMutation{ID: "from-b", URL: "/x", Method: "POST"})
	require.NoError(t, err)
	require.NoError(t, qb.Flush(ctx))

	// a later save from A must not drop B's row
	require.NoError(t, qa.SetStatus("from-a", StatusFailed, "HTTP 500"))
	require.NoError(t, qa.Close())
	require.NoError(t, qb.Close())

	snap, err := storeA.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Mutations, 2)
	assert.Equal(t, "from-a", snap.Mutations[0].ID)
	assert.Equal(t, StatusFailed, snap.Mutations[0].Status)
	assert.Equal(t, "from-b", snap.Mutations[1].ID)
}

func TestLocalStore_PersistsRemovalsAndKeys(t *testing.T) {
	ctx := context.Background()
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer store.Close()

	q, err := NewMutationQueue(ctx, store)
	require.NoError(t, err)

	gone, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST"})
	kept, _ := q.Enqueue(QueuedMutation{URL: "/y", Method: "POST"})
	require.NoError(t, q.Flush(ctx))

	require.True(t, q.Remove(gone))
	require.NoError(t, q.SetStatus(kept, StatusFailed, "boom"))
	require.NoError(t, q.Retry(kept))
	require.NoError(t, q.Close())

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Mutations, 1)
	assert.Equal(t, kept, snap.Mutations[0].ID)
	assert.Equal(t, StatusPending, snap.Mutations[0].Status)
	assert.NotEmpty(t, snap.Mutations[0].IdempotencyKey)
	assert.NotEqual(t, kept, snap.Mutations[0].IdempotencyKey)
}

type flakyPersister struct {
	failures int
	saved    []*Changes
}

func (p *flakyPersister) Load(context.Context) (*Snapshot, error) { return nil, nil }

func (p *flakyPersister) Save(_ context.Context, c *Changes) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("disk full")
	}
	p.saved = append(p.saved, c)
	return nil
}

func TestMutationQueue_FailedSaveIsRetried(t *testing.T) {
	ctx := context.Background()
	p := &flakyPersister{failures: 1}
	q, err := NewMutationQueue(ctx, p)
	require.NoError(t, err)

	// stop the background writer so only explicit flushes reach p
	q.closeOnce.Do(func() {
		close(q.stop)
		<-q.stopped
	})

	id, _ := q.Enqueue(QueuedMutation{URL: "/x", Method: "POST"})
	require.Error(t, q.Flush(ctx))
	require.NoError(t, q.Flush(ctx))

	require.Len(t, p.saved, 1)
	require.Len(t, p.saved[0].Upserts, 1)
	assert.Equal(t, id, p.saved[0].Upserts[0].ID)

	require.NoError(t, q.Flush(ctx))
	assert.Len(t, p.saved, 1, "nothing changed since the last save")
}
