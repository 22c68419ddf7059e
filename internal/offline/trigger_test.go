package offline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAutoSync_DrainsOnReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	q := newMemoryQueue(t)
	mon := NewMonitor(MonitorOptions{})
	exec := NewExecutor(q, mon, srv.Client(), srv.URL)
	auto := NewAutoSync(exec, mon, q, StaticToken("tok"), time.Hour)

	results := make(chan SyncResult, 4)
	auto.OnResult = func(r SyncResult) { results <- r }

	q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go auto.Run(ctx)

	// let Run subscribe before the transition
	assert.Eventually(t, func() bool {
		mon.mu.Lock()
		defer mon.mu.Unlock()
		return len(mon.subscribers) == 1
	}, time.Second, 5*time.Millisecond)

	mon.ReportNative(true)

	select {
	case r := <-results:
		assert.Equal(t, SyncResult{Synced: 1}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not run after reconnect")
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestAutoSync_IntervalDrainsWhileWaiting(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	q := newMemoryQueue(t)
	mon := onlineMonitor()
	exec := NewExecutor(q, mon, srv.Client(), srv.URL)
	auto := NewAutoSync(exec, mon, q, StaticToken("tok"), 20*time.Millisecond)

	q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go auto.Run(ctx)

	assert.Eventually(t, func() bool { return !q.HasDrainable() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAutoSync_SyncNowNoops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	q := newMemoryQueue(t)
	mon := onlineMonitor()
	exec := NewExecutor(q, mon, srv.Client(), srv.URL)
	ctx := context.Background()

	// empty queue
	auto := NewAutoSync(exec, mon, q, StaticToken("tok"), 0)
	assert.Equal(t, SyncResult{}, auto.SyncNow(ctx))

	q.Enqueue(QueuedMutation{URL: "/items", Method: "POST"})

	signedOut := NewAutoSync(exec, mon, q, StaticToken(""), 0)
	assert.Equal(t, SyncResult{}, signedOut.SyncNow(ctx))
	assert.Equal(t, int32(0), hits.Load())

	assert.Equal(t, SyncResult{Synced: 1}, auto.SyncNow(ctx))
}
