// Package offline is the client half of the sync engine: a durable queue of
// outgoing mutations, a connectivity monitor, the executor that drains the
// queue and the trigger that decides when to drain.
package offline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxRetries = 5

type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusSyncing  MutationStatus = "syncing"
	StatusFailed   MutationStatus = "failed"
	StatusConflict MutationStatus = "conflict"
)

var (
	ErrMutationNotFound  = errors.New("mutation not found")
	ErrNotRetryable      = errors.New("only failed or conflicting mutations can be retried")
	ErrInvalidMethod     = errors.New("method must be POST, PUT, PATCH or DELETE")
	ErrDuplicateMutation = errors.New("mutation id already queued")
)

// QueuedMutation is one write waiting to reach the server.
type QueuedMutation struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Body         []byte            `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Retries      int               `json:"retries"`
	MaxRetries   int               `json:"max_retries"`
	EntityType   string            `json:"entity_type,omitempty"`
	EntityID     string            `json:"entity_id,omitempty"`
	Description  string            `json:"description,omitempty"`
	Status       MutationStatus    `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	LastAttempt  *time.Time        `json:"last_attempt,omitempty"`

	// IdempotencyKey is sent instead of ID once a manual retry has made the
	// earlier attempts' server-side outcome stale.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (m *QueuedMutation) requestKey() string {
	if m.IdempotencyKey != "" {
		return m.IdempotencyKey
	}
	return m.ID
}

func (m *QueuedMutation) entityKey() string {
	if m.EntityType == "" && m.EntityID == "" {
		return ""
	}
	return m.EntityType + "/" + m.EntityID
}

func (m QueuedMutation) clone() QueuedMutation {
	if m.Body != nil {
		m.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		h := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			h[k] = v
		}
		m.Headers = h
	}
	if m.LastAttempt != nil {
		t := *m.LastAttempt
		m.LastAttempt = &t
	}
	return m
}

func validMethod(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// Filter selects queue rows. Zero fields match everything.
type Filter struct {
	Statuses   []MutationStatus
	EntityType string
	EntityID   string
}

func (f Filter) match(m *QueuedMutation) bool {
	if f.EntityType != "" && m.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && m.EntityID != f.EntityID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if m.Status == s {
			return true
		}
	}
	return false
}

type Counts struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Failed   int `json:"failed"`
	Conflict int `json:"conflict"`
}

// Waiting is the number of rows a drain would still attempt.
func (c Counts) Waiting() int { return c.Pending + c.Syncing }

// NeedsAttention is the number of rows only the user can move on.
func (c Counts) NeedsAttention() int { return c.Failed + c.Conflict }

// Snapshot is the durable state of a queue as read back on startup.
type Snapshot struct {
	Mutations  []QueuedMutation
	LastSyncAt *time.Time
}

// Changes is what moved since the previous save. Rows are written by id so
// several processes can share one store without erasing each other's rows.
type Changes struct {
	Upserts    []QueuedMutation
	Removed    []string
	LastSyncAt *time.Time
}

func (c *Changes) empty() bool {
	return len(c.Upserts) == 0 && len(c.Removed) == 0 && c.LastSyncAt == nil
}

type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, changes *Changes) error
}

// MutationQueue keeps mutations in insertion order. Every operation applies
// to memory immediately; a background writer mirrors the result to the
// persister, coalescing bursts of changes into one save.
type MutationQueue struct {
	mu         sync.Mutex
	items      []*QueuedMutation
	lastSyncAt *time.Time

	changed     map[string]struct{}
	removed     map[string]struct{}
	cursorDirty bool

	persister Persister
	saveMu    sync.Mutex
	dirty     chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// NewMutationQueue restores the persisted snapshot, if any. A nil persister
// keeps the queue in memory only.
func NewMutationQueue(ctx context.Context, p Persister) (*MutationQueue, error) {
	q := &MutationQueue{
		changed:   make(map[string]struct{}),
		removed:   make(map[string]struct{}),
		persister: p,
		dirty:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}

	if p != nil {
		snap, err := p.Load(ctx)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			for i := range snap.Mutations {
				m := snap.Mutations[i].clone()
				q.items = append(q.items, &m)
			}
			q.lastSyncAt = snap.LastSyncAt
		}
	}

	go q.writer()
	return q, nil
}

func (q *MutationQueue) writer() {
	defer close(q.stopped)
	for {
		select {
		case <-q.stop:
			return
		case <-q.dirty:
			if err := q.Flush(context.Background()); err != nil {
				log.Printf("[Offline] failed to persist queue: %v", err)
			}
		}
	}
}

// touch records a changed row. Callers hold mu.
func (q *MutationQueue) touch(id string) {
	q.changed[id] = struct{}{}
	delete(q.removed, id)
}

// forget records a removed row. Callers hold mu.
func (q *MutationQueue) forget(id string) {
	delete(q.changed, id)
	q.removed[id] = struct{}{}
}

func (q *MutationQueue) markDirty() {
	if q.persister == nil {
		return
	}
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

// Flush writes pending changes synchronously. A failed save keeps them
// for the next attempt.
func (q *MutationQueue) Flush(ctx context.Context) error {
	if q.persister == nil {
		return nil
	}

	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	changes := q.takeChanges()
	if changes.empty() {
		return nil
	}
	if err := q.persister.Save(ctx, changes); err != nil {
		q.restoreChanges(changes)
		return err
	}
	return nil
}

func (q *MutationQueue) takeChanges() *Changes {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := &Changes{}
	for _, m := range q.items {
		if _, ok := q.changed[m.ID]; ok {
			c.Upserts = append(c.Upserts, m.clone())
		}
	}
	for id := range q.removed {
		c.Removed = append(c.Removed, id)
	}
	if q.cursorDirty && q.lastSyncAt != nil {
		t := *q.lastSyncAt
		c.LastSyncAt = &t
	}

	q.changed = make(map[string]struct{})
	q.removed = make(map[string]struct{})
	q.cursorDirty = false
	return c
}

// restoreChanges re-marks what a failed save carried, unless a newer
// change already superseded it.
func (q *MutationQueue) restoreChanges(c *Changes) {
	q.mu.Lock()
	for _, m := range c.Upserts {
		if _, gone := q.removed[m.ID]; !gone && q.find(m.ID) != nil {
			q.changed[m.ID] = struct{}{}
		}
	}
	for _, id := range c.Removed {
		if _, back := q.changed[id]; !back {
			q.removed[id] = struct{}{}
		}
	}
	if c.LastSyncAt != nil {
		q.cursorDirty = true
	}
	q.mu.Unlock()
}

// Close stops the background writer and performs a final flush.
func (q *MutationQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.stop)
		<-q.stopped
		err = q.Flush(context.Background())
	})
	return err
}

// Enqueue appends m as a fresh pending row and returns its id.
func (q *MutationQueue) Enqueue(m QueuedMutation) (string, error) {
	if !validMethod(m.Method) {
		return "", ErrInvalidMethod
	}

	m = m.clone()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = q.now().UTC()
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	m.Status = StatusPending
	m.Retries = 0
	m.ErrorMessage = ""
	m.LastAttempt = nil

	q.mu.Lock()
	if q.find(m.ID) != nil {
		q.mu.Unlock()
		return "", ErrDuplicateMutation
	}
	q.items = append(q.items, &m)
	q.touch(m.ID)
	q.mu.Unlock()

	q.markDirty()
	return m.ID, nil
}

// Remove deletes the row and reports whether it existed.
func (q *MutationQueue) Remove(id string) bool {
	q.mu.Lock()
	removed := false
	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.forget(id)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	if removed {
		q.markDirty()
	}
	return removed
}

// SetStatus moves a row to status. Entering syncing stamps LastAttempt.
func (q *MutationQueue) SetStatus(id string, status MutationStatus, errMsg string) error {
	q.mu.Lock()
	m := q.find(id)
	if m == nil {
		q.mu.Unlock()
		return ErrMutationNotFound
	}
	m.Status = status
	m.ErrorMessage = errMsg
	if status == StatusSyncing {
		now := q.now().UTC()
		m.LastAttempt = &now
	}
	q.touch(id)
	q.mu.Unlock()

	q.markDirty()
	return nil
}

// IncrementRetries bumps the retry counter and returns the new value.
func (q *MutationQueue) IncrementRetries(id string) (int, error) {
	q.mu.Lock()
	m := q.find(id)
	if m == nil {
		q.mu.Unlock()
		return 0, ErrMutationNotFound
	}
	m.Retries++
	n := m.Retries
	q.touch(id)
	q.mu.Unlock()

	q.markDirty()
	return n, nil
}

func (q *MutationQueue) Get(id string) (QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if m := q.find(id); m != nil {
		return m.clone(), true
	}
	return QueuedMutation{}, false
}

// List returns copies of the matching rows in queue order.
func (q *MutationQueue) List(f Filter) []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []QueuedMutation{}
	for _, m := range q.items {
		if f.match(m) {
			out = append(out, m.clone())
		}
	}
	return out
}

func (q *MutationQueue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, m := range q.items {
		switch m.Status {
		case StatusPending:
			c.Pending++
		case StatusSyncing:
			c.Syncing++
		case StatusFailed:
			c.Failed++
		case StatusConflict:
			c.Conflict++
		}
	}
	return c
}

// HasDrainable reports whether a drain would attempt anything.
func (q *MutationQueue) HasDrainable() bool {
	return q.Counts().Waiting() > 0
}

// Retry returns a failed or conflicting row to pending with a fresh retry
// budget and a new idempotency key, so the server scores it again instead of
// replaying the outcome it already recorded.
func (q *MutationQueue) Retry(id string) error {
	q.mu.Lock()
	m := q.find(id)
	if m == nil {
		q.mu.Unlock()
		return ErrMutationNotFound
	}
	if m.Status != StatusFailed && m.Status != StatusConflict {
		q.mu.Unlock()
		return ErrNotRetryable
	}
	m.Status = StatusPending
	m.Retries = 0
	m.ErrorMessage = ""
	m.IdempotencyKey = uuid.New().String()
	q.touch(id)
	q.mu.Unlock()

	q.markDirty()
	return nil
}

func (q *MutationQueue) Discard(id string) error {
	if !q.Remove(id) {
		return ErrMutationNotFound
	}
	return nil
}

// Clear removes every row in one of statuses, or every row when none are
// given, and returns how many were removed.
func (q *MutationQueue) Clear(statuses ...MutationStatus) int {
	f := Filter{Statuses: statuses}

	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, m := range q.items {
		if f.match(m) {
			q.forget(m.ID)
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.mu.Unlock()

	if removed > 0 {
		q.markDirty()
	}
	return removed
}

func (q *MutationQueue) LastSyncAt() *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lastSyncAt == nil {
		return nil
	}
	t := *q.lastSyncAt
	return &t
}

func (q *MutationQueue) SetLastSyncAt(t time.Time) {
	t = t.UTC()
	q.mu.Lock()
	q.lastSyncAt = &t
	q.cursorDirty = true
	q.mu.Unlock()

	q.markDirty()
}

// find returns the live row. Callers hold mu.
func (q *MutationQueue) find(id string) *QueuedMutation {
	for _, m := range q.items {
		if m.ID == id {
			return m
		}
	}
	return nil
}
