package service

import (
	"sync"
	"time"
)

// Clock hands out server timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns strictly increasing UTC timestamps at microsecond
// resolution, so feed cursors never see two entries at the same instant.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time

	commitMu sync.Mutex
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// Stamp calls commit with a fresh timestamp and holds off the next Stamp
// until commit returns. Entries committed through Stamp therefore become
// visible in timestamp order, and a pull cursor never passes an entry that
// has not been written yet.
func (c *MonotonicClock) Stamp(commit func(time.Time) error) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	return commit(c.Now())
}

type stamper interface {
	Stamp(commit func(time.Time) error) error
}

func stamp(clock Clock, commit func(time.Time) error) error {
	if s, ok := clock.(stamper); ok {
		return s.Stamp(commit)
	}
	return commit(clock.Now())
}
