package offline

import (
	"context"
	"time"
)

const DefaultSyncInterval = 30 * time.Second

// TokenSource supplies the bearer token for a drain. An empty token means
// the user is signed out and nothing is sent.
type TokenSource interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// AutoSync decides when the executor drains: once when connectivity comes
// back and then on every interval while rows are waiting.
type AutoSync struct {
	executor *Executor
	monitor  *Monitor
	queue    *MutationQueue
	tokens   TokenSource
	interval time.Duration

	// OnResult, when set, observes every drain that ran.
	OnResult func(SyncResult)
}

func NewAutoSync(executor *Executor, monitor *Monitor, queue *MutationQueue, tokens TokenSource, interval time.Duration) *AutoSync {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &AutoSync{
		executor: executor,
		monitor:  monitor,
		queue:    queue,
		tokens:   tokens,
		interval: interval,
	}
}

// SyncNow drains immediately if online, signed in and something is waiting.
func (a *AutoSync) SyncNow(ctx context.Context) SyncResult {
	token := a.token()
	if token == "" || !a.monitor.IsOnline() || !a.queue.HasDrainable() {
		return SyncResult{}
	}

	result := a.executor.SyncQueue(ctx, token)
	if a.OnResult != nil {
		a.OnResult(result)
	}
	return result
}

// Run blocks until ctx is done.
func (a *AutoSync) Run(ctx context.Context) {
	transitions := a.monitor.Subscribe()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if online {
				a.SyncNow(ctx)
			}
		case <-ticker.C:
			a.SyncNow(ctx)
		}
	}
}

func (a *AutoSync) token() string {
	if a.tokens == nil {
		return ""
	}
	return a.tokens.Token()
}
