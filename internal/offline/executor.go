package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"factoryos-sync/internal/domain"
)

const (
	HeaderOfflineMutation  = "X-Offline-Mutation"
	HeaderOfflineCreatedAt = "X-Offline-Created-At"
	HeaderIdempotencyKey   = "X-Idempotency-Key"

	maxErrorBody = 4 << 10
)

type SyncResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeRetry
	outcomeFatal
)

// Executor replays queued mutations against the server. One Executor runs at
// most one drain at a time.
type Executor struct {
	queue   *MutationQueue
	monitor *Monitor
	client  *http.Client
	baseURL string

	inflight *semaphore.Weighted
}

// NewExecutor builds an executor. Relative mutation URLs are resolved
// against baseURL.
func NewExecutor(queue *MutationQueue, monitor *Monitor, client *http.Client, baseURL string) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		queue:    queue,
		monitor:  monitor,
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		inflight: semaphore.NewWeighted(1),
	}
}

// SyncQueue drains pending and syncing rows in queue order. It returns zero
// counts without touching the queue when offline, when token is empty or
// when another drain is already running.
func (e *Executor) SyncQueue(ctx context.Context, token string) SyncResult {
	var result SyncResult

	if token == "" || !e.online() {
		return result
	}
	if !e.inflight.TryAcquire(1) {
		return result
	}
	defer e.inflight.Release(1)

	blocked := make(map[string]bool)
	for _, m := range e.queue.List(Filter{Statuses: []MutationStatus{StatusPending, StatusSyncing}}) {
		if ctx.Err() != nil || !e.online() {
			break
		}

		key := m.entityKey()
		if key != "" && blocked[key] {
			continue
		}

		if err := e.queue.SetStatus(m.ID, StatusSyncing, ""); err != nil {
			// discarded while the drain was running
			continue
		}

		out, msg := e.send(ctx, token, &m)
		if ctx.Err() != nil && out == outcomeRetry {
			// cancelled mid-request; the attempt does not count against the row
			_ = e.queue.SetStatus(m.ID, StatusPending, "")
			break
		}

		// The row may have been discarded while the request was in flight;
		// queue writes below ignore ErrMutationNotFound for that reason.
		switch out {
		case outcomeSynced:
			e.queue.Remove(m.ID)
			result.Synced++
			continue
		case outcomeConflict:
			_ = e.queue.SetStatus(m.ID, StatusConflict, msg)
			result.Conflicts++
			log.Printf("[Offline] mutation %s conflicted: %s", m.ID, msg)
		case outcomeFatal:
			_ = e.queue.SetStatus(m.ID, StatusFailed, msg)
			result.Failed++
			log.Printf("[Offline] mutation %s rejected: %s", m.ID, msg)
		case outcomeRetry:
			retries, err := e.queue.IncrementRetries(m.ID)
			if err != nil {
				continue
			}
			next := StatusPending
			if retries >= m.MaxRetries {
				next = StatusFailed
			}
			_ = e.queue.SetStatus(m.ID, next, msg)
			result.Failed++
			log.Printf("[Offline] mutation %s failed (attempt %d/%d): %s", m.ID, retries, m.MaxRetries, msg)
		}

		if key != "" {
			blocked[key] = true
		}
	}

	if result.Synced > 0 {
		e.queue.SetLastSyncAt(time.Now())
	}

	log.Printf("[Offline] drain finished: synced=%d failed=%d conflicts=%d",
		result.Synced, result.Failed, result.Conflicts)
	return result
}

func (e *Executor) online() bool {
	return e.monitor == nil || e.monitor.IsOnline()
}

func (e *Executor) send(ctx context.Context, token string, m *QueuedMutation) (outcome, string) {
	target, err := e.resolve(m.URL)
	if err != nil {
		return outcomeFatal, err.Error()
	}

	var body io.Reader
	if len(m.Body) > 0 {
		body = bytes.NewReader(m.Body)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, target, body)
	if err != nil {
		return outcomeFatal, err.Error()
	}

	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}
	if len(m.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderOfflineMutation, "true")
	req.Header.Set(HeaderOfflineCreatedAt, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	req.Header.Set(HeaderIdempotencyKey, m.requestKey())

	resp, err := e.client.Do(req)
	if err != nil {
		return outcomeRetry, err.Error()
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return outcomeConflict, errorMessage(resp.StatusCode, respBody)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if isPushURL(target) {
			return classifyPush(respBody)
		}
		return outcomeSynced, ""
	default:
		return outcomeRetry, errorMessage(resp.StatusCode, respBody)
	}
}

func (e *Executor) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid mutation url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	if e.baseURL == "" {
		return "", fmt.Errorf("relative mutation url %q without a base url", raw)
	}
	return e.baseURL + "/" + strings.TrimLeft(raw, "/"), nil
}

func isPushURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sync/push")
}

// classifyPush inspects a 2xx push reply. The server answers 200 even when
// items lose, so per-item outcomes decide the queue status.
func classifyPush(body []byte) (outcome, string) {
	var resp domain.PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return outcomeSynced, ""
	}
	if resp.Conflicted == 0 && resp.Rejected == 0 {
		return outcomeSynced, ""
	}

	retry := false
	var reasons []string
	for _, c := range resp.Conflicts {
		switch c.Resolution {
		case domain.ResolutionClientWins, domain.ResolutionMerged:
			// applied
		case domain.ResolutionError:
			retry = true
			reasons = append(reasons, fmt.Sprintf("%s/%s: %s", c.EntityType, c.EntityID, c.Error))
		case domain.ResolutionInvalid:
			return outcomeFatal, fmt.Sprintf("%s/%s: %s", c.EntityType, c.EntityID, c.Error)
		default:
			reasons = append(reasons, fmt.Sprintf("%s/%s: %s (client v%d, server v%d)",
				c.EntityType, c.EntityID, c.Resolution, c.ClientVersion, c.ServerVersion))
		}
	}
	msg := strings.Join(reasons, "; ")
	if retry {
		return outcomeRetry, msg
	}
	return outcomeConflict, msg
}

func errorMessage(status int, body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", status, e.Error)
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return fmt.Sprintf("HTTP %d: %s", status, text)
	}
	return fmt.Sprintf("HTTP %d", status)
}
