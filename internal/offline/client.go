package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"factoryos-sync/internal/domain"
)

// WriteResult describes where a write ended up.
type WriteResult struct {
	MutationID string `json:"mutation_id"`
	Queued     bool   `json:"queued"`
	Message    string `json:"message,omitempty"`
}

// Client sends writes straight to the server when it can and queues them
// when it cannot.
type Client struct {
	queue    *MutationQueue
	executor *Executor
	tokens   TokenSource
}

// NewClient shares queue and executor with the drain path, so a retried
// write reaches the server under the same idempotency key.
func NewClient(queue *MutationQueue, executor *Executor, tokens TokenSource) *Client {
	return &Client{queue: queue, executor: executor, tokens: tokens}
}

// Perform attempts m directly. Offline, signed out, transport failures and
// retryable replies all end with m queued. A write whose entity still has
// queued rows is queued behind them. Conflicts and permanent rejections are
// returned to the caller and never queued.
func (c *Client) Perform(ctx context.Context, m QueuedMutation) (WriteResult, error) {
	if !validMethod(m.Method) {
		return WriteResult{}, ErrInvalidMethod
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}

	if token == "" || !c.executor.online() || c.entityBacklog(&m) {
		return c.enqueue(m, "")
	}

	out, msg := c.executor.send(ctx, token, &m)
	switch out {
	case outcomeSynced:
		return WriteResult{MutationID: m.ID}, nil
	case outcomeConflict:
		return WriteResult{MutationID: m.ID, Message: msg}, &ConflictError{Message: msg}
	case outcomeFatal:
		return WriteResult{MutationID: m.ID, Message: msg}, errors.New(msg)
	default:
		return c.enqueue(m, msg)
	}
}

func (c *Client) enqueue(m QueuedMutation, reason string) (WriteResult, error) {
	id, err := c.queue.Enqueue(m)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{MutationID: id, Queued: true, Message: reason}, nil
}

func (c *Client) entityBacklog(m *QueuedMutation) bool {
	if m.entityKey() == "" {
		return false
	}
	return len(c.queue.List(Filter{EntityType: m.EntityType, EntityID: m.EntityID})) > 0
}

// NewPushMutation wraps one entry as a single-item push so it can travel
// through the queue. The mutation URL is relative to the server base URL.
func NewPushMutation(clientID, deviceInfo string, entry domain.PushEntry, strategy domain.Strategy) (QueuedMutation, error) {
	if entry.ClientTimestamp.IsZero() {
		entry.ClientTimestamp = time.Now().UTC()
	}

	body, err := json.Marshal(domain.PushRequest{
		ClientID:   clientID,
		DeviceInfo: deviceInfo,
		Entries:    []domain.PushEntry{entry},
	})
	if err != nil {
		return QueuedMutation{}, fmt.Errorf("failed to encode push: %w", err)
	}

	return QueuedMutation{
		URL:         PushPath(strategy),
		Method:      "POST",
		Body:        body,
		CreatedAt:   entry.ClientTimestamp,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Description: fmt.Sprintf("%s %s/%s v%d", entry.Operation, entry.EntityType, entry.EntityID, entry.Version),
	}, nil
}
