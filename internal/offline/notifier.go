package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	syncws "factoryos-sync/internal/websocket"
)

const (
	notifierMinBackoff = time.Second
	notifierMaxBackoff = 30 * time.Second
)

// Notifier listens on the server websocket for change announcements made by
// the tenant's other clients.
type Notifier struct {
	url    string
	dialer *websocket.Dialer
}

// NewNotifier derives the websocket endpoint from the http(s) base URL.
func NewNotifier(baseURL, token, clientID string) (*Notifier, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("token", token)
	q.Set("client_id", clientID)
	u.RawQuery = q.Encode()

	return &Notifier{
		url:    u.String(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Listen delivers every changes_available payload to fn, reconnecting with
// exponential backoff until ctx is done.
func (n *Notifier) Listen(ctx context.Context, fn func(syncws.ChangesAvailablePayload)) error {
	backoff := notifierMinBackoff
	for {
		err := n.session(ctx, fn, func() { backoff = notifierMinBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[Offline] notification channel closed: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > notifierMaxBackoff {
			backoff = notifierMaxBackoff
		}
	}
}

func (n *Notifier) session(ctx context.Context, fn func(syncws.ChangesAvailablePayload), connected func()) error {
	conn, _, err := n.dialer.DialContext(ctx, n.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	connected()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg syncws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Offline] ignoring malformed notification: %v", err)
			continue
		}
		switch msg.Type {
		case syncws.TypeChangesAvailable:
			var payload syncws.ChangesAvailablePayload
			if err := msg.UnmarshalPayload(&payload); err != nil {
				log.Printf("[Offline] ignoring malformed changes_available: %v", err)
				continue
			}
			fn(payload)
		case syncws.TypeError:
			var payload syncws.ErrorPayload
			msg.UnmarshalPayload(&payload)
			log.Printf("[Offline] server error on notification channel: %s", payload.Error)
		}
	}
}
