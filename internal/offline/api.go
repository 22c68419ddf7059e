package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"factoryos-sync/internal/domain"
)

var (
	ErrUnauthorized = errors.New("sync server: unauthorized")
	ErrNotFound     = errors.New("sync server: not found")
)

// ConflictError is returned for HTTP 409 replies.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return "sync server: conflict"
	}
	return "sync server: conflict: " + e.Message
}

// StatusError is any other non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sync server: status %d", e.Code)
	}
	return fmt.Sprintf("sync server %d: %s", e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// API is a typed client for the sync protocol routes.
type API struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewAPI(httpClient *http.Client, baseURL, token string) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

func (a *API) BaseURL() string { return a.baseURL }

// Push sends one batch. idempotencyKey may be empty.
func (a *API) Push(ctx context.Context, req *domain.PushRequest, strategy domain.Strategy, idempotencyKey string) (*domain.PushResponse, error) {
	var out domain.PushResponse
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[HeaderIdempotencyKey] = idempotencyKey
	}
	if err := a.do(ctx, http.MethodPost, PushPath(strategy), headers, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Pull(ctx context.Context, req *domain.PullRequest) (*domain.PullResponse, error) {
	var out domain.PullResponse
	if err := a.do(ctx, http.MethodPost, "/sync/pull", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Conflicts(ctx context.Context) (*domain.ConflictListResponse, error) {
	var out domain.ConflictListResponse
	if err := a.do(ctx, http.MethodGet, "/sync/conflicts", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Resolve(ctx context.Context, syncID string, req *domain.ResolveConflictRequest) (*domain.ResolveConflictResponse, error) {
	var out domain.ResolveConflictResponse
	path := "/sync/conflicts/" + url.PathEscape(syncID) + "/resolve"
	if err := a.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Status(ctx context.Context, clientID string) (*domain.StatusResponse, error) {
	var out domain.StatusResponse
	path := "/sync/status?client_id=" + url.QueryEscape(clientID)
	if err := a.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Health(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// PushPath is the route a push for strategy is sent to. An empty strategy
// leaves the choice to the server.
func PushPath(strategy domain.Strategy) string {
	if strategy == "" {
		return "/sync/push"
	}
	return "/sync/push?strategy=" + url.QueryEscape(string(strategy))
}

func (a *API) do(ctx context.Context, method, path string, headers map[string]string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return &ConflictError{Message: eb.Error}
	default:
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(eb.Error)}
	}
}
