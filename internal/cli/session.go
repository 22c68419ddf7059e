package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"factoryos-sync/internal/config"
	"factoryos-sync/internal/offline"
)

// session wires the client stack for one command invocation.
type session struct {
	cfg      *config.ClientConfig
	store    *offline.LocalStore
	queue    *offline.MutationQueue
	monitor  *offline.Monitor
	executor *offline.Executor
	client   *offline.Client
	api      *offline.API
}

func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := config.LoadClient(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, errors.New("client_id is not configured and the hostname is unavailable")
		}
		cfg.ClientID = host
	}

	store, err := offline.OpenLocalStore(cfg.LocalDBPath)
	if err != nil {
		return nil, err
	}

	queue, err := offline.NewMutationQueue(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	baseURL := strings.TrimRight(cfg.ServerURL, "/")

	monitor := offline.NewMonitor(offline.MonitorOptions{
		HealthURL:      baseURL + cfg.HealthPath,
		ProbeInterval:  cfg.ProbeInterval,
		NativeDebounce: cfg.NativeDebounce,
		HTTPClient:     httpClient,
	})
	executor := offline.NewExecutor(queue, monitor, httpClient, baseURL)

	return &session{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		monitor:  monitor,
		executor: executor,
		client:   offline.NewClient(queue, executor, offline.StaticToken(cfg.Token)),
		api:      offline.NewAPI(httpClient, baseURL, cfg.Token),
	}, nil
}

func (s *session) requireToken() error {
	if s.cfg.Token == "" {
		return errors.New("no token configured: set token in the profile or SYNC_TOKEN")
	}
	return nil
}

func (s *session) Close() error {
	qerr := s.queue.Close()
	serr := s.store.Close()
	if qerr != nil {
		return fmt.Errorf("failed to flush queue: %w", qerr)
	}
	return serr
}
