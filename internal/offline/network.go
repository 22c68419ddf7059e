package offline

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultProbeInterval  = 15 * time.Second
	DefaultNativeDebounce = 2 * time.Second
)

// MonitorOptions configures a Monitor. An empty HealthURL disables probing
// and a zero NativeDebounce applies native events immediately.
type MonitorOptions struct {
	HealthURL      string
	ProbeInterval  time.Duration
	NativeDebounce time.Duration
	HTTPClient     *http.Client
}

// Monitor folds native connectivity events and server health probes into a
// single online flag. It starts offline until the first probe or event.
type Monitor struct {
	opts MonitorOptions

	mu          sync.Mutex
	online      bool
	subscribers []chan bool
	debounce    *time.Timer

	foreground chan struct{}
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.NativeDebounce < 0 {
		opts.NativeDebounce = 0
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Monitor{
		opts:       opts,
		foreground: make(chan struct{}, 1),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel that receives the new value on every
// transition. Slow subscribers miss intermediate values, never the latest.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]chan bool(nil), m.subscribers...)
	m.mu.Unlock()

	if online {
		log.Printf("[Offline] connectivity restored")
	} else {
		log.Printf("[Offline] connectivity lost")
	}

	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// ReportNative records a platform connectivity event. Events settle for the
// debounce window before they take effect, so flapping links collapse into
// the last reported value.
func (m *Monitor) ReportNative(online bool) {
	if m.opts.NativeDebounce == 0 {
		m.set(online)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.opts.NativeDebounce, func() {
		m.set(online)
	})
}

// Foreground asks Run for an immediate probe, e.g. when the app resumes.
func (m *Monitor) Foreground() {
	select {
	case m.foreground <- struct{}{}:
	default:
	}
}

// Probe performs one health check and updates the flag with its result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.opts.HealthURL == "" {
		return m.IsOnline()
	}

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.HealthURL, nil)
	if err == nil {
		resp, err := m.opts.HTTPClient.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	if ctx.Err() != nil {
		return m.IsOnline()
	}
	m.set(online)
	return online
}

// Run probes immediately and then on every interval or foreground signal
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.debounce != nil {
				m.debounce.Stop()
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.foreground:
			m.Probe(ctx)
		}
	}
}
