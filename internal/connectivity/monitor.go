// Package connectivity tracks whether the upstream origin is reachable and
// notifies subscribers on transitions.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober answers one reachability check. The real implementation issues a
// HEAD request against the upstream probe path.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes a URL with a bounded timeout.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Snapshot is the read side for the status surface. WasOffline is display
// only; it never gates queue processing.
type Snapshot struct {
	Online     bool      `json:"online"`
	WasOffline bool      `json:"was_offline"`
	LastOnline time.Time `json:"last_online,omitempty"`
}

// Monitor polls the prober and reports online/offline transitions to
// subscribers. One explicit probe runs at startup before the interval loop.
type Monitor struct {
	prober   Prober
	interval time.Duration
	// noticeWindow is how long WasOffline stays set after a reconnect.
	noticeWindow time.Duration
	logger       *slog.Logger

	mu          sync.Mutex
	online      bool
	lastOnline  time.Time
	reconnected time.Time
	subscribers []func(online bool)
}

// New creates a Monitor. The notice window defaults to 5s, the probe
// interval to 15s.
func New(prober Prober, interval, noticeWindow time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if noticeWindow <= 0 {
		noticeWindow = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:       prober,
		interval:     interval,
		noticeWindow: noticeWindow,
		logger:       logger,
	}
}

// Subscribe registers a transition callback. Callbacks run on the monitor
// goroutine and must not block. Subscribe before Run.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Run probes once immediately, then on the interval, until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.check(ctx, true)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, false)
		}
	}
}

// ProbeNow re-derives online state on demand. The queue processor calls
// this at drain time instead of trusting the cached flag, so a stale flag
// can never cause a drain against a dead upstream.
func (m *Monitor) ProbeNow(ctx context.Context) bool {
	return m.check(ctx, false)
}

func (m *Monitor) check(ctx context.Context, initial bool) bool {
	online := m.prober.Probe(ctx)

	m.mu.Lock()
	transition := online != m.online || initial
	wasOffline := !m.online
	m.online = online
	if online {
		m.lastOnline = time.Now()
		if transition && wasOffline && !initial {
			m.reconnected = time.Now()
		}
	}
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if transition && !initial {
		m.logger.Info("connectivity changed", "online", online)
	}
	if transition {
		for _, fn := range subs {
			fn(online)
		}
	}
	return online
}

// Snapshot returns the current state for display.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Online:     m.online,
		WasOffline: !m.reconnected.IsZero() && time.Since(m.reconnected) < m.noticeWindow,
		LastOnline: m.lastOnline,
	}
}
