// Package reachability maintains a best-effort "can reach the public network" signal.
//
// OS connectivity callbacks alone are not trusted: being associated with a network
// says nothing about captive portals or filtering proxies. The monitor merges OS
// events with active, time-bounded HTTP probes into one de-duplicated boolean.
package reachability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/invoicesync/internal/logging"
)

// Defaults for probing.
const (
	DefaultProbeURL     = "https://clients3.google.com/generate_204"
	DefaultProbeTimeout = 3 * time.Second
	DefaultInterval     = 15 * time.Second
)

// Prober performs one active reachability check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber issues a GET and treats any 2xx as reachable. Redirects are not
// followed since captive portals answer with one.
type HTTPProber struct {
	URL    string
	client *http.Client
}

// NewHTTPProber creates an HTTPProber with a hard timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if url == "" {
		url = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{
		URL: url,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe returns true iff the probe URL answered 2xx within the timeout.
// Every error counts as unreachable.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("reachability probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Config holds monitor configuration.
type Config struct {
	ProbeURL     string
	ProbeTimeout time.Duration
	Interval     time.Duration
	Prober       Prober // overrides ProbeURL/ProbeTimeout when set
	Clock        clockwork.Clock
}

// Monitor tracks reachability and fans transitions out to subscribers.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock

	probeMu sync.Mutex // serializes probes

	mu          sync.RWMutex
	reachable   bool
	lastChecked time.Time
	subs        map[int]chan bool
	nextSub     int
}

// New creates a Monitor. The estimate starts unreachable until the first probe.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	prober := cfg.Prober
	if prober == nil {
		prober = NewHTTPProber(cfg.ProbeURL, cfg.ProbeTimeout)
	}
	return &Monitor{
		prober:   prober,
		interval: cfg.Interval,
		timeout:  cfg.ProbeTimeout,
		clock:    cfg.Clock,
		subs:     make(map[int]chan bool),
	}
}

// IsReachable returns the current cached estimate.
func (m *Monitor) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// LastChecked returns when the estimate was last updated.
func (m *Monitor) LastChecked() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChecked
}

// ForceCheck probes now, updates the estimate and returns it.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	reachable := m.prober.Probe(probeCtx)
	m.set(reachable)
	return reachable
}

// NotifyOSChange feeds an OS connectivity callback into the monitor.
// A disconnect is trusted immediately; a connect is only a hint and triggers a probe.
func (m *Monitor) NotifyOSChange(ctx context.Context, connected bool) {
	logging.Debug("os connectivity changed", map[string]interface{}{"connected": connected})
	if !connected {
		m.set(false)
		return
	}
	m.ForceCheck(ctx)
}

// Subscribe returns a channel receiving each transition of the estimate and a
// function that cancels the subscription. Slow subscribers only see the latest value.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.ForceCheck(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.ForceCheck(ctx)
		}
	}
}

func (m *Monitor) set(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastChecked = m.clock.Now()
	if m.reachable == reachable {
		return
	}
	m.reachable = reachable

	logging.Info("reachability changed", map[string]interface{}{"reachable": reachable})

	for _, ch := range m.subs {
		select {
		case ch <- reachable:
		default:
			// Replace the stale value so the subscriber sees the latest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- reachable:
			default:
			}
		}
	}
}
