// Package monitor keeps a live availability view of every configured
// backend. A background loop probes all connections in parallel and
// callers read the cached results; no probe runs on the query path.
package monitor

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/databridge-io/databridge/pkg/logger"
)

// Connection statuses as exposed over the status API.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusChecking = "checking"
	StatusError    = "error"
)

const (
	checkInterval = 60 * time.Second
	probeTimeout  = 30 * time.Second
)

// Prober is the connection-test slice of an adapter orchestrator.
type Prober interface {
	TestConnection(ctx context.Context) bool
}

// Target is one monitored backend.
type Target struct {
	Name  string
	URI   string
	Probe Prober
}

// Health is the cached probe outcome for one target.
type Health struct {
	Name           string    `json:"name"`
	URI            string    `json:"uri"`
	Status         string    `json:"status"`
	LastChecked    time.Time `json:"last_checked"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
}

// Summary aggregates the cache for the dashboard view. UptimePercent is
// the share of targets currently online, 0 when nothing is registered.
type Summary struct {
	Total         int     `json:"total"`
	Online        int     `json:"online"`
	Offline       int     `json:"offline"`
	Errors        int     `json:"errors"`
	UptimePercent float64 `json:"uptime_percent"`
}

// Monitor runs the periodic availability checks.
type Monitor struct {
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[string]Target
	cache   map[string]Health

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates an empty monitor. Targets are registered before Start.
func New() *Monitor {
	return &Monitor{
		logger:  logger.GetLogger("monitor"),
		targets: make(map[string]Target),
		cache:   make(map[string]Health),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Register adds or replaces a monitored target. Registration seeds the
// cache with a checking entry so the status API never 404s a known
// connection.
func (m *Monitor) Register(target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target.Name] = target
	m.cache[target.Name] = Health{
		Name:   target.Name,
		URI:    MaskURI(target.URI),
		Status: StatusChecking,
	}
}

// Unregister drops a target and its cached health.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, name)
	delete(m.cache, name)
}

// Start launches the background loop. The first sweep runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.CheckAll(ctx)
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
}

// Stop halts the background loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CheckAll probes every target in parallel and updates the cache.
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make([]Target, 0, len(m.targets))
	for _, target := range m.targets {
		targets = append(targets, target)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			m.check(ctx, target)
		}(target)
	}
	wg.Wait()
}

// ForceCheck probes one target now, bypassing the schedule. Returns the
// fresh result, or false when the name is unknown.
func (m *Monitor) ForceCheck(ctx context.Context, name string) (Health, bool) {
	m.mu.RLock()
	target, ok := m.targets[name]
	m.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	m.check(ctx, target)
	return m.Health(name)
}

func (m *Monitor) check(ctx context.Context, target Target) {
	health := Health{
		Name:        target.Name,
		URI:         MaskURI(target.URI),
		LastChecked: m.now(),
	}

	if target.Probe == nil {
		health.Status = StatusError
		health.Error = "no probe configured"
		m.put(health)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	started := m.now()
	ok := target.Probe.TestConnection(probeCtx)
	health.ResponseTimeMS = m.now().Sub(started).Milliseconds()
	health.LastChecked = m.now()

	if ok {
		health.Status = StatusOnline
	} else {
		health.Status = StatusOffline
		health.Error = "connection test failed"
		m.logger.Warn("backend unavailable", "name", target.Name, "uri", health.URI)
	}
	m.put(health)
}

func (m *Monitor) put(health Health) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A target removed mid-probe stays removed.
	if _, ok := m.targets[health.Name]; !ok {
		return
	}
	m.cache[health.Name] = health
}

// Health returns the cached status for one target.
func (m *Monitor) Health(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health, ok := m.cache[name]
	return health, ok
}

// Snapshot returns all cached statuses sorted by name.
func (m *Monitor) Snapshot() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Health, 0, len(m.cache))
	for _, health := range m.cache {
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summarize aggregates the cache.
func (m *Monitor) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := Summary{Total: len(m.cache)}
	for _, health := range m.cache {
		switch health.Status {
		case StatusOnline:
			summary.Online++
		case StatusOffline:
			summary.Offline++
		case StatusError:
			summary.Errors++
		}
	}
	if summary.Total > 0 {
		summary.UptimePercent = float64(summary.Online) / float64(summary.Total) * 100
	}
	return summary
}

// MaskURI hides both username and password for display, keeping scheme
// and host so the connection stays recognizable.
func MaskURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.User == nil {
		return uri
	}
	parsed.User = url.UserPassword("***", "***")
	return parsed.String()
}
