// Package sidecar manages external capability processes: registration,
// health polling, capability-routed dispatch, and per-sidecar circuit
// breaking.
//
// A sidecar is anything that answers Call(method, params) and reports
// health and capabilities — tokenizers, embedding services, git
// helpers, MCP tool servers. The manager routes dispatches by
// capability, preferring ready sidecars over degraded ones, and fails
// fast through the breaker while a sidecar is misbehaving.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Health is a sidecar's reported condition.
type Health string

const (
	HealthStarting    Health = "starting"
	HealthReady       Health = "ready"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

// healthRank orders candidates for dispatch; lower is better.
func healthRank(h Health) int {
	switch h {
	case HealthReady:
		return 0
	case HealthDegraded:
		return 1
	case HealthStarting:
		return 2
	default:
		return 3
	}
}

// ErrNoSidecar is returned when no registered sidecar provides the
// requested capability.
var ErrNoSidecar = errors.New("no sidecar provides capability")

// DefaultDispatchTimeout bounds a capability call.
const DefaultDispatchTimeout = 10 * time.Second

// DefaultPollInterval is the health poll cadence.
const DefaultPollInterval = 30 * time.Second

// Sidecar is an external capability process.
type Sidecar interface {
	Name() string
	Call(ctx context.Context, method string, params map[string]any) (any, error)
	HealthCheck(ctx context.Context) Health
	Capabilities() []string
}

// entry is the registry record for one sidecar.
type entry struct {
	sidecar      Sidecar
	health       Health
	capabilities map[string]bool
	updatedAt    time.Time
	breaker      *Breaker
}

// Manager is the sidecar registry and dispatcher.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *slog.Logger

	pollInterval time.Duration
	stopPoll     chan struct{}
	pollOnce     sync.Once

	// publish, when set, emits health transitions onto the bus.
	publish func(topic string, payload map[string]any)
	// observe, when set, records dispatch outcomes (metrics wiring).
	observe func(capability, status string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval overrides the health poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithPublisher emits sidecar health telemetry onto the bus.
func WithPublisher(fn func(topic string, payload map[string]any)) Option {
	return func(m *Manager) { m.publish = fn }
}

// WithObserver records dispatch outcomes.
func WithObserver(fn func(capability, status string)) Option {
	return func(m *Manager) { m.observe = fn }
}

// NewManager creates a sidecar manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		entries:      make(map[string]*entry),
		logger:       logger.With("component", "sidecar"),
		pollInterval: DefaultPollInterval,
		stopPoll:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a sidecar to the registry in the starting state. The
// first health poll promotes it.
func (m *Manager) Register(s Sidecar) {
	caps := make(map[string]bool)
	for _, c := range s.Capabilities() {
		caps[c] = true
	}

	name := s.Name()
	e := &entry{
		sidecar:      s,
		health:       HealthStarting,
		capabilities: caps,
		updatedAt:    time.Now(),
	}
	e.breaker = NewBreaker(func(from, to State) {
		m.logger.Warn("sidecar circuit state change", "sidecar", name, "from", from, "to", to)
	})

	m.mu.Lock()
	m.entries[name] = e
	m.mu.Unlock()

	m.logger.Info("sidecar registered", "sidecar", name, "capabilities", s.Capabilities())
}

// Unregister removes a sidecar.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
}

// StartPoller begins periodic health checks. Stop with StopPoller.
func (m *Manager) StartPoller(ctx context.Context) {
	m.pollOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.pollInterval)
			defer ticker.Stop()
			m.PollOnce(ctx)
			for {
				select {
				case <-ticker.C:
					m.PollOnce(ctx)
				case <-m.stopPoll:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// StopPoller halts the poll loop.
func (m *Manager) StopPoller() {
	select {
	case <-m.stopPoll:
	default:
		close(m.stopPoll)
	}
}

// PollOnce runs one health sweep across all sidecars.
func (m *Manager) PollOnce(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.mu.RLock()
		e, ok := m.entries[name]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		health := e.sidecar.HealthCheck(checkCtx)
		cancel()

		m.mu.Lock()
		previous := e.health
		e.health = health
		e.updatedAt = time.Now()
		m.mu.Unlock()

		if previous != health {
			m.logger.Info("sidecar health changed", "sidecar", name, "from", previous, "to", health)
			if m.publish != nil {
				m.publish("sidecar_health", map[string]any{
					"sidecar": name,
					"health":  string(health),
				})
			}
		}
	}
}

// Dispatch routes a capability call to the healthiest provider.
func (m *Manager) Dispatch(ctx context.Context, capability, method string, params map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}

	e, err := m.pick(capability)
	if err != nil {
		m.record(capability, "no_sidecar")
		return nil, err
	}

	if err := e.breaker.Allow(); err != nil {
		m.record(capability, "circuit_open")
		return nil, fmt.Errorf("sidecar %s: %w", e.sidecar.Name(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.sidecar.Call(callCtx, method, params)
	if err != nil {
		e.breaker.RecordFailure()
		m.record(capability, "error")
		return nil, fmt.Errorf("sidecar %s call %s: %w", e.sidecar.Name(), method, err)
	}
	e.breaker.RecordSuccess()
	m.record(capability, "success")
	return result, nil
}

// pick selects the best sidecar for a capability by health rank;
// unavailable sidecars are excluded.
func (m *Manager) pick(capability string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*entry
	for _, e := range m.entries {
		if e.capabilities[capability] && e.health != HealthUnavailable {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSidecar, capability)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := healthRank(candidates[i].health), healthRank(candidates[j].health)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].sidecar.Name() < candidates[j].sidecar.Name()
	})
	return candidates[0], nil
}

func (m *Manager) record(capability, status string) {
	if m.observe != nil {
		m.observe(capability, status)
	}
}

// Status describes one registered sidecar.
type Status struct {
	Name         string    `json:"name"`
	Health       Health    `json:"health"`
	Capabilities []string  `json:"capabilities"`
	Circuit      Stats     `json:"circuit"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Statuses lists all registered sidecars.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.entries))
	for name, e := range m.entries {
		caps := make([]string, 0, len(e.capabilities))
		for c := range e.capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		out = append(out, Status{
			Name:         name,
			Health:       e.health,
			Capabilities: caps,
			Circuit:      e.breaker.Stats(),
			UpdatedAt:    e.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health returns one sidecar's current health.
func (m *Manager) Health(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return HealthUnavailable, false
	}
	return e.health, true
}

// HasCapability reports whether any non-unavailable sidecar provides
// the capability.
func (m *Manager) HasCapability(capability string) bool {
	_, err := m.pick(capability)
	return err == nil
}
