package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// chainTimeout bounds a synchronous chain run.
const chainTimeout = 10 * time.Second

// Registry manages hook registrations and chain execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Event][]*Registration
	metrics  map[Event]*EventMetrics
	nextSeq  uint64
	logger   *slog.Logger

	// observe, when set, records chain outcomes (metrics wiring).
	observe func(event Event, outcome string, elapsed time.Duration)
}

// NewRegistry creates a hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[Event][]*Registration),
		metrics:  make(map[Event]*EventMetrics),
		logger:   logger.With("component", "hooks"),
	}
}

// SetObserver installs a chain-outcome callback.
func (r *Registry) SetObserver(fn func(event Event, outcome string, elapsed time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = fn
}

// Register adds a handler for an event, keyed by (event, name).
// Re-registering the same key replaces the handler in place.
func (r *Registry) Register(event Event, name string, handler Handler, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.handlers[event]
	for _, reg := range chain {
		if reg.Name == name {
			reg.Handler = handler
			reg.Priority = priority
			r.sortLocked(event)
			return
		}
	}

	r.nextSeq++
	chain = append(chain, &Registration{
		Event:    event,
		Name:     name,
		Priority: priority,
		Handler:  handler,
		seq:      r.nextSeq,
	})
	r.handlers[event] = chain
	r.sortLocked(event)

	r.logger.Debug("registered hook", "event", event, "name", name, "priority", priority)
}

// Unregister removes a handler by (event, name).
func (r *Registry) Unregister(event Event, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.handlers[event]
	for i, reg := range chain {
		if reg.Name == name {
			r.handlers[event] = append(chain[:i], chain[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) sortLocked(event Event) {
	chain := r.handlers[event]
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Priority != chain[j].Priority {
			return chain[i].Priority < chain[j].Priority
		}
		return chain[i].seq < chain[j].seq
	})
}

// Run executes the chain for an event synchronously and returns the
// outcome. Handlers run in priority order; a block halts the chain
// (only on events where CanBlock is true — elsewhere a block result
// is treated as a skip and logged). A panicking handler is caught and
// the chain continues with the prior payload.
func (r *Registry) Run(ctx context.Context, event Event, payload Payload) Outcome {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, chainTimeout)
	defer cancel()

	r.mu.RLock()
	chain := make([]*Registration, len(r.handlers[event]))
	copy(chain, r.handlers[event])
	r.mu.RUnlock()

	current := payload.Clone()
	outcome := Outcome{Payload: current}

	for _, reg := range chain {
		if runCtx.Err() != nil {
			r.logger.Warn("hook chain timed out", "event", event, "after", reg.Name)
			break
		}

		result, crashed := r.callHandler(runCtx, reg, current.Clone())
		if crashed {
			r.recordCrash(event)
			continue
		}

		switch result.Action {
		case ActionOK:
			if result.Payload != nil {
				current = result.Payload
			}
		case ActionBlock:
			if !event.CanBlock() {
				r.logger.Warn("hook attempted to block non-blocking event",
					"event", event, "name", reg.Name, "reason", result.Reason)
				continue
			}
			outcome.Payload = current
			outcome.Blocked = true
			outcome.BlockedBy = reg.Name
			outcome.Reason = result.Reason
			outcome.Elapsed = time.Since(start)
			r.record(event, outcome)
			return outcome
		case ActionSkip:
			// payload untouched
		}
	}

	outcome.Payload = current
	outcome.Elapsed = time.Since(start)
	r.record(event, outcome)
	return outcome
}

// RunAsync dispatches a fire-and-forget chain run for post_* events;
// the outcome is discarded.
func (r *Registry) RunAsync(ctx context.Context, event Event, payload Payload) {
	snapshot := payload.Clone()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("async hook chain panic", "event", event, "panic", p)
			}
		}()
		r.Run(context.WithoutCancel(ctx), event, snapshot)
	}()
}

// callHandler invokes one handler with panic isolation.
func (r *Registry) callHandler(ctx context.Context, reg *Registration, payload Payload) (result Result, crashed bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("hook handler crashed",
				"event", reg.Event,
				"name", reg.Name,
				"panic", fmt.Sprintf("%v", p))
			crashed = true
		}
	}()
	return reg.Handler(ctx, payload), false
}

func (r *Registry) record(event Event, outcome Outcome) {
	r.mu.Lock()
	m, ok := r.metrics[event]
	if !ok {
		m = &EventMetrics{}
		r.metrics[event] = m
	}
	m.Calls++
	m.TotalElapsed += outcome.Elapsed
	if outcome.Blocked {
		m.Blocks++
	}
	observe := r.observe
	r.mu.Unlock()

	if observe != nil {
		status := "ok"
		if outcome.Blocked {
			status = "blocked"
		}
		observe(event, status, outcome.Elapsed)
	}
}

func (r *Registry) recordCrash(event Event) {
	r.mu.Lock()
	m, ok := r.metrics[event]
	if !ok {
		m = &EventMetrics{}
		r.metrics[event] = m
	}
	m.Crashes++
	r.mu.Unlock()
}

// Metrics returns a snapshot of per-event chain statistics.
func (r *Registry) Metrics(event Event) EventMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[event]; ok {
		return *m
	}
	return EventMetrics{}
}

// Chain returns the registered handler names for an event in run order.
func (r *Registry) Chain(event Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers[event]))
	for _, reg := range r.handlers[event] {
		names = append(names, reg.Name)
	}
	return names
}
