// Package bus provides a process-wide topic-indexed publish/subscribe
// facility with session-scoped fan-out.
//
// Publishers emit (topic, payload) where the payload carries an
// optional session ID. Subscribers register either globally on a topic
// or scoped to a session; scoped subscribers receive only events whose
// payload carries a matching session ID. A slow subscriber never
// blocks publishers or other subscribers: each subscription owns a
// bounded queue drained by its own goroutine, and overflow drops the
// oldest event and increments a drop counter.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TopicAll subscribes to every topic. Session-scoped stream consumers
// use it to receive all events for one session.
const TopicAll = "*"

// DefaultQueueCapacity bounds each subscriber queue.
const DefaultQueueCapacity = 256

// Event is a single published record.
type Event struct {
	Topic     string         `json:"topic"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler consumes events delivered to a subscription, in publish
// order per (topic, subscriber).
type Handler func(Event)

// Bus is the process-wide event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription // topic -> id -> sub
	nextID atomic.Uint64
	logger *slog.Logger

	queueCapacity int

	published atomic.Int64
	dropped   atomic.Int64

	// onPublish, when set, observes every publish (metrics wiring).
	onPublish func(topic string)
	// onDrop, when set, observes every queue overflow drop.
	onDrop func(topic string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity overrides the per-subscriber queue bound.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCapacity = n
		}
	}
}

// WithPublishObserver sets a callback invoked on every publish.
func WithPublishObserver(fn func(topic string)) Option {
	return func(b *Bus) { b.onPublish = fn }
}

// WithDropObserver sets a callback invoked on every overflow drop.
func WithDropObserver(fn func(topic string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:          make(map[string]map[uint64]*Subscription),
		logger:        logger.With("component", "bus"),
		queueCapacity: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a handle to a registered subscriber.
type Subscription struct {
	id        uint64
	topic     string
	sessionID string
	handler   Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	cap    int
	closed bool

	dropped atomic.Int64
}

// Dropped returns the number of events dropped from this subscriber's
// queue due to overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Subscribe registers a global subscriber on a topic. Use TopicAll to
// receive every topic.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	return b.subscribe(topic, "", handler)
}

// SubscribeSession registers a subscriber scoped to a session: only
// events whose payload carries a matching session ID are delivered.
func (b *Bus) SubscribeSession(topic, sessionID string, handler Handler) *Subscription {
	return b.subscribe(topic, sessionID, handler)
}

func (b *Bus) subscribe(topic, sessionID string, handler Handler) *Subscription {
	sub := &Subscription{
		id:        b.nextID.Add(1),
		topic:     topic,
		sessionID: sessionID,
		handler:   handler,
		cap:       b.queueCapacity,
	}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	byID, ok := b.subs[topic]
	if !ok {
		byID = make(map[uint64]*Subscription)
		b.subs[topic] = byID
	}
	byID[sub.id] = sub
	b.mu.Unlock()

	go sub.drain()
	return sub
}

// Unsubscribe removes a subscription and stops its drain goroutine.
// Events still queued are discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if byID, ok := b.subs[sub.topic]; ok {
		delete(byID, sub.id)
		if len(byID) == 0 {
			delete(b.subs, sub.topic)
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.cond.Signal()
	sub.mu.Unlock()
}

// Publish delivers an event to all matching subscribers. It never
// blocks and never fails from the caller's perspective; delivery is
// best-effort per subscriber.
func (b *Bus) Publish(topic string, payload map[string]any) {
	sessionID := ""
	if payload != nil {
		if v, ok := payload["session_id"].(string); ok {
			sessionID = v
		}
	}
	event := Event{
		Topic:     topic,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.published.Add(1)
	if b.onPublish != nil {
		b.onPublish(topic)
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, 8)
	for _, sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subs[TopicAll] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		if dropped := sub.enqueue(event); dropped {
			b.dropped.Add(1)
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
			b.logger.Debug("subscriber queue overflow",
				"topic", topic,
				"session_id", sessionID,
				"subscriber", sub.id)
		}
	}
}

// enqueue appends an event to the subscriber queue, dropping the
// oldest entry on overflow. Returns true when a drop occurred.
func (s *Subscription) enqueue(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	if len(s.queue) >= s.cap {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return dropped
}

// drain delivers queued events to the handler in order. Handler panics
// are caught so a misbehaving subscriber cannot kill the bus.
func (s *Subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(event)
	}
}

func (s *Subscription) deliver(event Event) {
	defer func() {
		_ = recover()
	}()
	if s.handler != nil {
		s.handler(event)
	}
}

// Stats reports bus-wide counters.
type Stats struct {
	Published int64
	Dropped   int64
}

// Stats returns current bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}
