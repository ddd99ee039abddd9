// Package hooks provides the priority-ordered middleware pipeline run
// at agent lifecycle events.
//
// Handlers for an event form a chain sorted by ascending priority
// (ties break by registration order). Each handler can pass an updated
// payload along, block the chain, or skip. Only pre_tool_use and
// pre_response chains may block. A crashing handler is caught and
// logged; the chain continues with the payload as of the previous
// handler.
package hooks

import (
	"context"
	"time"
)

// Event identifies a lifecycle event with a hook chain.
type Event string

const (
	EventPreToolUse   Event = "pre_tool_use"
	EventPostToolUse  Event = "post_tool_use"
	EventPreCompact   Event = "pre_compact"
	EventSessionStart Event = "session_start"
	EventSessionEnd   Event = "session_end"
	EventPreResponse  Event = "pre_response"
	EventPostResponse Event = "post_response"
)

// Events enumerates all hook events.
func Events() []Event {
	return []Event{
		EventPreToolUse, EventPostToolUse, EventPreCompact,
		EventSessionStart, EventSessionEnd,
		EventPreResponse, EventPostResponse,
	}
}

// CanBlock reports whether chains for this event may block.
func (e Event) CanBlock() bool {
	return e == EventPreToolUse || e == EventPreResponse
}

// Payload is the mutable data threaded through a hook chain.
type Payload map[string]any

// Clone returns a shallow copy so a crashing handler cannot corrupt
// the payload seen by its successors.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	clone := make(Payload, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

// String returns the string value for a key, or "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Action is a handler's verdict.
type Action int

const (
	// ActionOK passes the (possibly updated) payload to the next handler.
	ActionOK Action = iota
	// ActionBlock halts the chain with a reason.
	ActionBlock
	// ActionSkip leaves the payload untouched and continues.
	ActionSkip
)

// Result is what a handler returns.
type Result struct {
	Action  Action
	Payload Payload
	Reason  string
}

// OK passes an updated payload along the chain.
func OK(payload Payload) Result {
	return Result{Action: ActionOK, Payload: payload}
}

// Block halts the chain with a reason.
func Block(reason string) Result {
	return Result{Action: ActionBlock, Reason: reason}
}

// Skip continues the chain with the payload unchanged.
func Skip() Result {
	return Result{Action: ActionSkip}
}

// Handler processes a hook event payload.
type Handler func(ctx context.Context, payload Payload) Result

// DefaultPriority is used when registration does not specify one.
const DefaultPriority = 50

// Registration is a registered hook handler, keyed by (event, name).
type Registration struct {
	Event    Event
	Name     string
	Priority int
	Handler  Handler

	// seq breaks priority ties by registration order.
	seq uint64
}

// Outcome describes how a chain run ended.
type Outcome struct {
	// Payload is the final payload (as of the last successful handler).
	Payload Payload

	// Blocked is set when a handler halted the chain.
	Blocked bool

	// BlockedBy is the name of the blocking handler.
	BlockedBy string

	// Reason is the blocking handler's reason.
	Reason string

	// Elapsed is the total chain duration.
	Elapsed time.Duration
}

// EventMetrics accumulates per-event chain statistics.
type EventMetrics struct {
	Calls        int64
	Blocks       int64
	Crashes      int64
	TotalElapsed time.Duration
}

// AvgElapsed returns the mean chain duration.
func (m EventMetrics) AvgElapsed() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.TotalElapsed / time.Duration(m.Calls)
}
