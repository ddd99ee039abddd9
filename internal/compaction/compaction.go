// Package compaction applies three-zone progressive compression to a
// session's working message set as token pressure rises.
//
// Messages are partitioned by recency into Hot (last 10), Warm
// (11-30), and Cold (31+) zones. Rising utilization triggers
// increasingly aggressive transforms: merging adjacent same-role
// messages in the warm zone, summarizing warm groups, dropping tool
// argument bodies in the cold zone, and finally compressing the cold
// zone to key-fact bullets. Compaction only ever touches the in-memory
// working copy; the session store transcript is append-only and is
// never rewritten.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/osa-ai/osa/pkg/models"
)

// PressureState describes how close the session is to its budget.
type PressureState string

const (
	StateNone       PressureState = "none"
	StateBreakpoint PressureState = "breakpoint"
	StateWarning    PressureState = "warning"
	StateNeeded     PressureState = "needed"
	StateCritical   PressureState = "critical"
)

// Thresholds are the utilization levels that move the pressure state.
type Thresholds struct {
	Breakpoint float64
	Warning    float64
	Needed     float64
	Critical   float64
}

// DefaultThresholds returns the standard pressure ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Breakpoint: 0.50,
		Warning:    0.80,
		Needed:     0.90,
		Critical:   0.95,
	}
}

// Zone boundaries by message recency.
const (
	hotSize  = 10
	warmSize = 20
)

// summaryGroupSize is how many warm messages fold into one summary.
const summaryGroupSize = 5

// Importance adjustments for retention ordering.
const (
	toolCallBonus = 0.5
	ackPenalty    = 0.5
	baseImportance = 0.5
)

// Summarizer condenses a group of messages into one summary string.
// The compactor calls it for warm-zone groups; failures fall back to
// keyword extraction.
type Summarizer func(ctx context.Context, messages []*models.Message) (string, error)

// Compactor performs progressive compression.
type Compactor struct {
	thresholds Thresholds
	summarize  Summarizer
	logger     *slog.Logger

	// observe, when set, records activations (metrics wiring).
	observe func(state PressureState)
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithSummarizer wires the LLM summarizer.
func WithSummarizer(fn Summarizer) Option {
	return func(c *Compactor) { c.summarize = fn }
}

// WithObserver records compactor activations.
func WithObserver(fn func(state PressureState)) Option {
	return func(c *Compactor) { c.observe = fn }
}

// New creates a compactor.
func New(thresholds Thresholds, logger *slog.Logger, opts ...Option) *Compactor {
	if thresholds.Breakpoint <= 0 {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{
		thresholds: thresholds,
		logger:     logger.With("component", "compaction"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StateFor maps utilization to a pressure state.
func (c *Compactor) StateFor(utilization float64) PressureState {
	switch {
	case utilization >= c.thresholds.Critical:
		return StateCritical
	case utilization >= c.thresholds.Needed:
		return StateNeeded
	case utilization >= c.thresholds.Warning:
		return StateWarning
	case utilization >= c.thresholds.Breakpoint:
		return StateBreakpoint
	default:
		return StateNone
	}
}

// Compact returns a compressed working copy of messages appropriate
// for the given utilization, along with the pressure state that drove
// it. Below the warning threshold the input is returned unchanged.
func (c *Compactor) Compact(ctx context.Context, messages []*models.Message, utilization float64) ([]*models.Message, PressureState) {
	state := c.StateFor(utilization)
	if c.observe != nil && state != StateNone {
		c.observe(state)
	}

	if state == StateNone || state == StateBreakpoint {
		return messages, state
	}

	hot, warm, cold := splitZones(messages)

	switch state {
	case StateWarning:
		warm = mergeAdjacentSameRole(warm)
	case StateNeeded:
		warm = c.summarizeGroups(ctx, warm)
		cold = dropToolArgBodies(cold)
	case StateCritical:
		warm = c.summarizeGroups(ctx, warm)
		cold = coldToBullets(cold)
		cold = retainByImportance(cold, len(cold)/2)
	}

	out := make([]*models.Message, 0, len(cold)+len(warm)+len(hot))
	out = append(out, cold...)
	out = append(out, warm...)
	out = append(out, hot...)

	c.logger.Debug("compacted working set",
		"state", string(state),
		"before", len(messages),
		"after", len(out))
	return out, state
}

// splitZones partitions messages (oldest first) into cold, warm, hot
// by recency.
func splitZones(messages []*models.Message) (hot, warm, cold []*models.Message) {
	n := len(messages)
	hotStart := n - hotSize
	if hotStart < 0 {
		hotStart = 0
	}
	warmStart := hotStart - warmSize
	if warmStart < 0 {
		warmStart = 0
	}
	return messages[hotStart:], messages[warmStart:hotStart], messages[:warmStart]
}

// Importance scores a message for retention ordering: tool-call
// messages gain, pure acknowledgments lose.
func Importance(m *models.Message) float64 {
	score := baseImportance
	if len(m.ToolCalls) > 0 || m.Role == models.RoleTool {
		score += toolCallBonus
	}
	if isAcknowledgment(m) {
		score -= ackPenalty
	}
	return score
}

var ackPhrases = map[string]bool{
	"ok": true, "okay": true, "thanks": true, "thank you": true,
	"got it": true, "sure": true, "yes": true, "no": true,
	"sounds good": true, "great": true, "done": true, "ack": true,
}

func isAcknowledgment(m *models.Message) bool {
	if len(m.ToolCalls) > 0 {
		return false
	}
	content := strings.ToLower(strings.TrimSpace(strings.TrimRight(m.Content, ".!")))
	return ackPhrases[content]
}

// mergeAdjacentSameRole folds runs of same-role messages in the warm
// zone into single messages.
func mergeAdjacentSameRole(warm []*models.Message) []*models.Message {
	if len(warm) < 2 {
		return warm
	}
	out := make([]*models.Message, 0, len(warm))
	for _, m := range warm {
		if len(out) > 0 {
			last := out[len(out)-1]
			// Tool plumbing is never merged: call/result pairing
			// depends on distinct messages.
			if last.Role == m.Role && len(last.ToolCalls) == 0 && len(m.ToolCalls) == 0 && m.Role != models.RoleTool {
				merged := last.Clone()
				merged.Content = last.Content + "\n" + m.Content
				out[len(out)-1] = merged
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// summarizeGroups folds each group of 5 warm messages into one
// summary message. LLM failure falls back to keyword extraction.
func (c *Compactor) summarizeGroups(ctx context.Context, warm []*models.Message) []*models.Message {
	if len(warm) < summaryGroupSize {
		return warm
	}
	out := make([]*models.Message, 0, len(warm)/summaryGroupSize+1)
	for start := 0; start < len(warm); start += summaryGroupSize {
		end := start + summaryGroupSize
		if end > len(warm) {
			out = append(out, warm[start:]...)
			break
		}
		group := warm[start:end]
		out = append(out, c.summaryMessage(ctx, group))
	}
	return out
}

func (c *Compactor) summaryMessage(ctx context.Context, group []*models.Message) *models.Message {
	var summary string
	if c.summarize != nil {
		if s, err := c.summarize(ctx, group); err == nil && strings.TrimSpace(s) != "" {
			summary = s
		} else if err != nil {
			c.logger.Warn("summarization failed, using keyword fallback", "error", err)
		}
	}
	if summary == "" {
		summary = keywordSummary(group)
	}
	return &models.Message{
		Role:    models.RoleSystem,
		Content: "[Summary of earlier conversation] " + summary,
		Metadata: map[string]any{
			"compaction_summary": true,
			"summarized_count":   len(group),
		},
	}
}

// keywordSummary is the deterministic fallback: the most frequent
// content words across the group.
func keywordSummary(group []*models.Message) string {
	counts := make(map[string]int)
	var order []string
	for _, m := range group {
		for _, w := range strings.Fields(strings.ToLower(m.Content)) {
			w = strings.Trim(w, ".,!?;:\"'()[]")
			if len(w) < 4 {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > 12 {
		order = order[:12]
	}
	return strings.Join(order, ", ")
}

// dropToolArgBodies strips tool call inputs in the cold zone, keeping
// only tool names.
func dropToolArgBodies(cold []*models.Message) []*models.Message {
	out := make([]*models.Message, len(cold))
	for i, m := range cold {
		if len(m.ToolCalls) == 0 {
			out[i] = m
			continue
		}
		stripped := m.Clone()
		for j := range stripped.ToolCalls {
			stripped.ToolCalls[j].Input = nil
		}
		out[i] = stripped
	}
	return out
}

// coldToBullets compresses each cold message to a one-line key fact.
func coldToBullets(cold []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(cold))
	for _, m := range cold {
		bullet := m.Clone()
		content := strings.TrimSpace(m.Content)
		if idx := strings.IndexByte(content, '\n'); idx > 0 {
			content = content[:idx]
		}
		if len(content) > 120 {
			content = content[:120] + "…"
		}
		bullet.Content = fmt.Sprintf("• (%s) %s", m.Role, content)
		bullet.ToolCalls = nil
		out = append(out, bullet)
	}
	return out
}

// retainByImportance keeps the n highest-importance messages,
// preserving chronological order. Emergency truncation for the
// critical state.
func retainByImportance(messages []*models.Message, n int) []*models.Message {
	if n <= 0 || len(messages) <= n {
		if n <= 0 {
			return nil
		}
		return messages
	}

	type ranked struct {
		idx   int
		score float64
	}
	scores := make([]ranked, len(messages))
	for i, m := range messages {
		scores[i] = ranked{idx: i, score: Importance(m)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	keep := make(map[int]bool, n)
	for _, r := range scores[:n] {
		keep[r.idx] = true
	}

	out := make([]*models.Message, 0, n)
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}
