// Package budget tracks LLM spend against per-call, daily, and
// monthly caps, and persists per-tool timing metrics.
package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Limits are the configured cost caps in USD. Zero disables a cap.
type Limits struct {
	PerCallUSD float64
	DailyUSD   float64
	MonthlyUSD float64
}

// toMicro stores dollars as integer micro-dollars so counters can be
// atomic.
func toMicro(usd float64) int64 { return int64(usd * 1e6) }

func fromMicro(m int64) float64 { return float64(m) / 1e6 }

// Tracker accumulates spend with atomic counters. Day and month
// windows roll over lazily on record/inspect.
type Tracker struct {
	limits  Limits
	logger  *slog.Logger
	dir     string
	observe func(provider, model string, usd float64)

	dayMicro   atomic.Int64
	monthMicro atomic.Int64
	totalMicro atomic.Int64

	mu       sync.Mutex
	day      string // YYYY-MM-DD
	month    string // YYYY-MM
	toolTime map[string]*ToolStat
}

// ToolStat aggregates per-tool timing.
type ToolStat struct {
	Calls       int64 `json:"calls"`
	TotalMS     int64 `json:"total_ms"`
	TokensIn    int64 `json:"tokens_in"`
	TokensOut   int64 `json:"tokens_out"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetricsDir enables persistence of daily metrics under dir.
func WithMetricsDir(dir string) Option {
	return func(t *Tracker) { t.dir = dir }
}

// WithObserver installs a spend callback (Prometheus wiring).
func WithObserver(fn func(provider, model string, usd float64)) Option {
	return func(t *Tracker) { t.observe = fn }
}

// NewTracker creates a tracker with the given limits.
func NewTracker(limits Limits, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	t := &Tracker{
		limits:   limits,
		logger:   logger.With("component", "budget"),
		day:      now.Format("2006-01-02"),
		month:    now.Format("2006-01"),
		toolTime: make(map[string]*ToolStat),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// rollover resets day/month counters when the window has moved.
func (t *Tracker) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	t.mu.Lock()
	defer t.mu.Unlock()
	if day != t.day {
		t.day = day
		t.dayMicro.Store(0)
		t.toolTime = make(map[string]*ToolStat)
	}
	if month != t.month {
		t.month = month
		t.monthMicro.Store(0)
	}
}

// Allow reports whether a call with the estimated cost fits the caps.
// The reason names the violated cap.
func (t *Tracker) Allow(estimatedUSD float64) (bool, string) {
	t.rollover(time.Now())

	if t.limits.PerCallUSD > 0 && estimatedUSD > t.limits.PerCallUSD {
		return false, fmt.Sprintf("per-call limit $%.2f exceeded by estimate $%.4f", t.limits.PerCallUSD, estimatedUSD)
	}
	if t.limits.DailyUSD > 0 && fromMicro(t.dayMicro.Load())+estimatedUSD >= t.limits.DailyUSD {
		return false, fmt.Sprintf("daily budget $%.2f reached", t.limits.DailyUSD)
	}
	if t.limits.MonthlyUSD > 0 && fromMicro(t.monthMicro.Load())+estimatedUSD >= t.limits.MonthlyUSD {
		return false, fmt.Sprintf("monthly budget $%.2f reached", t.limits.MonthlyUSD)
	}
	return true, ""
}

// RecordLLMCost records realized spend for one provider call.
func (t *Tracker) RecordLLMCost(provider, model string, promptTokens, completionTokens int) float64 {
	t.rollover(time.Now())

	usd := EstimateCost(provider, model, promptTokens, completionTokens)
	micro := toMicro(usd)
	t.dayMicro.Add(micro)
	t.monthMicro.Add(micro)
	t.totalMicro.Add(micro)

	if t.observe != nil {
		t.observe(provider, model, usd)
	}
	return usd
}

// RecordToolCost aggregates per-tool timing. It satisfies the
// post_tool_use budget_tracker hook dependency.
func (t *Tracker) RecordToolCost(toolName string, durationMS int64, tokensIn, tokensOut int) {
	if toolName == "" {
		return
	}
	t.mu.Lock()
	stat, ok := t.toolTime[toolName]
	if !ok {
		stat = &ToolStat{}
		t.toolTime[toolName] = stat
	}
	stat.Calls++
	stat.TotalMS += durationMS
	stat.TokensIn += int64(tokensIn)
	stat.TokensOut += int64(tokensOut)
	t.mu.Unlock()
}

// Snapshot reports current accounting.
type Snapshot struct {
	DayUSD   float64              `json:"day_usd"`
	MonthUSD float64              `json:"month_usd"`
	TotalUSD float64              `json:"total_usd"`
	Day      string               `json:"day"`
	Tools    map[string]ToolStat  `json:"tools"`
}

// Snapshot returns the current spend and tool stats.
func (t *Tracker) Snapshot() Snapshot {
	t.rollover(time.Now())

	t.mu.Lock()
	tools := make(map[string]ToolStat, len(t.toolTime))
	for name, stat := range t.toolTime {
		tools[name] = *stat
	}
	day := t.day
	t.mu.Unlock()

	return Snapshot{
		DayUSD:   fromMicro(t.dayMicro.Load()),
		MonthUSD: fromMicro(t.monthMicro.Load()),
		TotalUSD: fromMicro(t.totalMicro.Load()),
		Day:      day,
		Tools:    tools,
	}
}

// Flush appends today's snapshot to metrics/daily.jsonl and rewrites
// metrics/summary.json. No-op without a metrics dir.
func (t *Tracker) Flush() error {
	if t.dir == "" {
		return nil
	}
	snap := t.Snapshot()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	line, err := json.Marshal(map[string]any{
		"day":      snap.Day,
		"day_usd":  snap.DayUSD,
		"tools":    snap.Tools,
		"flushed":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode daily metrics: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(t.dir, "daily.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily metrics: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append daily metrics: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.dir, "summary.json"), summary, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// pricing is USD per million tokens (prompt, completion). Unknown
// models fall back to a conservative default.
var pricing = map[string][2]float64{
	"anthropic/claude-sonnet-4-5":  {3.00, 15.00},
	"anthropic/claude-haiku-4-5":   {1.00, 5.00},
	"anthropic/claude-opus-4-1":    {15.00, 75.00},
	"openai/gpt-4o":                {2.50, 10.00},
	"openai/gpt-4o-mini":           {0.15, 0.60},
	"openai/o3-mini":               {1.10, 4.40},
}

var defaultPricing = [2]float64{3.00, 15.00}

// EstimateCost computes USD for a call from the pricing table.
func EstimateCost(provider, model string, promptTokens, completionTokens int) float64 {
	rates, ok := pricing[provider+"/"+model]
	if !ok {
		rates = defaultPricing
	}
	return float64(promptTokens)/1e6*rates[0] + float64(completionTokens)/1e6*rates[1]
}
