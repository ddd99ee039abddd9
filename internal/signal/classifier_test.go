package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestClassifyGreetingIsLowWeightExpress(t *testing.T) {
	c := New(Config{}, nil)

	sig := c.Classify(context.Background(), "cli", "hey", "")
	if sig.Genre != models.GenreExpress {
		t.Errorf("genre = %s, want EXPRESS", sig.Genre)
	}
	if sig.Weight >= 0.2 {
		t.Errorf("weight = %f, want < 0.2", sig.Weight)
	}
	if sig.Tier != models.TierRules {
		t.Errorf("tier = %s, want rules", sig.Tier)
	}
}

func TestClassifyImperativeIsDirect(t *testing.T) {
	c := New(Config{}, nil)

	sig := c.Classify(context.Background(), "cli", "deploy the staging environment and restart the workers", "")
	if sig.Genre != models.GenreDirect {
		t.Errorf("genre = %s, want DIRECT", sig.Genre)
	}
	if sig.Mode != models.ModeExecute {
		t.Errorf("mode = %s, want EXECUTE", sig.Mode)
	}
	if sig.Weight < 0.5 {
		t.Errorf("weight = %f, want >= 0.5", sig.Weight)
	}
}

func TestClassifyIssueType(t *testing.T) {
	c := New(Config{}, nil)

	sig := c.Classify(context.Background(), "cli", "the login page is broken and throws an error on submit", "")
	if sig.Type != models.TypeIssue {
		t.Errorf("type = %s, want issue", sig.Type)
	}
}

func TestClassifyCacheIdempotence(t *testing.T) {
	c := New(Config{}, nil)
	ctx := context.Background()

	first := c.Classify(ctx, "cli", "fix the flaky deploy pipeline", "")
	second := c.Classify(ctx, "cli", "fix the flaky deploy pipeline", "")

	if first != second {
		t.Errorf("classify not idempotent within TTL: %+v vs %+v", first, second)
	}

	stats := c.CacheStats()
	if stats.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("cache misses = %d, want 1", stats.Misses)
	}
}

func TestClassifyDistinctChannelsDistinctEntries(t *testing.T) {
	c := New(Config{}, nil)
	ctx := context.Background()

	c.Classify(ctx, "cli", "same message", "")
	c.Classify(ctx, "http", "same message", "")

	if stats := c.CacheStats(); stats.Hits != 0 {
		t.Errorf("distinct channels should not share cache entries, hits = %d", stats.Hits)
	}
}

func TestUncertaintyBandEscalatesToLLM(t *testing.T) {
	llm := &fakeLLM{response: `{"mode": "ANALYZE", "genre": "INFORM", "type": "report", "weight": 0.7}`}
	c := New(Config{}, nil, WithLLM(llm))

	sig := c.Classify(context.Background(), "cli", "the quarterly numbers look fine to me overall", "")
	if llm.calls != 1 {
		t.Fatalf("llm calls = %d, want 1", llm.calls)
	}
	if sig.Tier != models.TierLLM {
		t.Errorf("tier = %s, want llm", sig.Tier)
	}
	if sig.Mode != models.ModeAnalyze || sig.Weight != 0.7 {
		t.Errorf("llm label not applied: %+v", sig)
	}
	// Format stays channel-derived, never from the LLM.
	if sig.Format != models.FormatMessage {
		t.Errorf("format = %s, want message", sig.Format)
	}
}

func TestLLMFailureFallsBackToRules(t *testing.T) {
	for name, llm := range map[string]*fakeLLM{
		"transport error": {err: errors.New("connection refused")},
		"malformed json":  {response: "I think this is a report about metrics."},
		"invalid enum":    {response: `{"mode": "PONDER", "genre": "INFORM", "type": "report", "weight": 0.5}`},
		"weight range":    {response: `{"mode": "ANALYZE", "genre": "INFORM", "type": "report", "weight": 1.5}`},
	} {
		t.Run(name, func(t *testing.T) {
			c := New(Config{}, nil, WithLLM(llm))
			sig := c.Classify(context.Background(), "cli", "the quarterly numbers look fine to me overall", "")
			if llm.calls != 1 {
				t.Fatalf("llm calls = %d, want 1", llm.calls)
			}
			if sig.Tier != models.TierRules {
				t.Errorf("tier = %s, want rules fallback", sig.Tier)
			}
		})
	}
}

func TestHighAccuracyChannelAlwaysEscalates(t *testing.T) {
	llm := &fakeLLM{response: `{"mode": "EXECUTE", "genre": "DIRECT", "type": "request", "weight": 0.9}`}
	c := New(Config{HighAccuracyChannels: []string{"ops"}}, nil, WithLLM(llm))

	c.Classify(context.Background(), "ops", "deploy the staging environment now", "")
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1 for high-accuracy channel", llm.calls)
	}
}

func TestFormatDerivation(t *testing.T) {
	tests := []struct {
		channel string
		message string
		want    models.Format
	}{
		{"cli", "/status", models.FormatCommand},
		{"webhook", "build finished", models.FormatNotification},
		{"cli", "how are you", models.FormatMessage},
	}
	for _, tt := range tests {
		if got := deriveFormat(tt.channel, tt.message); got != tt.want {
			t.Errorf("deriveFormat(%q, %q) = %s, want %s", tt.channel, tt.message, got, tt.want)
		}
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(Config{CacheTTL: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	c.Classify(ctx, "cli", "hello there", "")
	time.Sleep(20 * time.Millisecond)
	c.Classify(ctx, "cli", "hello there", "")

	if stats := c.CacheStats(); stats.Hits != 0 {
		t.Errorf("expired entry served from cache, hits = %d", stats.Hits)
	}
}

func TestNoiseFilter(t *testing.T) {
	f := NewNoiseFilter(0)

	drop := models.Signal{Genre: models.GenreExpress, Format: models.FormatMessage, Weight: 0.05}
	if !f.ShouldDrop(drop, "hey") {
		t.Error("low-weight short EXPRESS message should drop")
	}

	command := drop
	command.Format = models.FormatCommand
	if f.ShouldDrop(command, "hey") {
		t.Error("command-format messages never drop")
	}

	heavy := drop
	heavy.Weight = 0.5
	if f.ShouldDrop(heavy, "hey") {
		t.Error("weight above threshold should not drop")
	}

	direct := drop
	direct.Genre = models.GenreDirect
	if f.ShouldDrop(direct, "go") {
		t.Error("DIRECT genre should not drop")
	}

	long := drop
	if f.ShouldDrop(long, "just wanted to say the new dashboard looks really great today friends") {
		t.Error("long messages should not drop")
	}
}

func TestNoiseFilterDeterminism(t *testing.T) {
	c := New(Config{}, nil)
	f := NewNoiseFilter(0)
	ctx := context.Background()

	first := f.ShouldDrop(c.Classify(ctx, "cli", "hey", ""), "hey")
	second := f.ShouldDrop(c.Classify(ctx, "cli", "hey", ""), "hey")
	if first != second {
		t.Error("identical inputs produced different drop decisions")
	}
}
