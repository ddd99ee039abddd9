// Package signal classifies inbound messages into the 5-tuple signal
// (mode, genre, type, format, weight) and filters noise before it
// reaches the agent loop.
//
// Classification is two-tier: a deterministic rule pass answers most
// messages in microseconds; an LLM pass is consulted only when rule
// confidence falls in the uncertainty band or the channel demands
// high accuracy. Results are cached by sha256(channel, message).
package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

// Uncertainty band: tier-1 results with confidence inside [low, high]
// are escalated to the LLM tier.
const (
	uncertaintyLow  = 0.3
	uncertaintyHigh = 0.6
)

// llmTimeout bounds the tier-2 call; on expiry the tier-1 label wins.
const llmTimeout = 5 * time.Second

// TextCompleter is the narrow completion surface tier 2 needs. The
// provider failover chain satisfies it.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Config configures the classifier.
type Config struct {
	// CacheTTL overrides the signal cache TTL (default 10 minutes).
	CacheTTL time.Duration

	// HighAccuracyChannels always consult the LLM tier regardless of
	// tier-1 confidence.
	HighAccuracyChannels []string
}

// Classifier turns (channel, message) pairs into immutable signals.
type Classifier struct {
	cache   *Cache
	llm     TextCompleter
	logger  *slog.Logger
	config  Config
	observe func(tier models.ClassifierTier, mode models.Mode)
	cacheOb func(hit bool)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLLM enables the tier-2 LLM pass.
func WithLLM(llm TextCompleter) Option {
	return func(c *Classifier) { c.llm = llm }
}

// WithObserver sets a callback invoked per classification (metrics).
func WithObserver(fn func(tier models.ClassifierTier, mode models.Mode)) Option {
	return func(c *Classifier) { c.observe = fn }
}

// WithCacheObserver sets a callback invoked per cache lookup (metrics).
func WithCacheObserver(fn func(hit bool)) Option {
	return func(c *Classifier) { c.cacheOb = fn }
}

// New creates a classifier.
func New(config Config, logger *slog.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		cache:  NewCache(config.CacheTTL),
		logger: logger.With("component", "classifier"),
		config: config,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the signal for a (channel, message) pair. Identical
// inputs within the cache TTL return the identical signal. Classify
// never fails: LLM errors degrade to the tier-1 label.
func (c *Classifier) Classify(ctx context.Context, channel, message string, format models.Format) models.Signal {
	if format == "" {
		format = deriveFormat(channel, message)
	}

	key := CacheKey(channel, message)
	if sig, ok := c.cache.Get(key); ok {
		if c.cacheOb != nil {
			c.cacheOb(true)
		}
		return sig
	}
	if c.cacheOb != nil {
		c.cacheOb(false)
	}

	rules := classifyRules(message, format)
	sig := models.Signal{
		Mode:         rules.Mode,
		Genre:        rules.Genre,
		Type:         rules.Type,
		Format:       format,
		Weight:       rules.Weight,
		Confidence:   rules.Confidence,
		Tier:         models.TierRules,
		ClassifiedAt: time.Now(),
	}

	if c.shouldEscalate(channel, rules.Confidence) {
		if refined, ok := c.classifyLLM(ctx, message, sig); ok {
			sig = refined
		}
	}

	c.cache.Set(key, sig)
	if c.observe != nil {
		c.observe(sig.Tier, sig.Mode)
	}
	return sig
}

// CacheStats exposes cache hit/miss counters.
func (c *Classifier) CacheStats() CacheStats {
	return c.cache.Stats()
}

func (c *Classifier) shouldEscalate(channel string, confidence float64) bool {
	if c.llm == nil {
		return false
	}
	for _, high := range c.config.HighAccuracyChannels {
		if high == channel {
			return true
		}
	}
	return confidence >= uncertaintyLow && confidence <= uncertaintyHigh
}

const classifyPrompt = `Classify the user message. Respond with a single JSON object and nothing else:
{"mode": "EXECUTE|BUILD|ANALYZE|MAINTAIN|ASSIST", "genre": "DIRECT|INFORM|COMMIT|DECIDE|EXPRESS", "type": "question|request|issue|scheduling|summary|report|general", "weight": <importance 0.0-1.0>}

mode: the operational intent. genre: the communicative act. type: the concrete kind. weight: how much the message matters to an autonomous assistant.`

type llmLabel struct {
	Mode   string  `json:"mode"`
	Genre  string  `json:"genre"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// classifyLLM runs the tier-2 pass. The format stays channel-derived;
// only mode/genre/type/weight come from the model. Any failure —
// timeout, transport, malformed JSON, out-of-enum values — keeps the
// tier-1 label.
func (c *Classifier) classifyLLM(ctx context.Context, message string, tier1 models.Signal) (models.Signal, bool) {
	llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	raw, err := c.llm.CompleteText(llmCtx, classifyPrompt, message, 128)
	if err != nil {
		c.logger.Debug("llm classification failed, keeping rule label", "error", err)
		return models.Signal{}, false
	}

	label, err := parseLLMLabel(raw)
	if err != nil {
		c.logger.Debug("llm classification unparseable, keeping rule label", "error", err)
		return models.Signal{}, false
	}

	sig := tier1
	sig.Mode = models.Mode(label.Mode)
	sig.Genre = models.Genre(label.Genre)
	sig.Type = models.SignalType(label.Type)
	sig.Weight = label.Weight
	sig.Confidence = 0.95
	sig.Tier = models.TierLLM
	return sig, true
}

// parseLLMLabel strictly parses the tier-2 JSON response. Values must
// be valid enum members and weight must be in [0,1].
func parseLLMLabel(raw string) (llmLabel, error) {
	var label llmLabel

	// Models occasionally wrap JSON in a code fence; strip it.
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&label); err != nil {
		return llmLabel{}, err
	}

	if !models.ValidMode(models.Mode(label.Mode)) {
		return llmLabel{}, errInvalidLabel("mode", label.Mode)
	}
	if !models.ValidGenre(models.Genre(label.Genre)) {
		return llmLabel{}, errInvalidLabel("genre", label.Genre)
	}
	if !models.ValidSignalType(models.SignalType(label.Type)) {
		return llmLabel{}, errInvalidLabel("type", label.Type)
	}
	if label.Weight < 0 || label.Weight > 1 {
		return llmLabel{}, errInvalidLabel("weight", label.Weight)
	}
	return label, nil
}

type labelError struct {
	field string
	value any
}

func (e labelError) Error() string {
	b, _ := json.Marshal(e.value)
	return "invalid " + e.field + ": " + string(b)
}

func errInvalidLabel(field string, value any) error {
	return labelError{field: field, value: value}
}

// deriveFormat infers the structural format from channel metadata and
// message shape when the channel adapter did not supply one.
func deriveFormat(channel, message string) models.Format {
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "!") {
		return models.FormatCommand
	}
	if channel == "webhook" || channel == "notification" {
		return models.FormatNotification
	}
	if len(trimmed) > 2000 || strings.Count(trimmed, "\n") > 20 {
		return models.FormatDocument
	}
	return models.FormatMessage
}
