package sidecar

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"
)

// CapabilityTokenize is the tokenizer sidecar capability name.
const CapabilityTokenize = "tokenize"

// Tokenizer counts tokens through the tokenizer sidecar when one is
// ready, and falls back to a deterministic heuristic otherwise.
type Tokenizer struct {
	manager *Manager
}

// NewTokenizer creates a tokenizer bound to the sidecar manager.
// manager may be nil, in which case only the heuristic is used.
func NewTokenizer(manager *Manager) *Tokenizer {
	return &Tokenizer{manager: manager}
}

// Count returns the token count for text.
func (t *Tokenizer) Count(ctx context.Context, text string) int {
	ready := false
	if t.manager != nil {
		for _, st := range t.manager.Statuses() {
			if st.Health == HealthReady && slices.Contains(st.Capabilities, CapabilityTokenize) {
				ready = true
				break
			}
		}
	}
	if ready {
		result, err := t.manager.Dispatch(ctx, CapabilityTokenize, "count_tokens",
			map[string]any{"text": text}, 2*time.Second)
		if err == nil {
			switch v := result.(type) {
			case int:
				return v
			case int64:
				return int(v)
			case float64:
				return int(v)
			}
		}
	}
	return HeuristicCount(text)
}

// HeuristicCount estimates tokens as ceil(0.75*words + 0.25*punct).
func HeuristicCount(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return int(math.Ceil(0.75*float64(words) + 0.25*float64(punct)))
}
