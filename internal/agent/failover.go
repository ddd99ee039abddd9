package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FailoverConfig tunes the provider failover chain.
type FailoverConfig struct {
	// FailureThreshold opens a provider's circuit after this many
	// consecutive failures.
	FailureThreshold int

	// CircuitTimeout is how long a failed provider sits out before
	// being retried.
	CircuitTimeout time.Duration
}

// DefaultFailoverConfig returns standard failover settings.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		FailureThreshold: 3,
		CircuitTimeout:   30 * time.Second,
	}
}

type providerState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

func (s *providerState) available(cfg FailoverConfig) bool {
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > cfg.CircuitTimeout
}

// FailoverChain is an LLMProvider over an ordered list of providers:
// the fallback chain. A request tries each available provider in
// order; a provider that keeps failing sits out behind a per-provider
// circuit.
type FailoverChain struct {
	mu        sync.RWMutex
	providers []LLMProvider
	states    map[string]*providerState
	config    FailoverConfig
	logger    *slog.Logger
}

// NewFailoverChain builds a chain from the ordered provider list.
func NewFailoverChain(providers []LLMProvider, config FailoverConfig, logger *slog.Logger) *FailoverChain {
	if config.FailureThreshold <= 0 {
		config = DefaultFailoverConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverChain{
		providers: providers,
		states:    make(map[string]*providerState),
		config:    config,
		logger:    logger.With("component", "failover"),
	}
}

// Name identifies the chain by its primary provider.
func (c *FailoverChain) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.providers) == 0 {
		return "failover"
	}
	return c.providers[0].Name()
}

// ContextLimit delegates to the primary provider.
func (c *FailoverChain) ContextLimit(model string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.providers) == 0 {
		return 0
	}
	return c.providers[0].ContextLimit(model)
}

// Capacity delegates to the primary provider.
func (c *FailoverChain) Capacity(model string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.providers) == 0 {
		return 0
	}
	return c.providers[0].Capacity(model)
}

// Complete tries each available provider in chain order. A provider
// failure records against its circuit and the next provider is tried;
// the caller sees an error only when every provider fails.
func (c *FailoverChain) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	c.mu.RLock()
	providers := make([]LLMProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	if len(providers) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for i, provider := range providers {
		if !c.available(provider.Name()) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		chunks, err := provider.Complete(ctx, req)
		if err != nil {
			c.recordFailure(provider.Name())
			lastErr = err
			if i+1 < len(providers) {
				c.logger.Warn("provider failed, trying next in fallback chain",
					"provider", provider.Name(),
					"next", providers[i+1].Name(),
					"error", err)
			}
			continue
		}
		c.recordSuccess(provider.Name())
		return c.watch(provider.Name(), chunks), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all providers circuit-open")
	}
	return nil, fmt.Errorf("provider unavailable: %w", lastErr)
}

// watch passes chunks through, recording a failure if the stream dies
// with an error.
func (c *FailoverChain) watch(name string, in <-chan *CompletionChunk) <-chan *CompletionChunk {
	out := make(chan *CompletionChunk, 16)
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Error != nil {
				c.recordFailure(name)
			}
			out <- chunk
		}
	}()
	return out
}

// CompleteText satisfies the classifier and summarizer contract.
func (c *FailoverChain) CompleteText(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	return CollectText(ctx, c, system, prompt, maxTokens)
}

func (c *FailoverChain) available(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[name]
	if !ok {
		return true
	}
	return state.available(c.config)
}

func (c *FailoverChain) recordFailure(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[name]
	if !ok {
		state = &providerState{}
		c.states[name] = state
	}
	state.failures++
	if state.failures >= c.config.FailureThreshold {
		if !state.circuitOpen {
			c.logger.Warn("provider circuit opened", "provider", name, "failures", state.failures)
		}
		state.circuitOpen = true
		state.circuitOpenAt = time.Now()
	}
}

func (c *FailoverChain) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[name]; ok {
		state.failures = 0
		state.circuitOpen = false
	}
}
