package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

// ExecutorConfig bounds parallel tool execution.
type ExecutorConfig struct {
	// MaxConcurrent caps simultaneous tool executions.
	MaxConcurrent int

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration
}

// DefaultExecutorConfig returns the standard executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrent: 5,
		ToolTimeout:   60 * time.Second,
	}
}

// ExecResult pairs a tool call with its outcome.
type ExecResult struct {
	Call     models.ToolCall
	Content  string
	Err      error
	Duration time.Duration
}

// Executor runs tool calls with bounded parallelism. Independent
// calls within one iteration run concurrently; results return in call
// order.
type Executor struct {
	registry *ToolRegistry
	config   ExecutorConfig
	sem      chan struct{}
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *ToolRegistry, config ExecutorConfig) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultExecutorConfig().MaxConcurrent
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultExecutorConfig().ToolTimeout
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrent),
	}
}

// Execute runs a single tool call with panic isolation.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) ExecResult {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, e.config.ToolTimeout)
	defer cancel()

	content, err := e.executeIsolated(execCtx, call)
	return ExecResult{
		Call:     call,
		Content:  content,
		Err:      err,
		Duration: time.Since(start),
	}
}

func (e *Executor) executeIsolated(ctx context.Context, call models.ToolCall) (content string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, p)
		}
	}()
	return e.registry.Execute(ctx, call.Name, call.Input)
}

// ExecuteAll runs the calls concurrently and returns results in call
// order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []ExecResult {
	results := make([]ExecResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()

			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[i] = ExecResult{Call: call, Err: ctx.Err()}
				return
			}

			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()

	return results
}
