// Package agent implements the ReAct loop that drives a single
// conversational turn: classify, assemble context, stream from the
// LLM, dispatch tools through the hook pipeline, and repeat until the
// model answers in plain text.
package agent

import (
	"context"
	"encoding/json"

	"github.com/osa-ai/osa/pkg/models"
)

// CompletionMessage is one prompt message in provider-neutral form.
type CompletionMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a tool to the LLM.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionRequest is a provider-neutral chat request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
}

// CompletionChunk is one streamed piece of a completion.
type CompletionChunk struct {
	// Text is a streamed text fragment.
	Text string

	// ToolCall is a complete tool call request from the model.
	ToolCall *models.ToolCall

	// Usage arrives once, at the end of a successful stream.
	Usage *models.TokenUsage

	// Error aborts the stream.
	Error error
}

// LLMProvider streams chat completions. Implementations live in
// internal/providers; tests use channel-driven fakes.
type LLMProvider interface {
	// Name identifies the provider (config id, metrics label).
	Name() string

	// Complete streams a completion. The returned channel is closed
	// when the stream ends or fails; a failed stream carries its
	// error in the final chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// ContextLimit reports the model's context window in tokens.
	ContextLimit(model string) int

	// Capacity reports the model's declared capability class; small
	// local models fall below the tool-schema gating threshold.
	Capacity(model string) int
}

// CollectText runs a completion to the end and returns the
// concatenated text. Used by the tier-2 classifier and the compaction
// summarizer, which need plain strings rather than streams.
func CollectText(ctx context.Context, provider LLMProvider, system, prompt string, maxTokens int) (string, error) {
	chunks, err := provider.Complete(ctx, &CompletionRequest{
		System:    system,
		Messages:  []CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}

	var out []byte
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out = append(out, chunk.Text...)
	}
	return string(out), nil
}
