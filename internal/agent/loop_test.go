package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osa-ai/osa/internal/bus"
	"github.com/osa-ai/osa/internal/hooks"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/signal"
	"github.com/osa-ai/osa/pkg/models"
)

// fakeProvider replays scripted chunk sequences, one per Complete call.
type fakeProvider struct {
	name      string
	responses [][]*CompletionChunk
	calls     atomic.Int32
	completeErr error
}

func (p *fakeProvider) Name() string {
	if p.name == "" {
		return "fake"
	}
	return p.name
}

func (p *fakeProvider) ContextLimit(string) int { return 200000 }
func (p *fakeProvider) Capacity(string) int     { return 100 }

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	call := int(p.calls.Add(1)) - 1
	ch := make(chan *CompletionChunk, 16)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &CompletionChunk{Text: "out of script"}
			return
		}
		for _, chunk := range p.responses[call] {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				ch <- &CompletionChunk{Error: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func textResponse(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Usage: &models.TokenUsage{Prompt: 100, Completion: 20}},
	}
}

func toolResponse(id, name, args string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}},
		{Usage: &models.TokenUsage{Prompt: 100, Completion: 10}},
	}
}

func fileReadTool(t *testing.T, registry *ToolRegistry, content string) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	err := registry.Register(&FuncTool{
		ToolName:        "file_read",
		ToolDescription: "Read a file",
		Schema:          json.RawMessage(`{"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			calls.Add(1)
			return content, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &calls
}

func newTestLoop(t *testing.T, provider LLMProvider, registry *ToolRegistry, b *bus.Bus, hookReg *hooks.Registry) *Loop {
	t.Helper()
	return NewLoop(Deps{
		Provider:     provider,
		Registry:     registry,
		Sessions:     sessions.NewMemoryStore(),
		Locker:       sessions.NewLocker(),
		Hooks:        hookReg,
		Bus:          b,
		SystemPrompt: "You are a helpful autonomous agent.",
	}, DefaultLoopConfig())
}

type eventCollector struct {
	mu     sync.Mutex
	topics []string
}

func (c *eventCollector) handler(e bus.Event) {
	c.mu.Lock()
	c.topics = append(c.topics, e.Topic)
	c.mu.Unlock()
}

func (c *eventCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// waitForSubsequence polls until want appears as a subsequence of the
// collected topics.
func (c *eventCollector) waitForSubsequence(t *testing.T, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if isSubsequence(want, c.snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("events %v missing subsequence %v", c.snapshot(), want)
}

func isSubsequence(want, got []string) bool {
	i := 0
	for _, topic := range got {
		if i < len(want) && topic == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestSingleToolTurn(t *testing.T) {
	registry := NewToolRegistry()
	toolCalls := fileReadTool(t, registry, "file contents: hello")

	provider := &fakeProvider{responses: [][]*CompletionChunk{
		toolResponse("tc1", "file_read", `{"path": "/tmp/a.txt"}`),
		textResponse("The file says hello."),
	}}

	b := bus.New(nil)
	collector := &eventCollector{}
	sub := b.Subscribe(bus.TopicAll, collector.handler)
	defer b.Unsubscribe(sub)

	loop := newTestLoop(t, provider, registry, b, nil)
	result, err := loop.RunTurn(context.Background(), TurnRequest{
		Channel: "cli",
		Input:   "Read file /tmp/a.txt and summarize",
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.Output != "The file says hello." {
		t.Errorf("output = %q", result.Output)
	}
	if result.IterationCount != 2 {
		t.Errorf("iterations = %d, want 2", result.IterationCount)
	}
	if toolCalls.Load() != 1 {
		t.Errorf("tool executed %d times, want 1", toolCalls.Load())
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "file_read" {
		t.Errorf("tools used = %v", result.ToolsUsed)
	}

	collector.waitForSubsequence(t, []string{
		bus.TopicSignalClassified,
		bus.TopicLLMRequest,
		bus.TopicLLMResponse,
		bus.TopicToolCall, // start
		bus.TopicToolCall, // end
		bus.TopicLLMRequest,
		bus.TopicLLMResponse,
		bus.TopicAgentResponse,
	})
}

func TestBlockedDangerousCommand(t *testing.T) {
	registry := NewToolRegistry()
	var shellRan atomic.Int32
	if err := registry.Register(&FuncTool{
		ToolName:        "shell_execute",
		ToolDescription: "Run a shell command",
		Schema:          json.RawMessage(`{"type": "object", "properties": {"command": {"type": "string"}}, "required": ["command"]}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			shellRan.Add(1)
			return "ran", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	hookReg := hooks.NewRegistry(nil)
	hooks.RegisterBuiltins(hookReg, hooks.BuiltinDeps{})

	provider := &fakeProvider{responses: [][]*CompletionChunk{
		toolResponse("tc1", "shell_execute", `{"command": "rm -rf /"}`),
		textResponse("I can't run that command; it would destroy the filesystem."),
	}}

	b := bus.New(nil)
	collector := &eventCollector{}
	sub := b.Subscribe(bus.TopicHookBlocked, collector.handler)
	defer b.Unsubscribe(sub)

	loop := newTestLoop(t, provider, registry, b, hookReg)
	store := loop.deps.Sessions

	result, err := loop.RunTurn(context.Background(), TurnRequest{Channel: "cli", Input: "wipe the disk"})
	if err != nil {
		t.Fatal(err)
	}

	if shellRan.Load() != 0 {
		t.Error("blocked tool still executed")
	}
	if result.Output == "" {
		t.Error("no final response after block")
	}

	history, err := store.GetHistory(context.Background(), result.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	foundSynthetic := false
	for _, m := range history {
		if m.Role == models.RoleTool && m.ToolCallID == "tc1" {
			foundSynthetic = true
			if want := "Error: blocked: "; len(m.Content) < len(want) || m.Content[:len(want)] != want {
				t.Errorf("synthetic tool message = %q", m.Content)
			}
		}
	}
	if !foundSynthetic {
		t.Error("no synthetic tool error message in transcript")
	}

	collector.waitForSubsequence(t, []string{bus.TopicHookBlocked})
}

func TestDoomLoopGuard(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(&FuncTool{
		ToolName:        "flaky",
		ToolDescription: "always fails",
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("persistent failure")
		},
	}); err != nil {
		t.Fatal(err)
	}

	// The model keeps asking for the identical failing call.
	var responses [][]*CompletionChunk
	for i := 0; i < 10; i++ {
		responses = append(responses, toolResponse(fmt.Sprintf("tc%d", i), "flaky", `{"x": 1}`))
	}
	provider := &fakeProvider{responses: responses}

	loop := newTestLoop(t, provider, registry, bus.New(nil), nil)
	_, err := loop.RunTurn(context.Background(), TurnRequest{Channel: "cli", Input: "do the thing"})
	if !errors.Is(err, ErrDoomLoop) {
		t.Fatalf("err = %v, want ErrDoomLoop", err)
	}
	if calls := provider.calls.Load(); calls != 3 {
		t.Errorf("llm calls = %d, want 3 before abort", calls)
	}
}

func TestMaxIterationsReturnsPartial(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(&FuncTool{
		ToolName:        "step",
		ToolDescription: "one step",
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "step done", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var responses [][]*CompletionChunk
	for i := 0; i < 10; i++ {
		responses = append(responses, toolResponse(fmt.Sprintf("tc%d", i), "step", fmt.Sprintf(`{"n": %d}`, i)))
	}
	provider := &fakeProvider{responses: responses}

	b := bus.New(nil)
	collector := &eventCollector{}
	sub := b.Subscribe(bus.TopicMaxIterationsExceeded, collector.handler)
	defer b.Unsubscribe(sub)

	deps := Deps{
		Provider: provider,
		Registry: registry,
		Sessions: sessions.NewMemoryStore(),
		Bus:      b,
	}
	config := DefaultLoopConfig()
	config.MaxIterations = 3
	loop := NewLoop(deps, config)

	result, err := loop.RunTurn(context.Background(), TurnRequest{Channel: "cli", Input: "loop forever"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.IterationLimit {
		t.Error("iteration limit not reported")
	}
	if result.IterationCount != 3 {
		t.Errorf("iterations = %d, want 3", result.IterationCount)
	}
	collector.waitForSubsequence(t, []string{bus.TopicMaxIterationsExceeded})
}

func TestCancellation(t *testing.T) {
	provider := &fakeProvider{responses: [][]*CompletionChunk{textResponse("never delivered")}}

	b := bus.New(nil)
	collector := &eventCollector{}
	sub := b.Subscribe(bus.TopicCancelled, collector.handler)
	defer b.Unsubscribe(sub)

	loop := newTestLoop(t, provider, NewToolRegistry(), b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loop.RunTurn(ctx, TurnRequest{Channel: "cli", Input: "anything"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	collector.waitForSubsequence(t, []string{bus.TopicCancelled})
}

func TestNoiseDropSkipsLLM(t *testing.T) {
	provider := &fakeProvider{responses: [][]*CompletionChunk{textResponse("should not run")}}

	b := bus.New(nil)
	collector := &eventCollector{}
	sub := b.Subscribe(bus.TopicNoiseDropped, collector.handler)
	defer b.Unsubscribe(sub)

	deps := Deps{
		Provider:   provider,
		Registry:   NewToolRegistry(),
		Sessions:   sessions.NewMemoryStore(),
		Bus:        b,
		Classifier: signal.New(signal.Config{}, nil),
		Noise:      signal.NewNoiseFilter(0),
	}
	loop := NewLoop(deps, DefaultLoopConfig())

	result, err := loop.RunTurn(context.Background(), TurnRequest{Channel: "cli", Input: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Dropped {
		t.Fatal("greeting not dropped")
	}
	if provider.calls.Load() != 0 {
		t.Error("LLM called for dropped message")
	}
	collector.waitForSubsequence(t, []string{bus.TopicNoiseDropped})
}

func TestProviderFailover(t *testing.T) {
	primary := &fakeProvider{name: "primary", completeErr: errors.New("upstream 500")}
	secondary := &fakeProvider{name: "secondary", responses: [][]*CompletionChunk{textResponse("served by fallback")}}

	chain := NewFailoverChain([]LLMProvider{primary, secondary}, DefaultFailoverConfig(), nil)
	loop := newTestLoop(t, chain, NewToolRegistry(), bus.New(nil), nil)

	result, err := loop.RunTurn(context.Background(), TurnRequest{Channel: "cli", Input: "hello there"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Output != "served by fallback" {
		t.Errorf("output = %q, want fallback response", result.Output)
	}
}

func TestFailoverCircuitSkipsDeadProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", completeErr: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", responses: [][]*CompletionChunk{
		textResponse("one"), textResponse("two"), textResponse("three"), textResponse("four"),
	}}
	chain := NewFailoverChain([]LLMProvider{primary, secondary}, DefaultFailoverConfig(), nil)

	for i := 0; i < 4; i++ {
		if _, err := CollectText(context.Background(), chain, "", "ping", 10); err != nil {
			t.Fatal(err)
		}
	}
	// After 3 failures the primary circuit opens; the 4th request must
	// not touch it.
	// (fakeProvider counts only successful Complete invocations, so
	// track via the error path: completeErr calls are not counted.
	// Assert via chain state instead.)
	if chain.available("primary") {
		t.Error("primary circuit still closed after repeated failures")
	}
}

func TestSchemaValidationRejectsBadArgs(t *testing.T) {
	registry := NewToolRegistry()
	var ran atomic.Int32
	if err := registry.Register(&FuncTool{
		ToolName: "file_read",
		Schema:   json.RawMessage(`{"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"]}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			ran.Add(1)
			return "ok", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := registry.Execute(context.Background(), "file_read", json.RawMessage(`{"path": 42}`))
	if !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
	if ran.Load() != 0 {
		t.Error("implementation invoked despite schema violation")
	}

	if _, err := registry.Execute(context.Background(), "file_read", json.RawMessage(`{"path": "/tmp/x"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
}

func TestRegistryGatingWithholdsSchemas(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(&FuncTool{ToolName: "t1", ToolDescription: "d"}); err != nil {
		t.Fatal(err)
	}

	if got := registry.Schemas(1); got != nil {
		t.Errorf("schemas for small model = %v, want nil", got)
	}
	if got := registry.Schemas(100); len(got) != 1 {
		t.Errorf("schemas for capable model = %d, want 1", len(got))
	}
}

func TestRegistryReplaceIdempotent(t *testing.T) {
	registry := NewToolRegistry()
	for i := 0; i < 3; i++ {
		if err := registry.Register(&FuncTool{ToolName: "dup", Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "v", nil
		}}); err != nil {
			t.Fatal(err)
		}
	}
	if names := registry.Names(); len(names) != 1 {
		t.Errorf("names = %v, want single entry", names)
	}
}

func TestUnknownToolError(t *testing.T) {
	registry := NewToolRegistry()
	_, err := registry.Execute(context.Background(), "ghost", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}
