package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	agentctx "github.com/osa-ai/osa/internal/agent/context"
	"github.com/osa-ai/osa/internal/bus"
	"github.com/osa-ai/osa/internal/compaction"
	"github.com/osa-ai/osa/internal/hooks"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/observability"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/signal"
	"github.com/osa-ai/osa/pkg/models"
)

// LoopConfig tunes the ReAct loop.
type LoopConfig struct {
	// MaxIterations is the hard cap on LLM round trips per turn.
	MaxIterations int

	// MaxTokens is the per-response token limit.
	MaxTokens int

	// Temperature is passed to the provider.
	Temperature float64

	// ReservedResponseTokens is subtracted from the context limit to
	// form the prompt budget.
	ReservedResponseTokens int

	// MemoryRecallTokens bounds the medium-tier memory budget request.
	MemoryRecallTokens int

	// HistoryLimit caps how many transcript messages are loaded per
	// iteration.
	HistoryLimit int
}

// DefaultLoopConfig returns the standard loop settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:          20,
		MaxTokens:              4096,
		ReservedResponseTokens: 4096,
		MemoryRecallTokens:     1500,
		HistoryLimit:           100,
	}
}

// doomLoopThreshold aborts the turn when the same tool call fails this
// many times with byte-equal arguments.
const doomLoopThreshold = 3

// TokenCounter counts tokens; the sidecar tokenizer satisfies it.
type TokenCounter interface {
	Count(ctx context.Context, text string) int
}

// CostRecorder records realized LLM spend.
type CostRecorder interface {
	RecordLLMCost(provider, model string, promptTokens, completionTokens int) float64
}

// Deps wires the loop's collaborators. Provider and Sessions are
// required; the rest, including Hooks and Bus, degrade gracefully when
// nil.
type Deps struct {
	Provider   LLMProvider
	Registry   *ToolRegistry
	Executor   *Executor
	Sessions   sessions.Store
	Locker     *sessions.Locker
	Hooks      *hooks.Registry
	Bus        *bus.Bus
	Classifier *signal.Classifier
	Noise      *signal.NoiseFilter
	Memory     *memory.Store
	Compactor  *compaction.Compactor
	Tokens     TokenCounter
	Costs      CostRecorder
	Tracer     *observability.Tracer
	Logger     *slog.Logger

	// SystemPrompt and Identity form the critical prompt tier.
	SystemPrompt string
	Identity     string

	// Environment feeds the low prompt tier.
	Environment []string
}

// TurnRequest is one inbound message to process.
type TurnRequest struct {
	SessionID string
	Channel   string
	Input     string
	Format    models.Format
}

// TurnResult is the outcome of a processed turn.
type TurnResult struct {
	SessionID      string        `json:"session_id"`
	Output         string        `json:"output"`
	Signal         models.Signal `json:"signal"`
	ToolsUsed      []string      `json:"tools_used"`
	IterationCount int           `json:"iteration_count"`
	ExecutionMS    int64         `json:"execution_ms"`

	// Dropped is true when the noise filter discarded the input.
	Dropped bool `json:"dropped,omitempty"`

	// IterationLimit is true when the loop returned a partial answer
	// after hitting its iteration cap.
	IterationLimit bool `json:"iteration_limit,omitempty"`
}

// noiseAck is returned for dropped messages.
const noiseAck = "(noted)"

// Loop drives single conversational turns.
type Loop struct {
	deps      Deps
	config    LoopConfig
	assembler *agentctx.Assembler
	logger    *slog.Logger
}

// NewLoop creates a loop.
func NewLoop(deps Deps, config LoopConfig) *Loop {
	if config.MaxIterations <= 0 {
		config = DefaultLoopConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Executor == nil && deps.Registry != nil {
		deps.Executor = NewExecutor(deps.Registry, DefaultExecutorConfig())
	}

	var estimate agentctx.Estimator
	if deps.Tokens != nil {
		tokens := deps.Tokens
		estimate = func(text string) int {
			return tokens.Count(context.Background(), text)
		}
	}

	return &Loop{
		deps:      deps,
		config:    config,
		assembler: agentctx.NewAssembler(estimate),
		logger:    logger.With("component", "agent"),
	}
}

// RunTurn processes one inbound message through classification, the
// noise filter, and the ReAct loop.
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if l.deps.Provider == nil {
		return nil, ErrNoProvider
	}
	start := time.Now()

	session, err := l.ensureSession(ctx, req)
	if err != nil {
		return nil, err
	}

	if l.deps.Locker != nil {
		unlock := l.deps.Locker.Lock(session.ID)
		defer unlock()
	}

	if l.deps.Tracer != nil {
		var span trace.Span
		ctx, span = l.deps.Tracer.StartTurn(ctx, session.ID)
		defer func() { observability.EndSpan(span, nil) }()
	}

	// 1. Classify. Signals are immutable once produced.
	sig := models.Signal{Mode: models.ModeAssist, Genre: models.GenreDirect, Type: models.TypeGeneral, Format: models.FormatMessage, Weight: 0.5}
	if l.deps.Classifier != nil {
		sig = l.deps.Classifier.Classify(ctx, req.Channel, req.Input, req.Format)
	}
	l.publish(bus.TopicSignalClassified, map[string]any{
		"session_id": session.ID,
		"signal":     sig,
	})

	// 2. Noise filter: drop before any LLM or tool work.
	if l.deps.Noise != nil && l.deps.Noise.ShouldDrop(sig, req.Input) {
		l.publish(bus.TopicNoiseDropped, map[string]any{
			"session_id": session.ID,
			"channel":    req.Channel,
			"weight":     sig.Weight,
		})
		return &TurnResult{
			SessionID:   session.ID,
			Output:      noiseAck,
			Signal:      sig,
			Dropped:     true,
			ExecutionMS: time.Since(start).Milliseconds(),
		}, nil
	}

	// 3. Append the user message.
	userMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleUser,
		Content:    req.Input,
		Signal:     &sig,
		TokenCount: l.countTokens(ctx, req.Input),
		CreatedAt:  time.Now(),
	}
	if err := l.deps.Sessions.AppendMessage(ctx, session.ID, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	result := &TurnResult{SessionID: session.ID, Signal: sig}
	state := &turnState{
		session:   session,
		doomCount: make(map[string]int),
	}

	// 4-6. Iterate.
	for state.iteration = 0; state.iteration < l.config.MaxIterations; state.iteration++ {
		if err := l.checkCancelled(ctx, session.ID); err != nil {
			return nil, err
		}

		prompt, err := l.assemble(ctx, session, req.Input)
		if err != nil {
			return nil, err
		}

		done, err := l.runIteration(ctx, state, prompt, result)
		if err != nil {
			return nil, err
		}
		if done {
			result.IterationCount = state.iteration + 1
			result.ExecutionMS = time.Since(start).Milliseconds()
			return result, nil
		}
	}

	// Iteration cap: return the best partial answer.
	l.publish(bus.TopicMaxIterationsExceeded, map[string]any{
		"session_id": session.ID,
		"iterations": l.config.MaxIterations,
	})
	result.Output = state.lastText
	if result.Output == "" {
		result.Output = "I could not complete this request within the allowed number of steps."
	}
	result.IterationCount = l.config.MaxIterations
	result.IterationLimit = true
	result.ExecutionMS = time.Since(start).Milliseconds()
	return result, nil
}

type turnState struct {
	session   *models.Session
	iteration int
	lastText  string
	doomCount map[string]int
}

func (l *Loop) ensureSession(ctx context.Context, req TurnRequest) (*models.Session, error) {
	if req.SessionID != "" {
		session, err := l.deps.Sessions.Get(ctx, req.SessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			return nil, err
		}
	}
	session := &models.Session{
		ID:      req.SessionID,
		Channel: req.Channel,
	}
	if err := l.deps.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	l.runHooks(ctx, hooks.EventSessionStart, hooks.Payload{"session_id": session.ID})
	return session, nil
}

// assemble builds the prompt for the current iteration, applying
// compaction pressure handling.
func (l *Loop) assemble(ctx context.Context, session *models.Session, query string) (*agentctx.Prompt, error) {
	history, err := l.deps.Sessions.GetHistory(ctx, session.ID, l.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var memories []agentctx.Candidate
	if l.deps.Memory != nil {
		for _, scored := range l.deps.Memory.RecallRelevant(query, l.config.MemoryRecallTokens) {
			memories = append(memories, agentctx.Candidate{
				Content: scored.Entry.Content,
				Score:   scored.Score,
			})
		}
	}

	contextLimit := l.deps.Provider.ContextLimit(session.Model)
	input := agentctx.Input{
		SystemPrompt:     l.deps.SystemPrompt,
		ToolSchemas:      l.schemaText(session),
		Identity:         l.deps.Identity,
		Messages:         history,
		Memories:         memories,
		LowPriority:      l.deps.Environment,
		ContextLimit:     contextLimit,
		ReservedResponse: l.config.ReservedResponseTokens,
	}

	prompt, err := l.assembler.Build(input)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}

	if l.deps.Compactor != nil {
		state := l.deps.Compactor.StateFor(prompt.Utilization)
		if state != compaction.StateNone {
			l.publish(bus.TopicContextPressure, map[string]any{
				"session_id":  session.ID,
				"utilization": prompt.Utilization,
				"state":       string(state),
			})
			l.runHooks(ctx, hooks.EventPreCompact, hooks.Payload{
				"session_id":  session.ID,
				"utilization": prompt.Utilization,
				"state":       string(state),
			})
		}
		if state == compaction.StateWarning || state == compaction.StateNeeded || state == compaction.StateCritical {
			compacted, _ := l.deps.Compactor.Compact(ctx, input.Messages, prompt.Utilization)
			input.Messages = compacted
			prompt, err = l.assembler.Build(input)
			if err != nil {
				return nil, fmt.Errorf("assemble compacted context: %w", err)
			}
		}
	}

	return prompt, nil
}

// schemaText renders tool schemas for the critical tier, honoring the
// model-capacity gate.
func (l *Loop) schemaText(session *models.Session) string {
	if l.deps.Registry == nil {
		return ""
	}
	schemas := l.deps.Registry.Schemas(l.deps.Provider.Capacity(session.Model))
	if len(schemas) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Tools\n")
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}

// runIteration performs one LLM round trip. It returns done=true when
// the turn produced a final response.
func (l *Loop) runIteration(ctx context.Context, state *turnState, prompt *agentctx.Prompt, result *TurnResult) (bool, error) {
	session := state.session

	l.publish(bus.TopicLLMRequest, map[string]any{
		"session_id": session.ID,
		"iteration":  state.iteration,
		"provider":   l.deps.Provider.Name(),
		"model":      session.Model,
	})

	var schemas []ToolSchema
	if l.deps.Registry != nil {
		schemas = l.deps.Registry.Schemas(l.deps.Provider.Capacity(session.Model))
	}
	req := &CompletionRequest{
		Model:       session.Model,
		System:      prompt.System,
		Messages:    l.completionMessages(prompt),
		Tools:       schemas,
		MaxTokens:   l.config.MaxTokens,
		Temperature: l.config.Temperature,
	}

	llmCtx := ctx
	var llmSpan trace.Span
	if l.deps.Tracer != nil {
		llmCtx, llmSpan = l.deps.Tracer.StartLLMCall(ctx, l.deps.Provider.Name(), session.Model)
	}
	chunks, err := l.deps.Provider.Complete(llmCtx, req)
	if err != nil {
		if llmSpan != nil {
			observability.EndSpan(llmSpan, err)
		}
		return false, &LoopError{Phase: "stream", Iteration: state.iteration, Cause: err}
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	var usage models.TokenUsage
	var streamErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			streamErr = chunk.Error
			break
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			l.publish(bus.TopicStreamingToken, map[string]any{
				"session_id": session.ID,
				"token":      chunk.Text,
			})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}
	if llmSpan != nil {
		observability.EndSpan(llmSpan, streamErr)
	}
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			return false, l.cancelTurn(session.ID)
		}
		return false, &LoopError{Phase: "stream", Iteration: state.iteration, Cause: streamErr}
	}
	state.lastText = text.String()

	l.publish(bus.TopicLLMResponse, map[string]any{
		"session_id":        session.ID,
		"iteration":         state.iteration,
		"prompt_tokens":     usage.Prompt,
		"completion_tokens": usage.Completion,
		"tool_calls":        len(toolCalls),
	})
	l.recordUsage(ctx, session, usage)

	// Final answer: no tool calls requested.
	if len(toolCalls) == 0 {
		return l.finishTurn(ctx, state, result)
	}

	assistantMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleAssistant,
		Content:    state.lastText,
		ToolCalls:  toolCalls,
		TokenCount: usage.Completion,
		CreatedAt:  time.Now(),
	}
	if err := l.deps.Sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return false, fmt.Errorf("append assistant message: %w", err)
	}

	if err := l.checkCancelled(ctx, session.ID); err != nil {
		return false, err
	}

	if err := l.executeToolCalls(ctx, state, toolCalls, result); err != nil {
		return false, err
	}
	return false, nil
}

// finishTurn runs the pre_response chain and commits the assistant
// message. A blocked response nudges the model and continues.
func (l *Loop) finishTurn(ctx context.Context, state *turnState, result *TurnResult) (bool, error) {
	session := state.session

	if l.deps.Hooks != nil {
		outcome := l.deps.Hooks.Run(ctx, hooks.EventPreResponse, hooks.Payload{
			"session_id": session.ID,
			"response":   state.lastText,
		})
		if outcome.Blocked {
			l.publish(bus.TopicHookBlocked, map[string]any{
				"session_id": session.ID,
				"event":      string(hooks.EventPreResponse),
				"hook":       outcome.BlockedBy,
				"reason":     outcome.Reason,
			})
			nudge := &models.Message{
				ID:        uuid.NewString(),
				SessionID: session.ID,
				Role:      models.RoleSystem,
				Content:   "Your previous response was rejected: " + outcome.Reason + ". Produce a complete response.",
				CreatedAt: time.Now(),
			}
			if err := l.deps.Sessions.AppendMessage(ctx, session.ID, nudge); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	assistantMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleAssistant,
		Content:    state.lastText,
		TokenCount: l.countTokens(ctx, state.lastText),
		CreatedAt:  time.Now(),
	}
	if err := l.deps.Sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return false, fmt.Errorf("append assistant message: %w", err)
	}

	l.publish(bus.TopicAgentResponse, map[string]any{
		"session_id": session.ID,
		"output":     state.lastText,
	})
	l.runHooksAsync(ctx, hooks.EventPostResponse, hooks.Payload{
		"session_id": session.ID,
		"response":   state.lastText,
	})

	result.Output = state.lastText
	return true, nil
}

// executeToolCalls runs an iteration's tool calls: hooks first, then
// allowed calls in parallel, then results appended in call order.
func (l *Loop) executeToolCalls(ctx context.Context, state *turnState, toolCalls []models.ToolCall, result *TurnResult) error {
	session := state.session

	type outcome struct {
		content string
		isError bool
	}
	outcomes := make([]outcome, len(toolCalls))
	var allowed []models.ToolCall
	allowedIdx := make([]int, 0, len(toolCalls))

	for i, tc := range toolCalls {
		if l.deps.Hooks != nil {
			hookOutcome := l.deps.Hooks.Run(ctx, hooks.EventPreToolUse, hooks.Payload{
				"session_id": session.ID,
				"tool_name":  tc.Name,
				"arguments":  tc.Input,
			})
			if hookOutcome.Blocked {
				outcomes[i] = outcome{
					content: "Error: blocked: " + hookOutcome.Reason,
					isError: true,
				}
				l.publish(bus.TopicHookBlocked, map[string]any{
					"session_id": session.ID,
					"event":      string(hooks.EventPreToolUse),
					"hook":       hookOutcome.BlockedBy,
					"tool_name":  tc.Name,
					"reason":     hookOutcome.Reason,
				})
				continue
			}
		}
		allowed = append(allowed, tc)
		allowedIdx = append(allowedIdx, i)
	}

	for _, idx := range allowedIdx {
		tc := toolCalls[idx]
		l.publish(bus.TopicToolCall, map[string]any{
			"session_id": session.ID,
			"tool_name":  tc.Name,
			"phase":      "start",
		})
	}

	var execResults []ExecResult
	if l.deps.Executor != nil {
		execResults = l.deps.Executor.ExecuteAll(ctx, allowed)
	} else {
		execResults = make([]ExecResult, len(allowed))
		for i, tc := range allowed {
			execResults[i] = ExecResult{Call: tc, Err: ErrToolNotFound}
		}
	}
	for i, er := range execResults {
		idx := allowedIdx[i]
		if er.Err != nil {
			outcomes[idx] = outcome{content: "Error: " + er.Err.Error(), isError: true}
		} else {
			outcomes[idx] = outcome{content: er.Content}
		}

		tc := toolCalls[idx]
		l.publish(bus.TopicToolCall, map[string]any{
			"session_id":  session.ID,
			"tool_name":   tc.Name,
			"phase":       "end",
			"duration_ms": er.Duration.Milliseconds(),
			"is_error":    outcomes[idx].isError,
		})
		l.publish(bus.TopicToolResult, map[string]any{
			"session_id": session.ID,
			"tool_name":  tc.Name,
			"result":     outcomes[idx].content,
			"is_error":   outcomes[idx].isError,
		})
		l.runHooksAsync(ctx, hooks.EventPostToolUse, hooks.Payload{
			"session_id":  session.ID,
			"tool_name":   tc.Name,
			"result":      outcomes[idx].content,
			"is_error":    outcomes[idx].isError,
			"duration_ms": er.Duration.Milliseconds(),
			"provider":    l.deps.Provider.Name(),
			"model":       session.Model,
		})

		result.ToolsUsed = appendUnique(result.ToolsUsed, tc.Name)
	}

	// Append results and feed the doom-loop guard in call order.
	for i, tc := range toolCalls {
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			Role:       models.RoleTool,
			Content:    outcomes[i].content,
			ToolCallID: tc.ID,
			TokenCount: l.countTokens(ctx, outcomes[i].content),
			CreatedAt:  time.Now(),
		}
		if err := l.deps.Sessions.AppendMessage(ctx, session.ID, toolMsg); err != nil {
			return fmt.Errorf("append tool message: %w", err)
		}

		key := tc.Name + "\x00" + string(tc.Input)
		if outcomes[i].isError {
			state.doomCount[key]++
			if state.doomCount[key] >= doomLoopThreshold {
				l.logger.Warn("doom loop detected",
					"session_id", session.ID,
					"tool_name", tc.Name,
					"repeats", state.doomCount[key])
				return &LoopError{Phase: "execute_tools", Iteration: state.iteration, Cause: ErrDoomLoop}
			}
		} else {
			delete(state.doomCount, key)
		}
	}

	return nil
}

// completionMessages converts the assembled prompt to provider form.
func (l *Loop) completionMessages(prompt *agentctx.Prompt) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		out = append(out, CompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func (l *Loop) recordUsage(ctx context.Context, session *models.Session, usage models.TokenUsage) {
	if usage.Total() == 0 {
		return
	}
	session.TokenUsage = session.TokenUsage.Add(usage)
	if err := l.deps.Sessions.Update(ctx, session); err != nil {
		l.logger.Warn("session usage update failed", "error", err, "session_id", session.ID)
	}
	if l.deps.Costs != nil {
		l.deps.Costs.RecordLLMCost(l.deps.Provider.Name(), session.Model, usage.Prompt, usage.Completion)
	}
}

func (l *Loop) checkCancelled(ctx context.Context, sessionID string) error {
	if ctx.Err() == nil {
		return nil
	}
	return l.cancelTurn(sessionID)
}

// cancelTurn emits the cancellation event. The partial assistant
// message of the in-flight iteration is never persisted, so session
// state stays at the last committed message.
func (l *Loop) cancelTurn(sessionID string) error {
	l.publish(bus.TopicCancelled, map[string]any{"session_id": sessionID})
	return ErrCancelled
}

// EndSession runs session_end hooks and closes the transcript.
func (l *Loop) EndSession(ctx context.Context, sessionID string) error {
	l.runHooks(ctx, hooks.EventSessionEnd, hooks.Payload{"session_id": sessionID})
	return l.deps.Sessions.Close(ctx, sessionID)
}

func (l *Loop) publish(topic string, payload map[string]any) {
	if l.deps.Bus != nil {
		l.deps.Bus.Publish(topic, payload)
	}
}

func (l *Loop) runHooks(ctx context.Context, event hooks.Event, payload hooks.Payload) {
	if l.deps.Hooks != nil {
		l.deps.Hooks.Run(ctx, event, payload)
	}
}

func (l *Loop) runHooksAsync(ctx context.Context, event hooks.Event, payload hooks.Payload) {
	if l.deps.Hooks != nil {
		l.deps.Hooks.RunAsync(ctx, event, payload)
	}
}

func (l *Loop) countTokens(ctx context.Context, text string) int {
	if l.deps.Tokens == nil {
		return (len(text) + 3) / 4
	}
	return l.deps.Tokens.Count(ctx, text)
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
