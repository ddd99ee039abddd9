package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Built-in hook priorities. Lower runs earlier.
const (
	PrioritySpendGuard       = 8
	PrioritySecurityCheck    = 10
	PriorityBudgetTracker    = 20
	PriorityErrorRecovery    = 30
	PriorityLearningCapture  = 50
	PriorityQualityCheck     = 50
	PriorityPatternConsol    = 80
	PriorityAutoFormat       = 85
	PriorityTelemetry        = 90
	PriorityHierCompaction   = 95
)

// consolidationTimeout bounds the session_end pattern scan.
const consolidationTimeout = 2 * time.Second

// SpendChecker decides whether more spend is allowed.
type SpendChecker interface {
	// Allow returns false with a reason when the budget is exhausted.
	Allow(estimatedUSD float64) (bool, string)
}

// CostRecorder records realized spend.
type CostRecorder interface {
	RecordToolCost(toolName string, durationMS int64, tokensIn, tokensOut int)
}

// EpisodeWriter persists post-tool episodic records.
type EpisodeWriter interface {
	WriteEpisode(record map[string]any) error
}

// Consolidator folds accumulated episodes into durable patterns.
type Consolidator interface {
	Consolidate(ctx context.Context) error
}

// Publisher emits events onto the bus.
type Publisher func(topic string, payload map[string]any)

// BuiltinDeps carries the collaborators the built-in hooks need. Nil
// fields disable the hooks that depend on them.
type BuiltinDeps struct {
	Spend        SpendChecker
	Costs        CostRecorder
	Episodes     EpisodeWriter
	Consolidator Consolidator
	Publish      Publisher
	Logger       *slog.Logger
}

// RegisterBuiltins installs the standard hook set.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hooks")

	r.Register(EventPreToolUse, "security_check", securityCheck(), PrioritySecurityCheck)

	if deps.Spend != nil {
		r.Register(EventPreToolUse, "spend_guard", spendGuard(deps.Spend), PrioritySpendGuard)
	}
	if deps.Costs != nil {
		r.Register(EventPostToolUse, "budget_tracker", budgetTracker(deps.Costs), PriorityBudgetTracker)
	}
	r.Register(EventPostToolUse, "error_recovery", errorRecovery(), PriorityErrorRecovery)
	if deps.Episodes != nil {
		r.Register(EventPostToolUse, "learning_capture", learningCapture(deps.Episodes, logger), PriorityLearningCapture)
	}
	r.Register(EventPostToolUse, "auto_format", autoFormat(), PriorityAutoFormat)
	r.Register(EventPostToolUse, "telemetry", telemetry(logger), PriorityTelemetry)

	r.Register(EventPreResponse, "quality_check", qualityCheck(), PriorityQualityCheck)

	if deps.Publish != nil {
		r.Register(EventPreCompact, "hierarchical_compaction", hierarchicalCompaction(deps.Publish), PriorityHierCompaction)
	}
	if deps.Consolidator != nil {
		r.Register(EventSessionEnd, "pattern_consolidation", patternConsolidation(deps.Consolidator, logger), PriorityPatternConsol)
	}
}

// dangerousShellPatterns match commands that must never reach a shell.
var dangerousShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*(/|/\*|~|\$HOME)(\s|$)`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd)`),
	regexp.MustCompile(`:\(\)\s*\{.*:\|:`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*\s+)*777\s+/(\s|$)`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*(ba)?sh\b`),
}

var shellToolNames = map[string]bool{
	"shell_execute": true,
	"shell":         true,
	"bash":          true,
	"exec":          true,
}

// securityCheck blocks dangerous shell invocations before dispatch.
func securityCheck() Handler {
	return func(ctx context.Context, payload Payload) Result {
		toolName := payload.String("tool_name")
		if !shellToolNames[toolName] {
			return Skip()
		}

		command := extractCommand(payload)
		if command == "" {
			return Skip()
		}
		for _, pattern := range dangerousShellPatterns {
			if pattern.MatchString(command) {
				return Block(fmt.Sprintf("dangerous command rejected: matched %q", pattern.String()))
			}
		}
		return Skip()
	}
}

// extractCommand pulls the shell command out of the tool arguments,
// which arrive either as a decoded map or raw JSON.
func extractCommand(payload Payload) string {
	switch args := payload["arguments"].(type) {
	case map[string]any:
		if cmd, ok := args["command"].(string); ok {
			return cmd
		}
	case json.RawMessage:
		var decoded struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &decoded); err == nil {
			return decoded.Command
		}
	case string:
		var decoded struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(args), &decoded); err == nil && decoded.Command != "" {
			return decoded.Command
		}
		return args
	}
	return ""
}

// spendGuard blocks tool use once the budget is exhausted.
func spendGuard(spend SpendChecker) Handler {
	return func(ctx context.Context, payload Payload) Result {
		if ok, reason := spend.Allow(0); !ok {
			return Block("budget exceeded: " + reason)
		}
		return Skip()
	}
}

// budgetTracker records per-tool cost after execution.
func budgetTracker(costs CostRecorder) Handler {
	return func(ctx context.Context, payload Payload) Result {
		durationMS, _ := payload["duration_ms"].(int64)
		tokensIn, _ := payload["tokens_in"].(int)
		tokensOut, _ := payload["tokens_out"].(int)
		costs.RecordToolCost(payload.String("tool_name"), durationMS, tokensIn, tokensOut)
		return Skip()
	}
}

// errorRecovery annotates failed tool results with a remedy hint the
// next loop iteration can act on.
func errorRecovery() Handler {
	return func(ctx context.Context, payload Payload) Result {
		isError, _ := payload["is_error"].(bool)
		if !isError {
			return Skip()
		}
		result := payload.String("result")
		updated := payload.Clone()
		switch {
		case strings.Contains(result, "no such file"):
			updated["recovery_hint"] = "verify the path exists before retrying, or list the parent directory"
		case strings.Contains(result, "permission denied"):
			updated["recovery_hint"] = "the target is not writable from this workspace; pick a path inside the workspace"
		case strings.Contains(result, "timeout"):
			updated["recovery_hint"] = "the operation timed out; retry once with a smaller scope"
		default:
			updated["recovery_hint"] = "inspect the error and adjust arguments before retrying"
		}
		return OK(updated)
	}
}

// learningCapture persists an episodic record of the tool execution.
func learningCapture(episodes EpisodeWriter, logger *slog.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		record := map[string]any{
			"tool_name":   payload.String("tool_name"),
			"session_id":  payload.String("session_id"),
			"provider":    payload.String("provider"),
			"model":       payload.String("model"),
			"duration_ms": payload["duration_ms"],
			"is_error":    payload["is_error"],
			"recorded_at": time.Now().UTC().Format(time.RFC3339),
		}
		if hint := payload.String("recovery_hint"); hint != "" {
			record["recovery_hint"] = hint
		}
		if err := episodes.WriteEpisode(record); err != nil {
			logger.Warn("episode write failed", "error", err)
		}
		return Skip()
	}
}

// autoFormat suggests formatting after file-writing tools.
func autoFormat() Handler {
	formattable := map[string]string{
		".go":   "gofmt",
		".py":   "black",
		".js":   "prettier",
		".ts":   "prettier",
		".rs":   "rustfmt",
		".json": "jq",
	}
	return func(ctx context.Context, payload Payload) Result {
		if payload.String("tool_name") != "file_write" {
			return Skip()
		}
		path := payload.String("path")
		for ext, formatter := range formattable {
			if strings.HasSuffix(path, ext) {
				updated := payload.Clone()
				updated["format_suggestion"] = formatter
				return OK(updated)
			}
		}
		return Skip()
	}
}

// telemetry logs a compact record of every tool execution.
func telemetry(logger *slog.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		logger.Debug("tool executed",
			"tool_name", payload.String("tool_name"),
			"session_id", payload.String("session_id"),
			"duration_ms", payload["duration_ms"],
			"is_error", payload["is_error"])
		return Skip()
	}
}

// qualityCheck blocks empty assistant responses before delivery.
func qualityCheck() Handler {
	return func(ctx context.Context, payload Payload) Result {
		response := strings.TrimSpace(payload.String("response"))
		if response == "" {
			return Block("empty response")
		}
		return Skip()
	}
}

// hierarchicalCompaction re-emits context-pressure thresholds onto the
// bus so observers see compaction state changes.
func hierarchicalCompaction(publish Publisher) Handler {
	return func(ctx context.Context, payload Payload) Result {
		publish("context_pressure", map[string]any{
			"session_id":  payload.String("session_id"),
			"utilization": payload["utilization"],
			"state":       payload.String("state"),
		})
		return Skip()
	}
}

// patternConsolidation folds the session's episodes into durable
// patterns at session end, bounded by a short scan timeout.
func patternConsolidation(consolidator Consolidator, logger *slog.Logger) Handler {
	return func(ctx context.Context, payload Payload) Result {
		scanCtx, cancel := context.WithTimeout(ctx, consolidationTimeout)
		defer cancel()
		if err := consolidator.Consolidate(scanCtx); err != nil {
			logger.Warn("pattern consolidation failed", "error", err)
		}
		return Skip()
	}
}
