package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent loop and tool dispatch.
var (
	// ErrNoProvider means the loop has no LLM provider configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrMaxIterations means the loop hit its iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrToolNotFound means dispatch was asked for an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments means tool arguments failed schema validation.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrDoomLoop means the same failing tool call repeated too often.
	ErrDoomLoop = errors.New("doom loop detected")

	// ErrCancelled means the caller cancelled the turn.
	ErrCancelled = errors.New("turn cancelled")
)

// LoopError wraps an error with loop position for diagnostics.
type LoopError struct {
	Phase     string
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
