package multiagent

import (
	"context"
	"fmt"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/pkg/models"
)

// NewLoopWorker adapts the agent loop into an orchestrator worker.
// Each task runs in its own fresh session with a role-specific prompt
// prepended, so workers do not share mutable state.
func NewLoopWorker(loop *agent.Loop) WorkerFunc {
	return func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		result, err := loop.RunTurn(ctx, agent.TurnRequest{
			Channel: "orchestrator",
			Input:   rolePrompt + "\n\n" + BuildWorkerPrompt(task, peerContext),
			Format:  models.FormatCommand,
		})
		if err != nil {
			return "", err
		}
		if result.IterationLimit {
			return result.Output, fmt.Errorf("worker hit iteration limit")
		}
		return result.Output, nil
	}
}

// NewLoopSwarmWorker adapts the agent loop into a swarm worker.
func NewLoopSwarmWorker(loop *agent.Loop) SwarmWorker {
	return func(ctx context.Context, role models.AgentRole, index int, task, peerContext string) (string, error) {
		input := RolePrompt(role) + "\n\n" + task
		if peerContext != "" {
			input += "\n\n" + peerContext
		}
		result, err := loop.RunTurn(ctx, agent.TurnRequest{
			Channel: "swarm",
			Input:   input,
			Format:  models.FormatCommand,
		})
		if err != nil {
			return "", err
		}
		return result.Output, nil
	}
}
