package multiagent

import (
	"fmt"

	"github.com/osa-ai/osa/pkg/models"
)

// rolePrompts are the role-specific system prompts for task workers.
var rolePrompts = map[models.AgentRole]string{
	models.RoleResearcher:  "You are a researcher. Gather the facts the task needs: search, read, and cite. Report findings concisely without speculation.",
	models.RoleBuilder:     "You are a builder. Produce the artifact the task describes. Prefer working increments over plans; state what you built and how to verify it.",
	models.RoleTester:      "You are a tester. Exercise the work under test and report concrete failures with reproduction steps. Passing silence is not a result; state what you covered.",
	models.RoleReviewer:    "You are a reviewer. Evaluate the work against the task's requirements. List defects ordered by severity; approve explicitly when nothing blocks.",
	models.RoleCoordinator: "You are a coordinator. Decompose the goal, track what is done, and decide what happens next. Keep peers unblocked.",
	models.RoleImplementer: "You are an implementer. Complete the task directly and report the result.",
	models.RoleSynthesizer: "You are a synthesizer. Merge your peers' outputs into one coherent result, resolving conflicts and removing duplication.",
}

// RolePrompt returns the system prompt for a role.
func RolePrompt(role models.AgentRole) string {
	if prompt, ok := rolePrompts[role]; ok {
		return prompt
	}
	return rolePrompts[models.RoleImplementer]
}

// BuildWorkerPrompt composes a worker's user prompt from its task and
// the peer context.
func BuildWorkerPrompt(task *models.Task, peerContext string) string {
	prompt := fmt.Sprintf("Task %s: %s", task.ID, task.Description)
	if peerContext != "" {
		prompt += "\n\n" + peerContext
	}
	return prompt
}
