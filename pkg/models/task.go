package models

import "time"

// TaskStatus tracks an orchestrator task through its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// AgentRole selects the role-specific system prompt for a task worker.
type AgentRole string

const (
	RoleResearcher  AgentRole = "researcher"
	RoleBuilder     AgentRole = "builder"
	RoleTester      AgentRole = "tester"
	RoleReviewer    AgentRole = "reviewer"
	RoleCoordinator AgentRole = "coordinator"
	RoleImplementer AgentRole = "implementer"
	RoleSynthesizer AgentRole = "synthesizer"
)

// Task is a unit of work in a multi-agent plan. Tasks form a DAG via
// DependsOn; the wave number is assigned at admission time as
// 1 + max(wave of dependencies).
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Wave        int        `json:"wave"`
	AgentRole   AgentRole  `json:"agent_role"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	FinishedAt  time.Time  `json:"finished_at,omitzero"`
}

// Terminal reports whether the task has reached a terminal state.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// SwarmMessage is a single mailbox entry exchanged between swarm
// workers. Seq is dense and strictly increasing per swarm, starting
// at 1.
type SwarmMessage struct {
	SwarmID   string    `json:"swarm_id"`
	Seq       int64     `json:"seq"`
	FromAgent string    `json:"from_agent"`
	Message   string    `json:"message"`
	PostedAt  time.Time `json:"posted_at"`
}
