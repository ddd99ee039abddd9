package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-ai/osa/pkg/models"
)

// WorkerFunc executes one task and returns its result text. The
// orchestrator supplies the role prompt and accumulated upstream
// results as peerContext.
type WorkerFunc func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error)

// Publisher emits orchestration events onto the bus.
type Publisher func(topic string, payload map[string]any)

// Orchestrator executes admitted task DAGs wave by wave: all tasks in
// a wave run concurrently, the next wave starts only when every task
// in the current one is terminal. A failed task fails its transitive
// dependents with reason upstream_failure without executing them;
// independent tasks still run.
type Orchestrator struct {
	worker      WorkerFunc
	publish     Publisher
	logger      *slog.Logger
	maxParallel int

	mu   sync.RWMutex
	runs map[string]*Run

	// observe, when set, records task outcomes (metrics wiring).
	observe func(status string)
}

// Run is one orchestration execution.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Tasks     []*models.Task `json:"tasks"`
	Waves     int       `json:"waves"`
	Done      bool      `json:"done"`
	StartedAt time.Time `json:"started_at"`

	mu sync.RWMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxParallel bounds concurrent workers per wave.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithObserver records task outcomes.
func WithObserver(fn func(status string)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// NewOrchestrator creates an orchestrator over a worker function.
func NewOrchestrator(worker WorkerFunc, publish Publisher, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(string, map[string]any) {}
	}
	o := &Orchestrator{
		worker:      worker,
		publish:     publish,
		logger:      logger.With("component", "orchestrator"),
		maxParallel: 5,
		runs:        make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Admit validates specs and creates a run; nothing executes yet.
func (o *Orchestrator) Admit(specs []TaskSpec, sessionID string) (*Run, error) {
	tasks, err := ComputeWaves(specs)
	if err != nil {
		return nil, fmt.Errorf("task admission: %w", err)
	}

	run := &Run{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Tasks:     tasks,
		Waves:     len(GroupByWave(tasks)),
		StartedAt: time.Now(),
	}

	o.mu.Lock()
	o.runs[run.ID] = run
	o.mu.Unlock()
	return run, nil
}

// Get returns a run by ID.
func (o *Orchestrator) Get(runID string) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	return run, ok
}

// Progress returns a snapshot of a run's tasks.
func (r *Run) Progress() []models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		out[i] = *t
	}
	return out
}

// Execute runs all waves to completion and returns the final task
// states. Results of completed upstream tasks are passed to
// downstream workers as peer context.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) ([]models.Task, error) {
	byID := make(map[string]*models.Task, len(run.Tasks))
	for _, t := range run.Tasks {
		byID[t.ID] = t
	}

	waves := GroupByWave(run.Tasks)
	sem := make(chan struct{}, o.maxParallel)

	for waveIdx, wave := range waves {
		o.publish("wave_started", map[string]any{
			"session_id": run.SessionID,
			"run_id":     run.ID,
			"wave":       waveIdx + 1,
			"tasks":      len(wave),
		})

		var wg sync.WaitGroup
		for _, task := range wave {
			// Upstream failure propagates without executing.
			if reason, failed := o.upstreamFailure(run, task, byID); failed {
				o.transition(run, task, models.TaskFailed, "", reason)
				o.publish("agent_failed", map[string]any{
					"session_id": run.SessionID,
					"run_id":     run.ID,
					"task_id":    task.ID,
					"reason":     reason,
				})
				continue
			}

			wg.Add(1)
			go func(task *models.Task) {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					o.transition(run, task, models.TaskFailed, "", ctx.Err().Error())
					return
				}

				o.runTask(ctx, run, task, byID)
			}(task)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	run.mu.Lock()
	run.Done = true
	run.mu.Unlock()

	return run.Progress(), ctx.Err()
}

// upstreamFailure reports whether any dependency of task failed.
func (o *Orchestrator) upstreamFailure(run *Run, task *models.Task, byID map[string]*models.Task) (string, bool) {
	run.mu.RLock()
	defer run.mu.RUnlock()
	for _, dep := range task.DependsOn {
		if d, ok := byID[dep]; ok && d.Status == models.TaskFailed {
			return "upstream_failure", true
		}
	}
	return "", false
}

func (o *Orchestrator) runTask(ctx context.Context, run *Run, task *models.Task, byID map[string]*models.Task) {
	o.transition(run, task, models.TaskRunning, "", "")
	o.publish("task_started", map[string]any{
		"session_id": run.SessionID,
		"run_id":     run.ID,
		"task_id":    task.ID,
		"wave":       task.Wave,
	})
	o.publish("agent_started", map[string]any{
		"session_id": run.SessionID,
		"run_id":     run.ID,
		"task_id":    task.ID,
		"role":       string(task.AgentRole),
	})

	peerContext := o.upstreamContext(run, task, byID)
	result, err := o.callWorker(ctx, task, peerContext)
	if err != nil {
		o.transition(run, task, models.TaskFailed, "", err.Error())
		o.publish("agent_failed", map[string]any{
			"session_id": run.SessionID,
			"run_id":     run.ID,
			"task_id":    task.ID,
			"reason":     err.Error(),
		})
		if o.observe != nil {
			o.observe("failed")
		}
		return
	}

	o.transition(run, task, models.TaskCompleted, result, "")
	o.publish("task_completed", map[string]any{
		"session_id": run.SessionID,
		"run_id":     run.ID,
		"task_id":    task.ID,
	})
	o.publish("agent_completed", map[string]any{
		"session_id": run.SessionID,
		"run_id":     run.ID,
		"task_id":    task.ID,
	})
	if o.observe != nil {
		o.observe("completed")
	}
}

// callWorker invokes the worker with panic isolation.
func (o *Orchestrator) callWorker(ctx context.Context, task *models.Task, peerContext string) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panicked: %v", p)
		}
	}()
	return o.worker(ctx, task, RolePrompt(task.AgentRole), peerContext)
}

// upstreamContext formats completed dependency results for injection
// into the worker prompt.
func (o *Orchestrator) upstreamContext(run *Run, task *models.Task, byID map[string]*models.Task) string {
	run.mu.RLock()
	defer run.mu.RUnlock()

	var b strings.Builder
	for _, dep := range task.DependsOn {
		if d, ok := byID[dep]; ok && d.Status == models.TaskCompleted && d.Result != "" {
			fmt.Fprintf(&b, "Result of %s: %s\n", d.ID, d.Result)
		}
	}
	return b.String()
}

func (o *Orchestrator) transition(run *Run, task *models.Task, status models.TaskStatus, result, errMsg string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	task.Status = status
	switch status {
	case models.TaskRunning:
		task.StartedAt = time.Now()
	case models.TaskCompleted:
		task.Result = result
		task.FinishedAt = time.Now()
	case models.TaskFailed:
		task.Error = errMsg
		task.FinishedAt = time.Now()
	}
}
