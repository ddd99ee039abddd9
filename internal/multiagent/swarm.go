package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-ai/osa/pkg/models"
)

// SwarmPattern selects how swarm workers coordinate.
type SwarmPattern string

const (
	// PatternParallel runs all workers concurrently with no mid-run
	// mailbox reads; a synthesizer merges.
	PatternParallel SwarmPattern = "parallel"

	// PatternPipeline runs workers strictly sequentially; worker N
	// reads worker N-1's output from the mailbox.
	PatternPipeline SwarmPattern = "pipeline"

	// PatternDebate has all workers propose in parallel, then a
	// critic evaluates the proposals.
	PatternDebate SwarmPattern = "debate"

	// PatternReviewLoop alternates builder and reviewer up to K
	// rounds, terminating early on approval.
	PatternReviewLoop SwarmPattern = "review_loop"
)

// ReviewApprovalMarker is the token a reviewer includes to approve.
const ReviewApprovalMarker = "APPROVED"

// SwarmWorker executes one swarm role. index distinguishes peers with
// the same role.
type SwarmWorker func(ctx context.Context, role models.AgentRole, index int, task, peerContext string) (string, error)

// SwarmConfig parameterizes a launch.
type SwarmConfig struct {
	Task      string
	Pattern   SwarmPattern
	MaxAgents int
	Timeout   time.Duration

	// MaxRounds bounds review_loop iterations.
	MaxRounds int
}

// SwarmStatus tracks one swarm execution.
type SwarmStatus struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Pattern   SwarmPattern `json:"pattern"`
	Task      string       `json:"task"`
	State     string       `json:"state"` // running | completed | failed | cancelled
	Result    string       `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitzero"`
}

// SwarmManager launches and tracks swarms.
type SwarmManager struct {
	worker  SwarmWorker
	mailbox *Mailbox
	publish Publisher
	logger  *slog.Logger

	mu      sync.RWMutex
	swarms  map[string]*swarmHandle
}

type swarmHandle struct {
	status SwarmStatus
	cancel context.CancelFunc
}

// NewSwarmManager creates a swarm manager.
func NewSwarmManager(worker SwarmWorker, publish Publisher, logger *slog.Logger) *SwarmManager {
	if logger == nil {
		logger = slog.Default()
	}
	if publish == nil {
		publish = func(string, map[string]any) {}
	}
	return &SwarmManager{
		worker:  worker,
		mailbox: NewMailbox(),
		publish: publish,
		logger:  logger.With("component", "swarm"),
		swarms:  make(map[string]*swarmHandle),
	}
}

// Mailbox exposes the shared mailbox (for tests and inspection).
func (m *SwarmManager) Mailbox() *Mailbox { return m.mailbox }

// Launch starts a swarm asynchronously and returns its ID.
func (m *SwarmManager) Launch(ctx context.Context, sessionID string, config SwarmConfig) (string, error) {
	if strings.TrimSpace(config.Task) == "" {
		return "", fmt.Errorf("swarm task is required")
	}
	switch config.Pattern {
	case PatternParallel, PatternPipeline, PatternDebate, PatternReviewLoop:
	case "":
		config.Pattern = PatternParallel
	default:
		return "", fmt.Errorf("unknown swarm pattern %q", config.Pattern)
	}
	if config.MaxAgents <= 0 {
		config.MaxAgents = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = 3
	}

	swarmID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.Timeout)

	handle := &swarmHandle{
		status: SwarmStatus{
			ID:        swarmID,
			SessionID: sessionID,
			Pattern:   config.Pattern,
			Task:      config.Task,
			State:     "running",
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	m.mu.Lock()
	m.swarms[swarmID] = handle
	m.mu.Unlock()

	m.publish("swarm_started", map[string]any{
		"session_id": sessionID,
		"swarm_id":   swarmID,
		"pattern":    string(config.Pattern),
	})

	go func() {
		defer cancel()
		result, err := m.run(runCtx, swarmID, sessionID, config)
		m.finish(swarmID, sessionID, result, err)
	}()

	return swarmID, nil
}

// Run executes a swarm synchronously and returns its result.
func (m *SwarmManager) Run(ctx context.Context, sessionID string, config SwarmConfig) (string, error) {
	swarmID, err := m.Launch(ctx, sessionID, config)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Cancel(swarmID)
			return "", ctx.Err()
		case <-ticker.C:
			status, ok := m.Get(swarmID)
			if !ok {
				return "", fmt.Errorf("swarm %s vanished", swarmID)
			}
			switch status.State {
			case "completed":
				return status.Result, nil
			case "failed":
				return "", fmt.Errorf("swarm failed: %s", status.Error)
			case "cancelled":
				return "", fmt.Errorf("swarm cancelled")
			}
		}
	}
}

func (m *SwarmManager) run(ctx context.Context, swarmID, sessionID string, config SwarmConfig) (string, error) {
	switch config.Pattern {
	case PatternParallel:
		return m.runParallel(ctx, swarmID, sessionID, config)
	case PatternPipeline:
		return m.runPipeline(ctx, swarmID, sessionID, config)
	case PatternDebate:
		return m.runDebate(ctx, swarmID, sessionID, config)
	case PatternReviewLoop:
		return m.runReviewLoop(ctx, swarmID, sessionID, config)
	default:
		return "", fmt.Errorf("unknown pattern %q", config.Pattern)
	}
}

// runParallel: workers run concurrently without reading the mailbox;
// a synthesizer merges their posted outputs.
func (m *SwarmManager) runParallel(ctx context.Context, swarmID, sessionID string, config SwarmConfig) (string, error) {
	workers := config.MaxAgents
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.callWorker(ctx, swarmID, sessionID, models.RoleImplementer, i, config.Task, "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}
	for i, result := range results {
		m.mailbox.Post(swarmID, fmt.Sprintf("implementer-%d", i), result)
	}

	return m.callWorker(ctx, swarmID, sessionID, models.RoleSynthesizer, 0, config.Task, m.mailbox.BuildContext(swarmID))
}

// runPipeline: strict sequence, each worker reads its predecessor's
// posted output.
func (m *SwarmManager) runPipeline(ctx context.Context, swarmID, sessionID string, config SwarmConfig) (string, error) {
	var last string
	for i := 0; i < config.MaxAgents; i++ {
		peerContext := ""
		if i > 0 {
			peerContext = m.mailbox.BuildContext(swarmID)
		}
		result, err := m.callWorker(ctx, swarmID, sessionID, models.RoleImplementer, i, config.Task, peerContext)
		if err != nil {
			return "", err
		}
		m.mailbox.Post(swarmID, fmt.Sprintf("implementer-%d", i), result)
		last = result
	}
	return last, nil
}

// runDebate: workers propose in parallel, a critic evaluates.
func (m *SwarmManager) runDebate(ctx context.Context, swarmID, sessionID string, config SwarmConfig) (string, error) {
	proposers := config.MaxAgents
	results := make([]string, proposers)
	errs := make([]error, proposers)

	var wg sync.WaitGroup
	for i := 0; i < proposers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.callWorker(ctx, swarmID, sessionID, models.RoleImplementer, i, config.Task, "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}
	for i, result := range results {
		m.mailbox.Post(swarmID, fmt.Sprintf("proposer-%d", i), result)
	}

	critique := "Evaluate the peer proposals and select or synthesize the best answer.\n\n" + config.Task
	return m.callWorker(ctx, swarmID, sessionID, models.RoleReviewer, 0, critique, m.mailbox.BuildContext(swarmID))
}

// runReviewLoop: builder and reviewer alternate up to MaxRounds;
// terminates when the reviewer approves.
func (m *SwarmManager) runReviewLoop(ctx context.Context, swarmID, sessionID string, config SwarmConfig) (string, error) {
	var lastBuild string
	for round := 0; round < config.MaxRounds; round++ {
		peerContext := ""
		if round > 0 {
			peerContext = m.mailbox.BuildContext(swarmID)
		}
		build, err := m.callWorker(ctx, swarmID, sessionID, models.RoleBuilder, round, config.Task, peerContext)
		if err != nil {
			return "", err
		}
		m.mailbox.Post(swarmID, fmt.Sprintf("builder-%d", round), build)
		lastBuild = build

		review, err := m.callWorker(ctx, swarmID, sessionID, models.RoleReviewer, round, config.Task, m.mailbox.BuildContext(swarmID))
		if err != nil {
			return "", err
		}
		m.mailbox.Post(swarmID, fmt.Sprintf("reviewer-%d", round), review)

		if strings.Contains(review, ReviewApprovalMarker) {
			return build, nil
		}
	}
	// Rounds exhausted: the last build stands.
	return lastBuild, nil
}

func (m *SwarmManager) callWorker(ctx context.Context, swarmID, sessionID string, role models.AgentRole, index int, task, peerContext string) (result string, err error) {
	agentID := fmt.Sprintf("%s-%d", role, index)
	m.publish("agent_started", map[string]any{
		"session_id": sessionID,
		"swarm_id":   swarmID,
		"agent":      agentID,
	})
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("swarm worker panicked: %v", p)
		}
		topic := "agent_completed"
		if err != nil {
			topic = "agent_failed"
		}
		m.publish(topic, map[string]any{
			"session_id": sessionID,
			"swarm_id":   swarmID,
			"agent":      agentID,
		})
	}()
	return m.worker(ctx, role, index, task, peerContext)
}

// finish records the terminal state and clears the mailbox.
func (m *SwarmManager) finish(swarmID, sessionID, result string, err error) {
	m.mu.Lock()
	handle, ok := m.swarms[swarmID]
	if ok {
		handle.status.EndedAt = time.Now()
		if err != nil {
			handle.status.State = "failed"
			handle.status.Error = err.Error()
		} else {
			handle.status.State = "completed"
			handle.status.Result = result
		}
	}
	m.mu.Unlock()

	m.mailbox.Clear(swarmID)

	topic := "swarm_completed"
	if err != nil {
		topic = "swarm_failed"
	}
	m.publish(topic, map[string]any{
		"session_id": sessionID,
		"swarm_id":   swarmID,
	})
}

// Get returns a swarm's status.
func (m *SwarmManager) Get(swarmID string) (SwarmStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.swarms[swarmID]
	if !ok {
		return SwarmStatus{}, false
	}
	return handle.status, true
}

// List returns all swarm statuses, newest first.
func (m *SwarmManager) List() []SwarmStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SwarmStatus, 0, len(m.swarms))
	for _, handle := range m.swarms {
		out = append(out, handle.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops a running swarm.
func (m *SwarmManager) Cancel(swarmID string) bool {
	m.mu.Lock()
	handle, ok := m.swarms[swarmID]
	if ok && handle.status.State == "running" {
		handle.status.State = "cancelled"
		handle.status.EndedAt = time.Now()
		handle.cancel()
	}
	m.mu.Unlock()
	if ok {
		m.mailbox.Clear(swarmID)
	}
	return ok
}
