package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/internal/multiagent"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	provider := ""
	model := ""
	if s.deps.Config != nil {
		provider = s.deps.Config.DefaultProvider
		if p, ok := s.deps.Config.Providers[provider]; ok {
			model = p.Model
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.deps.Version,
		"provider": provider,
		"model":    model,
	})
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input     string `json:"input"`
		SessionID string `json:"session_id"`
		Channel   string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("input is required"))
		return
	}
	if req.Channel == "" {
		req.Channel = "http"
	}

	result, err := s.deps.Loop.RunTurn(r.Context(), agent.TurnRequest{
		SessionID: req.SessionID,
		Channel:   req.Channel,
		Input:     req.Input,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrCancelled) {
			status = 499
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}
	if req.Channel == "" {
		req.Channel = "http"
	}
	sig := s.deps.Classifier.Classify(r.Context(), req.Channel, req.Message, "")
	writeJSON(w, http.StatusOK, map[string]any{"signal": sig})
}

// complexTaskSpecs maps strategy names to task decompositions.
func complexTaskSpecs(task, strategy string) []multiagent.TaskSpec {
	switch strategy {
	case "solo":
		return []multiagent.TaskSpec{
			{ID: "t1", Description: task, AgentRole: models.RoleImplementer},
		}
	case "research":
		return []multiagent.TaskSpec{
			{ID: "research", Description: "Research: " + task, AgentRole: models.RoleResearcher},
			{ID: "synthesize", Description: "Synthesize the findings for: " + task, DependsOn: []string{"research"}, AgentRole: models.RoleSynthesizer},
		}
	default:
		return []multiagent.TaskSpec{
			{ID: "research", Description: "Research what is needed for: " + task, AgentRole: models.RoleResearcher},
			{ID: "implement", Description: task, DependsOn: []string{"research"}, AgentRole: models.RoleImplementer},
			{ID: "review", Description: "Review the work for: " + task, DependsOn: []string{"implement"}, AgentRole: models.RoleReviewer},
		}
	}
}

func (s *Server) handleOrchestrateComplex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task      string `json:"task"`
		Strategy  string `json:"strategy"`
		SessionID string `json:"session_id"`
		Blocking  bool   `json:"blocking"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task is required"))
		return
	}

	run, err := s.deps.Orchestrator.Admit(complexTaskSpecs(req.Task, req.Strategy), req.SessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Blocking {
		tasks, err := s.deps.Orchestrator.Execute(r.Context(), run)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id": run.ID,
			"tasks":   tasks,
		})
		return
	}

	bgCtx := context.WithoutCancel(r.Context())
	go func() {
		if _, err := s.deps.Orchestrator.Execute(bgCtx, run); err != nil {
			s.logger.Warn("background orchestration failed", "run_id", run.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": run.ID})
}

func (s *Server) handleOrchestrateProgress(w http.ResponseWriter, r *http.Request) {
	run, ok := s.deps.Orchestrator.Get(r.PathValue("task_id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": run.ID,
		"done":    run.Done,
		"waves":   run.Waves,
		"tasks":   run.Progress(),
	})
}

func (s *Server) handleSwarmLaunch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task      string `json:"task"`
		Pattern   string `json:"pattern"`
		MaxAgents int    `json:"max_agents"`
		TimeoutMS int    `json:"timeout_ms"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task is required"))
		return
	}

	swarmID, err := s.deps.Swarms.Launch(r.Context(), req.SessionID, multiagent.SwarmConfig{
		Task:      req.Task,
		Pattern:   multiagent.SwarmPattern(req.Pattern),
		MaxAgents: req.MaxAgents,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"swarm_id": swarmID})
}

func (s *Server) handleSwarmList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"swarms": s.deps.Swarms.List()})
}

func (s *Server) handleSwarmGet(w http.ResponseWriter, r *http.Request) {
	status, ok := s.deps.Swarms.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("swarm not found"))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSwarmCancel(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Swarms.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, fmt.Errorf("swarm not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		args = json.RawMessage(`{}`)
	}

	result, err := s.deps.Registry.Execute(r.Context(), name, args)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, agent.ErrToolNotFound):
			status = http.StatusNotFound
		case errors.Is(err, agent.ErrInvalidArguments):
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.List(r.Context(), sessions.ListOptions{
		Channel: r.URL.Query().Get("channel"),
		Limit:   50,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Sessions.GetHistory(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

func (s *Server) handleCommandList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.deps.Commands.List()})
}

func (s *Server) handleCommandExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("command is required"))
		return
	}
	out, err := s.deps.Commands.Execute(r.Context(), req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": out})
}

func (s *Server) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category   string  `json:"category"`
		Content    string  `json:"content"`
		Importance float64 `json:"importance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}
	if req.Category == "" {
		req.Category = string(models.MemoryFact)
	}
	entry, err := s.deps.Memory.Append(models.MemoryEntry{
		Category:   models.MemoryCategory(req.Category),
		Content:    req.Content,
		Importance: req.Importance,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleMemoryRecall(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	scored := s.deps.Memory.RecallRelevant(query, 2000)
	writeJSON(w, http.StatusOK, map[string]any{"memories": scored})
}

func (s *Server) handleSidecarList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sidecars": s.deps.Sidecars.Statuses()})
}
