// Package gateway exposes the agent core over HTTP: the JSON API, the
// per-session SSE stream, Prometheus metrics, and request-integrity
// auth.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/internal/budget"
	"github.com/osa-ai/osa/internal/bus"
	"github.com/osa-ai/osa/internal/commands"
	"github.com/osa-ai/osa/internal/config"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/multiagent"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/sidecar"
	"github.com/osa-ai/osa/internal/signal"
)

// ServerDeps wires the HTTP surface to the core runtime.
type ServerDeps struct {
	Config       *config.Config
	Version      string
	Loop         *agent.Loop
	Classifier   *signal.Classifier
	Registry     *agent.ToolRegistry
	Sessions     sessions.Store
	Memory       *memory.Store
	Orchestrator *multiagent.Orchestrator
	Swarms       *multiagent.SwarmManager
	Commands     *commands.Registry
	Budget       *budget.Tracker
	Sidecars     *sidecar.Manager
	Bus          *bus.Bus
	Logger       *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	deps   ServerDeps
	auth   *Authenticator
	bus    *bus.Bus
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the gateway.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		bus:    deps.Bus,
		logger: logger.With("component", "gateway"),
	}
	if deps.Config != nil && deps.Config.RequireAuth && deps.Config.SharedSecret != "" {
		s.auth = NewAuthenticator(deps.Config.SharedSecret)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/orchestrate", s.handleOrchestrate)
	api.HandleFunc("POST /api/v1/classify", s.handleClassify)
	api.HandleFunc("POST /api/v1/orchestrate/complex", s.handleOrchestrateComplex)
	api.HandleFunc("GET /api/v1/orchestrate/{task_id}/progress", s.handleOrchestrateProgress)
	api.HandleFunc("POST /api/v1/swarm/launch", s.handleSwarmLaunch)
	api.HandleFunc("GET /api/v1/swarm", s.handleSwarmList)
	api.HandleFunc("GET /api/v1/swarm/{id}", s.handleSwarmGet)
	api.HandleFunc("DELETE /api/v1/swarm/{id}", s.handleSwarmCancel)
	api.HandleFunc("POST /api/v1/tools/{name}/execute", s.handleToolExecute)
	api.HandleFunc("GET /api/v1/sessions", s.handleSessionList)
	api.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionGet)
	api.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleSessionMessages)
	api.HandleFunc("GET /api/v1/commands", s.handleCommandList)
	api.HandleFunc("POST /api/v1/commands/execute", s.handleCommandExecute)
	api.HandleFunc("POST /api/v1/memory", s.handleMemoryStore)
	api.HandleFunc("GET /api/v1/memory/recall", s.handleMemoryRecall)
	api.HandleFunc("POST /api/v1/stream/token", s.handleStreamToken)
	api.HandleFunc("GET /api/v1/sidecars", s.handleSidecarList)

	var apiHandler http.Handler = api
	if s.auth != nil {
		apiHandler = s.auth.Middleware(api)
	}
	mux.Handle("/api/", apiHandler)

	// The SSE stream authenticates via stream tokens, not signatures.
	mux.HandleFunc("GET /api/v1/stream/{session_id}", s.handleStream)

	return mux
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	port := 8089
	if s.deps.Config != nil && s.deps.Config.HTTPPort != 0 {
		port = s.deps.Config.HTTPPort
	}
	addr := fmt.Sprintf(":%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
