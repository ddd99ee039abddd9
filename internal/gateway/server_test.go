package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/internal/bus"
	"github.com/osa-ai/osa/internal/commands"
	"github.com/osa-ai/osa/internal/config"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/multiagent"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/sidecar"
	"github.com/osa-ai/osa/internal/signal"
	"github.com/osa-ai/osa/pkg/models"
)

type scriptedProvider struct {
	text string
}

func (p *scriptedProvider) Name() string             { return "scripted" }
func (p *scriptedProvider) ContextLimit(string) int  { return 200000 }
func (p *scriptedProvider) Capacity(string) int      { return 100 }

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 4)
	go func() {
		defer close(ch)
		ch <- &agent.CompletionChunk{Text: p.text}
		ch <- &agent.CompletionChunk{Usage: &models.TokenUsage{Prompt: 10, Completion: 5}}
	}()
	return ch, nil
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}

	store := sessions.NewMemoryStore()
	b := bus.New(nil)
	provider := &scriptedProvider{text: "hello from the agent"}
	registry := agent.NewToolRegistry()
	loop := agent.NewLoop(agent.Deps{
		Provider: provider,
		Registry: registry,
		Sessions: store,
		Bus:      b,
	}, agent.DefaultLoopConfig())

	worker := func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		return "done: " + task.ID, nil
	}
	swarmWorker := func(ctx context.Context, role models.AgentRole, index int, task, peerContext string) (string, error) {
		return "swarm output", nil
	}

	cmdReg := commands.NewRegistry()
	commands.RegisterBuiltins(cmdReg, commands.BuiltinDeps{Version: "test", Provider: "scripted"})

	memStore := memory.NewStore(t.TempDir()+"/MEMORY.md", nil)

	return NewServer(ServerDeps{
		Config:       cfg,
		Version:      "test",
		Loop:         loop,
		Classifier:   signal.New(signal.Config{}, nil),
		Registry:     registry,
		Sessions:     store,
		Memory:       memStore,
		Orchestrator: multiagent.NewOrchestrator(worker, nil, nil),
		Swarms:       multiagent.NewSwarmManager(swarmWorker, nil, nil),
		Commands:     cmdReg,
		Sidecars:     sidecar.NewManager(nil),
		Bus:          b,
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/classify",
		strings.NewReader(`{"message": "hey", "channel": "cli"}`))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Signal models.Signal `json:"signal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Signal.Genre != models.GenreExpress || body.Signal.Weight >= 0.2 {
		t.Errorf("signal = %+v", body.Signal)
	}
}

func TestOrchestrateEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/orchestrate",
		strings.NewReader(`{"input": "say hello"}`))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var result agent.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Output != "hello from the agent" || result.SessionID == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestComplexBlockingOrchestration(t *testing.T) {
	server := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/orchestrate/complex",
		strings.NewReader(`{"task": "ship it", "blocking": true}`))
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		TaskID string        `json:"task_id"`
		Tasks  []models.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tasks) != 3 {
		t.Fatalf("tasks = %d, want research/implement/review", len(body.Tasks))
	}
	for _, task := range body.Tasks {
		if task.Status != models.TaskCompleted {
			t.Errorf("task %s = %s", task.ID, task.Status)
		}
	}

	// Progress endpoint sees the finished run.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/orchestrate/"+body.TaskID+"/progress", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
}

func TestCommandsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/commands/execute",
		strings.NewReader(`{"command": "/status"}`))
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "scripted") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMemoryEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/memory",
		strings.NewReader(`{"category": "fact", "content": "deploys run on fridays"}`))
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("store status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/memory/recall?q=deploys", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("recall status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fridays") {
		t.Errorf("recall body = %s", rec.Body.String())
	}
}

func TestAuthRejectsUnsignedRequests(t *testing.T) {
	cfg := config.Default()
	cfg.RequireAuth = true
	cfg.SharedSecret = "test-secret"
	server := newTestServer(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/classify",
		strings.NewReader(`{"message": "hello"}`))
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request status = %d, want 401", rec.Code)
	}

	// Health stays open.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func signedRequest(t *testing.T, secret, method, path, body string) *http.Request {
	t.Helper()
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := fmt.Sprintf("nonce-%d", time.Now().UnixNano())
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign([]byte(secret), timestamp, nonce, []byte(body)))
	return req
}

func TestAuthAcceptsSignedRequests(t *testing.T) {
	cfg := config.Default()
	cfg.RequireAuth = true
	cfg.SharedSecret = "test-secret"
	server := newTestServer(t, cfg)

	req := signedRequest(t, "test-secret", "POST", "/api/v1/classify", `{"message": "run the deploy"}`)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAuthRejectsReplayedNonce(t *testing.T) {
	auth := NewAuthenticator("secret")
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	body := []byte(`{}`)
	sig := Sign([]byte("secret"), timestamp, "nonce-1", body)

	make := func() *http.Request {
		req := httptest.NewRequest("POST", "/x", bytes.NewReader(body))
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderNonce, "nonce-1")
		req.Header.Set(HeaderSignature, sig)
		return req
	}

	if _, err := auth.verify(make()); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if _, err := auth.verify(make()); err == nil {
		t.Fatal("replayed nonce accepted")
	}
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	auth := NewAuthenticator("secret")
	timestamp := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	body := []byte(`{}`)
	req := httptest.NewRequest("POST", "/x", bytes.NewReader(body))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, "n")
	req.Header.Set(HeaderSignature, Sign([]byte("secret"), timestamp, "n", body))

	if _, err := auth.verify(req); err == nil {
		t.Fatal("stale timestamp accepted")
	}
}

func TestStreamTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret")
	token, err := auth.MintStreamToken("session-9")
	if err != nil {
		t.Fatal(err)
	}
	sessionID, err := auth.VerifyStreamToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if sessionID != "session-9" {
		t.Errorf("session = %q", sessionID)
	}

	other := NewAuthenticator("different-secret")
	if _, err := other.VerifyStreamToken(token); err == nil {
		t.Error("token verified under wrong secret")
	}
}

func TestSSEStreamDeliversSessionEvents(t *testing.T) {
	server := newTestServer(t, nil)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/stream/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Give the subscription a moment to attach, then publish.
	time.Sleep(50 * time.Millisecond)
	server.bus.Publish(bus.TopicAgentResponse, map[string]any{
		"session_id": "s1",
		"output":     "streamed hello",
	})
	server.bus.Publish(bus.TopicAgentResponse, map[string]any{
		"session_id": "other",
		"output":     "not for us",
	})

	reader := bufio.NewReader(resp.Body)
	type line struct {
		text string
		err  error
	}
	lines := make(chan line, 10)
	go func() {
		for {
			text, err := reader.ReadString('\n')
			lines <- line{text, err}
			if err != nil {
				return
			}
		}
	}()

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case l := <-lines:
			if l.err != nil {
				t.Fatalf("read: %v (got %v)", l.err, got)
			}
			if strings.TrimSpace(l.text) != "" {
				got = append(got, strings.TrimSpace(l.text))
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", got)
		}
	}

	if got[0] != "event: agent_response" {
		t.Errorf("first line = %q", got[0])
	}
	if !strings.Contains(got[1], "streamed hello") || !strings.Contains(got[1], "session_id") {
		t.Errorf("data line = %q", got[1])
	}
}
