package multiagent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

func TestComputeWavesAssignsLevels(t *testing.T) {
	tasks, err := ComputeWaves([]TaskSpec{
		{ID: "t1", Description: "a"},
		{ID: "t2", Description: "b"},
		{ID: "t3", Description: "c", DependsOn: []string{"t1", "t2"}},
		{ID: "t4", Description: "d", DependsOn: []string{"t3"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	waves := map[string]int{}
	for _, task := range tasks {
		waves[task.ID] = task.Wave
	}
	want := map[string]int{"t1": 1, "t2": 1, "t3": 2, "t4": 3}
	for id, wave := range want {
		if waves[id] != wave {
			t.Errorf("wave(%s) = %d, want %d", id, waves[id], wave)
		}
	}
}

func TestCycleRejectedBeforeExecution(t *testing.T) {
	_, err := ComputeWaves([]TaskSpec{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("err = %v, want cycle detection", err)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	_, err := ComputeWaves([]TaskSpec{{ID: "a", DependsOn: []string{"ghost"}}})
	if err == nil {
		t.Fatal("unknown dependency accepted")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	_, err := ComputeWaves([]TaskSpec{{ID: "a"}, {ID: "a"}})
	if err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestWaveOrderingUpstreamTerminalFirst(t *testing.T) {
	var mu sync.Mutex
	finished := map[string]time.Time{}
	started := map[string]time.Time{}

	worker := func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		mu.Lock()
		started[task.ID] = time.Now()
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		finished[task.ID] = time.Now()
		mu.Unlock()
		return "done " + task.ID, nil
	}

	o := NewOrchestrator(worker, nil, nil)
	run, err := o.Admit([]TaskSpec{
		{ID: "t1"}, {ID: "t2"},
		{ID: "t3", DependsOn: []string{"t1", "t2"}},
	}, "s1")
	if err != nil {
		t.Fatal(err)
	}

	final, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range final {
		if task.Status != models.TaskCompleted {
			t.Errorf("task %s status = %s", task.ID, task.Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, up := range []string{"t1", "t2"} {
		if !finished[up].Before(started["t3"]) && finished[up] != started["t3"] {
			if started["t3"].Before(finished[up]) {
				t.Errorf("t3 started before %s finished", up)
			}
		}
	}
}

func TestUpstreamFailurePropagation(t *testing.T) {
	var executed sync.Map
	worker := func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		executed.Store(task.ID, true)
		if task.ID == "t1" {
			return "", errors.New("t1 exploded")
		}
		return "ok", nil
	}

	o := NewOrchestrator(worker, nil, nil)
	run, err := o.Admit([]TaskSpec{
		{ID: "t1"}, {ID: "t2"},
		{ID: "t3", DependsOn: []string{"t1"}},
	}, "s1")
	if err != nil {
		t.Fatal(err)
	}

	final, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}

	status := map[string]models.Task{}
	for _, task := range final {
		status[task.ID] = task
	}

	if status["t1"].Status != models.TaskFailed {
		t.Error("t1 should fail")
	}
	if status["t2"].Status != models.TaskCompleted {
		t.Error("independent t2 should still run")
	}
	if status["t3"].Status != models.TaskFailed || status["t3"].Error != "upstream_failure" {
		t.Errorf("t3 = %+v, want upstream_failure", status["t3"])
	}
	if _, ran := executed.Load("t3"); ran {
		t.Error("t3 executed despite failed upstream")
	}
}

func TestDownstreamSeesUpstreamResults(t *testing.T) {
	worker := func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		if task.ID == "t2" {
			if !strings.Contains(peerContext, "Result of t1: forty-two") {
				return "", errors.New("missing upstream context: " + peerContext)
			}
		}
		return "forty-two", nil
	}

	o := NewOrchestrator(worker, nil, nil)
	run, err := o.Admit([]TaskSpec{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
	}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	final, err := o.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range final {
		if task.Status != models.TaskCompleted {
			t.Errorf("task %s failed: %s", task.ID, task.Error)
		}
	}
}

func TestOrchestratorEvents(t *testing.T) {
	var mu sync.Mutex
	var topics []string
	publish := func(topic string, payload map[string]any) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
		if payload["session_id"] != "s1" {
			t.Errorf("event %s missing session_id: %v", topic, payload)
		}
	}

	worker := func(ctx context.Context, task *models.Task, rolePrompt, peerContext string) (string, error) {
		return "ok", nil
	}
	o := NewOrchestrator(worker, publish, nil)
	run, _ := o.Admit([]TaskSpec{{ID: "t1"}}, "s1")
	if _, err := o.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(topics, ",")
	for _, want := range []string{"wave_started", "task_started", "agent_started", "task_completed", "agent_completed"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing event %s in %v", want, topics)
		}
	}
}
