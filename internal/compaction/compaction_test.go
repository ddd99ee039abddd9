package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/osa-ai/osa/pkg/models"
)

func msg(role models.Role, content string) *models.Message {
	return &models.Message{Role: role, Content: content}
}

func transcript(n int) []*models.Message {
	out := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out = append(out, msg(role, fmt.Sprintf("message number %d with some content", i)))
	}
	return out
}

func TestStateThresholds(t *testing.T) {
	c := New(DefaultThresholds(), nil)
	tests := []struct {
		utilization float64
		want        PressureState
	}{
		{0.10, StateNone},
		{0.49, StateNone},
		{0.50, StateBreakpoint},
		{0.79, StateBreakpoint},
		{0.80, StateWarning},
		{0.90, StateNeeded},
		{0.95, StateCritical},
		{1.10, StateCritical},
	}
	for _, tt := range tests {
		if got := c.StateFor(tt.utilization); got != tt.want {
			t.Errorf("StateFor(%.2f) = %s, want %s", tt.utilization, got, tt.want)
		}
	}
}

func TestZoneSplit(t *testing.T) {
	messages := transcript(45)
	hot, warm, cold := splitZones(messages)
	if len(hot) != 10 || len(warm) != 20 || len(cold) != 15 {
		t.Errorf("zones = %d/%d/%d, want 10/20/15", len(hot), len(warm), len(cold))
	}
	if hot[len(hot)-1] != messages[44] {
		t.Error("hot zone does not end at the newest message")
	}

	short := transcript(5)
	hot, warm, cold = splitZones(short)
	if len(hot) != 5 || len(warm) != 0 || len(cold) != 0 {
		t.Errorf("short transcript zones = %d/%d/%d, want 5/0/0", len(hot), len(warm), len(cold))
	}
}

func TestNoOpBelowWarning(t *testing.T) {
	c := New(DefaultThresholds(), nil)
	messages := transcript(40)

	out, state := c.Compact(context.Background(), messages, 0.55)
	if state != StateBreakpoint {
		t.Errorf("state = %s, want breakpoint", state)
	}
	if len(out) != len(messages) {
		t.Error("breakpoint state must not modify messages")
	}
}

func TestWarningMergesAdjacentSameRoleInWarm(t *testing.T) {
	c := New(DefaultThresholds(), nil)

	// 20 warm + 10 hot; warm is messages 0-19. Make warm pairs of
	// same-role messages so they merge.
	var messages []*models.Message
	for i := 0; i < 20; i++ {
		role := models.RoleUser
		if (i/2)%2 == 1 {
			role = models.RoleAssistant
		}
		messages = append(messages, msg(role, fmt.Sprintf("warm %d", i)))
	}
	messages = append(messages, transcript(10)...)

	out, state := c.Compact(context.Background(), messages, 0.85)
	if state != StateWarning {
		t.Fatalf("state = %s, want warning", state)
	}
	// 20 warm messages in same-role pairs merge to 10; hot untouched.
	if len(out) != 20 {
		t.Errorf("len = %d, want 20 (10 merged warm + 10 hot)", len(out))
	}
	if !strings.Contains(out[0].Content, "warm 0\nwarm 1") {
		t.Errorf("first warm message not merged: %q", out[0].Content)
	}
}

func TestMergeNeverTouchesToolMessages(t *testing.T) {
	toolMsg := &models.Message{Role: models.RoleTool, Content: "result a", ToolCallID: "t1"}
	toolMsg2 := &models.Message{Role: models.RoleTool, Content: "result b", ToolCallID: "t2"}
	out := mergeAdjacentSameRole([]*models.Message{toolMsg, toolMsg2})
	if len(out) != 2 {
		t.Error("tool messages were merged")
	}
}

func TestNeededSummarizesWarmGroups(t *testing.T) {
	summarizeCalls := 0
	c := New(DefaultThresholds(), nil, WithSummarizer(func(ctx context.Context, group []*models.Message) (string, error) {
		summarizeCalls++
		return fmt.Sprintf("summary of %d messages", len(group)), nil
	}))

	messages := transcript(40) // 10 cold, 20 warm, 10 hot

	out, state := c.Compact(context.Background(), messages, 0.92)
	if state != StateNeeded {
		t.Fatalf("state = %s, want needed", state)
	}
	if summarizeCalls != 4 {
		t.Errorf("summarizer called %d times, want 4 (20 warm / groups of 5)", summarizeCalls)
	}
	// 10 cold + 4 summaries + 10 hot.
	if len(out) != 24 {
		t.Errorf("len = %d, want 24", len(out))
	}
	foundSummary := false
	for _, m := range out {
		if m.Metadata != nil {
			if v, _ := m.Metadata["compaction_summary"].(bool); v {
				foundSummary = true
			}
		}
	}
	if !foundSummary {
		t.Error("no summary message in output")
	}
}

func TestSummarizerFailureFallsBackToKeywords(t *testing.T) {
	c := New(DefaultThresholds(), nil, WithSummarizer(func(ctx context.Context, group []*models.Message) (string, error) {
		return "", errors.New("provider unavailable")
	}))

	var warm []*models.Message
	for i := 0; i < 5; i++ {
		warm = append(warm, msg(models.RoleUser, "deployment pipeline failure investigation ongoing"))
	}
	out := c.summarizeGroups(context.Background(), warm)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1 summary", len(out))
	}
	if !strings.Contains(out[0].Content, "deployment") {
		t.Errorf("keyword fallback missing keywords: %q", out[0].Content)
	}
}

func TestNeededDropsColdToolArgs(t *testing.T) {
	c := New(DefaultThresholds(), nil)

	var messages []*models.Message
	for i := 0; i < 10; i++ {
		messages = append(messages, &models.Message{
			Role:      models.RoleAssistant,
			Content:   "calling tool",
			ToolCalls: []models.ToolCall{{ID: "t", Name: "file_read", Input: json.RawMessage(`{"path": "/very/long/path"}`)}},
		})
	}
	messages = append(messages, transcript(30)...)

	out, _ := c.Compact(context.Background(), messages, 0.92)
	cold := out[:10]
	for _, m := range cold {
		if len(m.ToolCalls) > 0 && m.ToolCalls[0].Input != nil {
			t.Fatal("cold tool call still carries argument body")
		}
		if len(m.ToolCalls) > 0 && m.ToolCalls[0].Name != "file_read" {
			t.Fatal("tool name lost")
		}
	}
}

func TestCriticalCompressesCold(t *testing.T) {
	c := New(DefaultThresholds(), nil)
	messages := transcript(50) // 20 cold, 20 warm, 10 hot

	out, state := c.Compact(context.Background(), messages, 0.97)
	if state != StateCritical {
		t.Fatalf("state = %s, want critical", state)
	}
	// Cold halves to 10 bullets, warm folds to 4 summaries, hot 10.
	if len(out) != 24 {
		t.Errorf("len = %d, want 24", len(out))
	}
	if !strings.HasPrefix(out[0].Content, "•") {
		t.Errorf("cold message not bulleted: %q", out[0].Content)
	}
}

func TestImportanceAdjustments(t *testing.T) {
	toolMsg := &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{Name: "x"}}}
	if got := Importance(toolMsg); got != 1.0 {
		t.Errorf("tool message importance = %f, want 1.0", got)
	}
	ack := msg(models.RoleUser, "ok")
	if got := Importance(ack); got != 0.0 {
		t.Errorf("ack importance = %f, want 0.0", got)
	}
	normal := msg(models.RoleUser, "explain the deploy failure")
	if got := Importance(normal); got != 0.5 {
		t.Errorf("normal importance = %f, want 0.5", got)
	}
}

func TestRetainByImportanceKeepsOrder(t *testing.T) {
	messages := []*models.Message{
		msg(models.RoleUser, "ok"),
		{Role: models.RoleAssistant, Content: "tool", ToolCalls: []models.ToolCall{{Name: "x"}}},
		msg(models.RoleUser, "real question about the system"),
		msg(models.RoleUser, "thanks"),
	}
	out := retainByImportance(messages, 2)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if len(out[0].ToolCalls) == 0 || out[1].Content != "real question about the system" {
		t.Errorf("wrong retention: %v, %v", out[0].Content, out[1].Content)
	}
}
