package learning

import (
	"context"
	"testing"
)

func TestEpisodeConsolidation(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	episodes := []map[string]any{
		{"tool_name": "file_read", "is_error": false, "duration_ms": float64(10)},
		{"tool_name": "file_read", "is_error": false, "duration_ms": float64(30)},
		{"tool_name": "file_read", "is_error": true, "duration_ms": float64(20), "recovery_hint": "check the path"},
		{"tool_name": "shell_execute", "is_error": false, "duration_ms": float64(100)},
	}
	for _, ep := range episodes {
		if err := s.WriteEpisode(ep); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Consolidate(context.Background()); err != nil {
		t.Fatal(err)
	}

	patterns, err := s.Patterns()
	if err != nil {
		t.Fatal(err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}

	var fileRead Pattern
	for _, p := range patterns {
		if p.ToolName == "file_read" {
			fileRead = p
		}
	}
	if fileRead.Uses != 3 || fileRead.Errors != 1 {
		t.Errorf("file_read = %+v", fileRead)
	}
	if fileRead.SuccessRate < 0.66 || fileRead.SuccessRate > 0.67 {
		t.Errorf("success rate = %f, want ~2/3", fileRead.SuccessRate)
	}
	if fileRead.AvgMS != 20 {
		t.Errorf("avg ms = %f, want 20", fileRead.AvgMS)
	}
}

func TestConsolidateEmptyIsNoop(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	if err := s.Consolidate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if patterns, _ := s.Patterns(); patterns != nil {
		t.Error("patterns written without episodes")
	}
}
