// Package learning persists episodic records of tool executions and
// consolidates them into durable patterns across sessions.
package learning

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Store owns the learning directory:
//
//	learning/episodes/YYYY-MM-DD-episodes.jsonl
//	learning/patterns.json
//	learning/solutions.json
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// Pattern is a consolidated per-tool behavior profile.
type Pattern struct {
	ToolName   string  `json:"tool_name"`
	Uses       int     `json:"uses"`
	Errors     int     `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
	AvgMS      float64 `json:"avg_ms"`
	UpdatedAt  string  `json:"updated_at"`
}

// Solution records a recovery that worked after an error.
type Solution struct {
	ToolName string `json:"tool_name"`
	Hint     string `json:"hint"`
	Count    int    `json:"count"`
}

// NewStore creates a learning store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "learning"),
	}
}

func (s *Store) episodesPath(day time.Time) string {
	return filepath.Join(s.dir, "episodes", day.UTC().Format("2006-01-02")+"-episodes.jsonl")
}

// WriteEpisode appends one episodic record to today's episode log. It
// satisfies the learning_capture hook dependency.
func (s *Store) WriteEpisode(record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.episodesPath(time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create episodes dir: %w", err)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode episode: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open episodes: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append episode: %w", err)
	}
	return nil
}

// Consolidate folds today's episodes into patterns.json and
// solutions.json. It satisfies the pattern_consolidation hook
// dependency and respects the caller's deadline.
func (s *Store) Consolidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	episodes, err := s.readEpisodes(s.episodesPath(time.Now()))
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		return nil
	}

	type agg struct {
		uses   int
		errors int
		totalMS float64
		hints  map[string]int
	}
	byTool := make(map[string]*agg)

	for _, ep := range episodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tool, _ := ep["tool_name"].(string)
		if tool == "" {
			continue
		}
		a, ok := byTool[tool]
		if !ok {
			a = &agg{hints: make(map[string]int)}
			byTool[tool] = a
		}
		a.uses++
		if isErr, _ := ep["is_error"].(bool); isErr {
			a.errors++
		}
		switch ms := ep["duration_ms"].(type) {
		case float64:
			a.totalMS += ms
		case int64:
			a.totalMS += float64(ms)
		}
		if hint, _ := ep["recovery_hint"].(string); hint != "" {
			a.hints[hint]++
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	patterns := make([]Pattern, 0, len(byTool))
	var solutions []Solution
	for tool, a := range byTool {
		rate := 0.0
		if a.uses > 0 {
			rate = float64(a.uses-a.errors) / float64(a.uses)
		}
		avg := 0.0
		if a.uses > 0 {
			avg = a.totalMS / float64(a.uses)
		}
		patterns = append(patterns, Pattern{
			ToolName:    tool,
			Uses:        a.uses,
			Errors:      a.errors,
			SuccessRate: rate,
			AvgMS:       avg,
			UpdatedAt:   now,
		})
		for hint, count := range a.hints {
			solutions = append(solutions, Solution{ToolName: tool, Hint: hint, Count: count})
		}
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].ToolName < patterns[j].ToolName })
	sort.Slice(solutions, func(i, j int) bool {
		if solutions[i].ToolName != solutions[j].ToolName {
			return solutions[i].ToolName < solutions[j].ToolName
		}
		return solutions[i].Count > solutions[j].Count
	})

	if err := s.writeJSON("patterns.json", patterns); err != nil {
		return err
	}
	if err := s.writeJSON("solutions.json", solutions); err != nil {
		return err
	}
	s.logger.Debug("consolidated episodes", "tools", len(patterns), "episodes", len(episodes))
	return nil
}

// Patterns loads the consolidated pattern file.
func (s *Store) Patterns() ([]Pattern, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "patterns.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Pattern
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	return out, nil
}

func (s *Store) readEpisodes(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open episodes: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			// Torn trailing line after a crash; skip it.
			continue
		}
		out = append(out, record)
	}
	return out, scanner.Err()
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name), data, 0o644)
}
