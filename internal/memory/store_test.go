package memory

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), DefaultFileName), nil)
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Please fix the flaky deploy pipeline, the deploy keeps failing!")
	want := []string{"fix", "flaky", "deploy", "pipeline", "keeps", "failing"}
	if len(got) != len(want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("keywords[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	s := NewStore(path, nil)

	entry, err := s.Append(models.MemoryEntry{
		Category:   models.MemoryDecision,
		Content:    "Chose sqlite for the session index",
		Importance: 0.8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID == "" || len(entry.Keywords) == 0 {
		t.Fatalf("entry not normalized: %+v", entry)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# Decisions") {
		t.Error("document missing category section")
	}

	reloaded := NewStore(path, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get(entry.ID)
	if !ok {
		t.Fatal("entry lost on reload")
	}
	if got.Content != entry.Content || got.Category != models.MemoryDecision {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if reloaded.index.KeywordCount() == 0 {
		t.Error("index not rebuilt on load")
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(models.MemoryEntry{Category: "vibes", Content: "x"}); err == nil {
		t.Error("invalid category accepted")
	}
	if _, err := s.Append(models.MemoryEntry{Category: models.MemoryFact, Content: "  "}); err == nil {
		t.Error("empty content accepted")
	}
}

func TestRecallScoringFormula(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// Full keyword overlap, fresh, importance 1.0 => score 1.0.
	if _, err := s.Append(models.MemoryEntry{
		ID:         "perfect",
		Category:   models.MemoryFact,
		Content:    "deploy pipeline",
		Keywords:   []string{"deploy", "pipeline"},
		Importance: 1.0,
		CreatedAt:  now,
	}); err != nil {
		t.Fatal(err)
	}
	// Half overlap, 7 days old, importance 0.5.
	if _, err := s.Append(models.MemoryEntry{
		ID:         "partial",
		Category:   models.MemoryFact,
		Content:    "pipeline hygiene",
		Keywords:   []string{"pipeline", "hygiene"},
		Importance: 0.5,
		CreatedAt:  now.Add(-7 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	got := s.RecallRelevantAt("deploy pipeline", 1000, now, nil)
	if len(got) != 2 {
		t.Fatalf("recall returned %d entries, want 2", len(got))
	}
	if got[0].Entry.ID != "perfect" {
		t.Fatalf("best entry = %s, want perfect", got[0].Entry.ID)
	}
	if math.Abs(got[0].Score-1.0) > 1e-9 {
		t.Errorf("perfect score = %f, want 1.0", got[0].Score)
	}
	// 0.5*0.5 + 0.3*0.5 + 0.2*0.5 = 0.5 at exactly one half-life.
	if math.Abs(got[1].Score-0.5) > 1e-9 {
		t.Errorf("partial score = %f, want 0.5", got[1].Score)
	}
}

func TestRecallRespectsTokenBudget(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Append(models.MemoryEntry{
			Category: models.MemoryFact,
			Content:  "deploy pipeline note number " + string(rune('a'+i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	estimate := func(string) int { return 10 }
	got := s.RecallRelevantAt("deploy pipeline", 25, time.Now(), estimate)
	if len(got) != 2 {
		t.Errorf("recall returned %d entries under 25-token budget, want 2", len(got))
	}
}

func TestRecallNoKeywords(t *testing.T) {
	s := newTestStore(t)
	if got := s.RecallRelevant("the of and", 100); got != nil {
		t.Errorf("stop-word-only query returned %v", got)
	}
}

func TestCompactCoalescesDuplicates(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append(models.MemoryEntry{
		ID: "keep", Category: models.MemoryPattern,
		Content:  "retry transient provider failures with backoff",
		Keywords: []string{"retry", "transient", "provider", "failures", "backoff"},
		Importance: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(models.MemoryEntry{
		ID: "dup", Category: models.MemoryPattern,
		Content:  "retry transient provider failures using backoff",
		Keywords: []string{"retry", "transient", "provider", "failures"},
		Importance: 0.4,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(models.MemoryEntry{
		ID: "other", Category: models.MemoryPattern,
		Content:  "cache signal classifications for ten minutes",
		Keywords: []string{"cache", "signal", "classifications", "minutes"},
		Importance: 0.5,
	}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := s.Get("dup"); ok {
		t.Error("duplicate survived compaction")
	}
	if _, ok := s.Get("keep"); !ok {
		t.Error("keeper removed by compaction")
	}
	if _, ok := s.Get("other"); !ok {
		t.Error("distinct entry removed by compaction")
	}
}

func TestIndexSupersetInvariant(t *testing.T) {
	s := newTestStore(t)
	entry, err := s.Append(models.MemoryEntry{
		Category: models.MemoryFact,
		Content:  "tokenizer sidecar exposes precise counts",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, kw := range entry.Keywords {
		found := false
		for _, id := range s.index.Lookup(kw) {
			if id == entry.ID {
				found = true
			}
		}
		if !found {
			t.Errorf("keyword %q not indexed for %s", kw, entry.ID)
		}
	}
}
