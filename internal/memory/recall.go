package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/osa-ai/osa/pkg/models"
)

// Relevance scoring weights. Tests pin these values.
const (
	overlapWeight    = 0.5
	recencyWeight    = 0.3
	importanceWeight = 0.2

	// recencyHalfLife halves an entry's recency score every 7 days.
	recencyHalfLife = 7 * 24 * time.Hour
)

// TokenEstimator converts text to an approximate token count. The
// context assembler supplies its estimator so recall budgets line up
// with prompt budgets.
type TokenEstimator func(text string) int

// defaultEstimate approximates tokens as ceil(words * 4/3).
func defaultEstimate(text string) int {
	words := len(strings.Fields(text))
	return (words*4 + 2) / 3
}

// Scored pairs an entry with its relevance score.
type Scored struct {
	Entry models.MemoryEntry
	Score float64
}

// RecallRelevant returns the entries most relevant to the query, best
// first, bounded by maxTokens of content. The query is tokenized, stop
// words removed, and posting lists consulted; candidates are scored by
// 0.5*keyword_overlap + 0.3*recency_decay + 0.2*importance.
func (s *Store) RecallRelevant(query string, maxTokens int) []Scored {
	return s.RecallRelevantAt(query, maxTokens, time.Now(), nil)
}

// RecallRelevantAt is RecallRelevant with an explicit reference time
// and token estimator. Tests use it to pin the scoring formula.
func (s *Store) RecallRelevantAt(query string, maxTokens int, now time.Time, estimate TokenEstimator) []Scored {
	if estimate == nil {
		estimate = defaultEstimate
	}
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}

	s.mu.RLock()
	counts := s.index.Candidates(keywords)
	candidates := make([]models.MemoryEntry, 0, len(counts))
	overlaps := make(map[string]float64, len(counts))
	for id, matched := range counts {
		e, ok := s.entries[id]
		if !ok {
			// Index is a superset of the store; skip stale postings.
			continue
		}
		candidates = append(candidates, *e)
		overlaps[id] = float64(matched) / float64(len(keywords))
	}
	s.mu.RUnlock()

	scored := make([]Scored, 0, len(candidates))
	for _, e := range candidates {
		score := overlapWeight*overlaps[e.ID] +
			recencyWeight*recencyDecay(now.Sub(e.CreatedAt)) +
			importanceWeight*clamp01(e.Importance)
		scored = append(scored, Scored{Entry: e, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.ID < scored[j].Entry.ID
	})

	var out []Scored
	budget := maxTokens
	for _, sc := range scored {
		cost := estimate(sc.Entry.Content)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		out = append(out, sc)
	}
	return out
}

// recencyDecay maps entry age to (0,1] with a 7-day half-life.
func recencyDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(recencyHalfLife))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
