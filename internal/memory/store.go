// Package memory provides the long-term memory store: a single
// human-readable document partitioned into category sections, backed
// by an in-memory inverted keyword index for retrieval.
package memory

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osa-ai/osa/pkg/models"
)

// DefaultFileName is the long-term memory document name.
const DefaultFileName = "MEMORY.md"

// compactOverlap is the Jaccard keyword overlap at or above which two
// entries in the same category are coalesced.
const compactOverlap = 0.8

var sectionTitles = map[models.MemoryCategory]string{
	models.MemoryDecision: "Decisions",
	models.MemoryPattern:  "Patterns",
	models.MemorySolution: "Solutions",
	models.MemoryContext:  "Context",
	models.MemoryFact:     "Facts",
}

var titleCategories = func() map[string]models.MemoryCategory {
	m := make(map[string]models.MemoryCategory, len(sectionTitles))
	for c, t := range sectionTitles {
		m[t] = c
	}
	return m
}()

// entryLineRegex parses "- 2026-01-02T15:04:05Z [id] (0.8) content".
var entryLineRegex = regexp.MustCompile(`^- (\S+) \[([^\]]+)\] \(([0-9.]+)\) (.*)$`)

// Store owns the long-term document and its inverted index. Document
// writes are serialized; reads are served from memory.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*models.MemoryEntry
	index   *InvertedIndex

	fileMu sync.Mutex
}

// NewStore creates a store persisting to path. The file is created on
// first write; an existing file is replayed into the index by Load.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    path,
		logger:  logger.With("component", "memory"),
		entries: make(map[string]*models.MemoryEntry),
		index:   NewInvertedIndex(),
	}
}

// Load replays the document from disk and rebuilds the index. A
// missing file is not an error.
func (s *Store) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open memory document: %w", err)
	}
	defer f.Close()

	entries := make(map[string]*models.MemoryEntry)
	var category models.MemoryCategory
	var current *models.MemoryEntry

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		if title, ok := strings.CutPrefix(line, "# "); ok {
			if c, ok := titleCategories[strings.TrimSpace(title)]; ok {
				category = c
			}
			current = nil
			continue
		}

		if m := entryLineRegex.FindStringSubmatch(line); m != nil && category != "" {
			createdAt, _ := time.Parse(time.RFC3339, m[1])
			importance, _ := strconv.ParseFloat(m[3], 64)
			current = &models.MemoryEntry{
				ID:         m[2],
				Category:   category,
				Content:    m[4],
				Importance: importance,
				CreatedAt:  createdAt,
			}
			entries[current.ID] = current
			continue
		}

		if current != nil {
			if kw, ok := strings.CutPrefix(strings.TrimSpace(line), "keywords:"); ok {
				for _, k := range strings.Split(kw, ",") {
					if k = strings.TrimSpace(k); k != "" {
						current.Keywords = append(current.Keywords, k)
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan memory document: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.index.Reset()
	for id, e := range entries {
		s.index.Add(id, e.Keywords)
	}
	s.mu.Unlock()

	s.logger.Info("memory document loaded", "entries", len(entries), "path", s.path)
	return nil
}

// Append stores a new entry under its category section. Keywords are
// extracted from the content when not supplied. The entry is indexed
// before the document write so the index stays a superset of the
// document.
func (s *Store) Append(entry models.MemoryEntry) (*models.MemoryEntry, error) {
	if !models.ValidMemoryCategory(entry.Category) {
		return nil, fmt.Errorf("invalid memory category %q", entry.Category)
	}
	if strings.TrimSpace(entry.Content) == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if len(entry.Keywords) == 0 {
		entry.Keywords = ExtractKeywords(entry.Content)
	}
	if entry.Importance <= 0 {
		entry.Importance = 0.5
	}
	entry.Content = strings.ReplaceAll(entry.Content, "\n", " ")

	s.mu.Lock()
	s.entries[entry.ID] = &entry
	s.index.Add(entry.ID, entry.Keywords)
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns an entry by ID.
func (s *Store) Get(id string) (*models.MemoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

// Entries returns a snapshot of all entries, newest first.
func (s *Store) Entries() []models.MemoryEntry {
	s.mu.RLock()
	out := make([]models.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compact coalesces near-duplicate entries within each category:
// pairs whose keyword sets overlap by Jaccard >= 0.8 are merged into
// the higher-importance entry, which absorbs the other's keywords.
// Returns the number of entries removed.
func (s *Store) Compact() (int, error) {
	s.mu.Lock()

	byCategory := make(map[models.MemoryCategory][]*models.MemoryEntry)
	for _, e := range s.entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	removed := 0
	for _, group := range byCategory {
		sort.Slice(group, func(i, j int) bool { return group[i].Importance > group[j].Importance })
		for i := 0; i < len(group); i++ {
			keeper := group[i]
			if _, alive := s.entries[keeper.ID]; !alive {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				dup := group[j]
				if _, alive := s.entries[dup.ID]; !alive {
					continue
				}
				if jaccard(keeper.Keywords, dup.Keywords) < compactOverlap {
					continue
				}
				keeper.Keywords = mergeKeywords(keeper.Keywords, dup.Keywords)
				s.index.Add(keeper.ID, keeper.Keywords)
				s.index.Remove(dup.ID, dup.Keywords)
				delete(s.entries, dup.ID)
				removed++
			}
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		if err := s.flush(); err != nil {
			return removed, err
		}
		s.logger.Info("memory compacted", "removed", removed)
	}
	return removed, nil
}

// flush rewrites the document. Writes are serialized per file.
func (s *Store) flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.RLock()
	byCategory := make(map[models.MemoryCategory][]*models.MemoryEntry)
	for _, e := range s.entries {
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	s.mu.RUnlock()

	var b strings.Builder
	for _, category := range models.MemoryCategories() {
		group := byCategory[category]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAt.Before(group[j].CreatedAt) })

		fmt.Fprintf(&b, "# %s\n\n", sectionTitles[category])
		for _, e := range group {
			fmt.Fprintf(&b, "- %s [%s] (%.2f) %s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.ID, e.Importance, e.Content)
			if len(e.Keywords) > 0 {
				fmt.Fprintf(&b, "  keywords: %s\n", strings.Join(e.Keywords, ", "))
			}
		}
		b.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write memory document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace memory document: %w", err)
	}
	return nil
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[k] = true
	}
	inter := 0
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		if setB[k] {
			continue
		}
		setB[k] = true
		if setA[k] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func mergeKeywords(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, k := range append(append([]string{}, a...), b...) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
