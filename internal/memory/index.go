package memory

import (
	"strings"
	"sync"
	"unicode"
)

// minKeywordLen filters out short tokens that carry little signal.
const minKeywordLen = 3

// ExtractKeywords tokenizes text, lowercases it, strips punctuation,
// removes stop words, and deduplicates. Order follows first occurrence.
func ExtractKeywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string

	for _, raw := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-' && r != '_'
	}) {
		word := strings.Trim(raw, "'-_")
		if len(word) < minKeywordLen || IsStopWord(word) || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

// InvertedIndex maps keywords to the set of entry IDs containing them.
// The index is always a superset of the keywords in the long-term
// store: entries are indexed before the store write completes, and
// transient duplicates are tolerated.
type InvertedIndex struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{}
}

// NewInvertedIndex creates an empty index.
func NewInvertedIndex() *InvertedIndex {
	return &InvertedIndex{postings: make(map[string]map[string]struct{})}
}

// Add indexes an entry ID under each keyword.
func (ix *InvertedIndex) Add(id string, keywords []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, kw := range keywords {
		set, ok := ix.postings[kw]
		if !ok {
			set = make(map[string]struct{})
			ix.postings[kw] = set
		}
		set[id] = struct{}{}
	}
}

// Remove drops an entry ID from every keyword's posting list.
func (ix *InvertedIndex) Remove(id string, keywords []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, kw := range keywords {
		if set, ok := ix.postings[kw]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(ix.postings, kw)
			}
		}
	}
}

// Lookup returns the IDs posted under a keyword.
func (ix *InvertedIndex) Lookup(keyword string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.postings[keyword]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Candidates returns the union of IDs posted under any of the
// keywords, with the number of matching keywords per ID.
func (ix *InvertedIndex) Candidates(keywords []string) map[string]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	counts := make(map[string]int)
	for _, kw := range keywords {
		for id := range ix.postings[kw] {
			counts[id]++
		}
	}
	return counts
}

// Reset clears the index. Used before a rebuild from the store.
func (ix *InvertedIndex) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = make(map[string]map[string]struct{})
}

// KeywordCount returns the number of distinct indexed keywords.
func (ix *InvertedIndex) KeywordCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}
