package models

import "time"

// MemoryCategory partitions long-term memory into document sections.
type MemoryCategory string

const (
	MemoryDecision MemoryCategory = "decision"
	MemoryPattern  MemoryCategory = "pattern"
	MemorySolution MemoryCategory = "solution"
	MemoryContext  MemoryCategory = "context"
	MemoryFact     MemoryCategory = "fact"
)

// MemoryCategories enumerates all categories in document order.
func MemoryCategories() []MemoryCategory {
	return []MemoryCategory{MemoryDecision, MemoryPattern, MemorySolution, MemoryContext, MemoryFact}
}

// ValidMemoryCategory reports whether c is a recognized category.
func ValidMemoryCategory(c MemoryCategory) bool {
	switch c {
	case MemoryDecision, MemoryPattern, MemorySolution, MemoryContext, MemoryFact:
		return true
	}
	return false
}

// MemoryEntry is a single long-term memory record. Entries are
// persisted to the long-term document and indexed by keyword.
type MemoryEntry struct {
	ID         string         `json:"id"`
	Category   MemoryCategory `json:"category"`
	Content    string         `json:"content"`
	Keywords   []string       `json:"keywords"`
	Importance float64        `json:"importance"`
	CreatedAt  time.Time      `json:"created_at"`
}
