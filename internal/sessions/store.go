// Package sessions owns conversation state: an append-only JSONL
// transcript per session plus a relational index for listing, with an
// in-memory implementation for tests and local runs.
//
// Session state is single-writer: the owning session task mutates it,
// everyone else reads through the store. The registry hands out
// per-session locks to enforce this.
package sessions

import (
	"context"
	"errors"

	"github.com/osa-ai/osa/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// ListOptions filters and pages session listings.
type ListOptions struct {
	Channel string
	Limit   int
	Offset  int
}

// Store is the session persistence interface.
type Store interface {
	// Create persists a new session, assigning ID and timestamps when
	// absent.
	Create(ctx context.Context, session *models.Session) error

	// Get returns a session by ID.
	Get(ctx context.Context, id string) (*models.Session, error)

	// Update replaces mutable session fields (token usage, metadata).
	Update(ctx context.Context, session *models.Session) error

	// List returns sessions matching opts, newest first.
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage appends a message to the session transcript.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns up to limit most recent messages in
	// chronological order. limit <= 0 returns everything.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// Close marks a session closed and flushes its transcript to
	// stable storage.
	Close(ctx context.Context, sessionID string) error
}
