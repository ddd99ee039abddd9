package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/osa-ai/osa/pkg/models"
)

// Index mirrors session rows into a sqlite table so listings don't
// walk the transcript tree. Transcript JSONL files remain the source
// of truth; the index is rebuildable.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);
`

// OpenIndex opens (creating if necessary) the session index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate session index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert inserts or replaces a session row.
func (ix *Index) Upsert(ctx context.Context, session *models.Session) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel, workspace, provider, model, message_count, prompt_tokens, completion_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			workspace = excluded.workspace,
			provider = excluded.provider,
			model = excluded.model,
			message_count = excluded.message_count,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			updated_at = excluded.updated_at`,
		session.ID, session.Channel, session.Workspace, session.Provider, session.Model,
		session.MessageCount, session.TokenUsage.Prompt, session.TokenUsage.Completion,
		session.CreatedAt.UTC(), session.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert session row: %w", err)
	}
	return nil
}

// Get returns an indexed session row.
func (ix *Index) Get(ctx context.Context, id string) (*models.Session, error) {
	row := ix.db.QueryRowContext(ctx, `
		SELECT id, channel, workspace, provider, model, message_count, prompt_tokens, completion_tokens, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return session, err
}

// List returns indexed sessions newest first.
func (ix *Index) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	query := `
		SELECT id, channel, workspace, provider, model, message_count, prompt_tokens, completion_tokens, created_at, updated_at
		FROM sessions`
	args := []any{}
	if opts.Channel != "" {
		query += " WHERE channel = ?"
		args = append(args, opts.Channel)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// Delete removes a session row.
func (ix *Index) Delete(ctx context.Context, id string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var createdAt, updatedAt time.Time
	err := row.Scan(&s.ID, &s.Channel, &s.Workspace, &s.Provider, &s.Model,
		&s.MessageCount, &s.TokenUsage.Prompt, &s.TokenUsage.Completion,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return &s, nil
}
