package sessions

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

	"github.com/google/uuid"

	"github.com/osa-ai/osa/pkg/models"
)

// JSONLStore persists each session transcript as an append-only JSONL
// file at <root>/sessions/<id>/messages.jsonl, one message per line.
// Files are fsynced on session close; opening an existing session
// replays the file, so state survives a crash.
//
// An optional Index mirrors session rows into a relational table for
// listing; transcript files remain the source of truth.
type JSONLStore struct {
	root   string
	logger *slog.Logger
	index  *Index

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

type sessionState struct {
	session  *models.Session
	messages []*models.Message
	file     *os.File
	writer   *bufio.Writer
}

// NewJSONLStore creates a store rooted at dir. index may be nil.
func NewJSONLStore(dir string, index *Index, logger *slog.Logger) *JSONLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLStore{
		root:     dir,
		logger:   logger.With("component", "sessions"),
		index:    index,
		sessions: make(map[string]*sessionState),
	}
}

func (s *JSONLStore) sessionDir(id string) string {
	return filepath.Join(s.root, "sessions", id)
}

func (s *JSONLStore) transcriptPath(id string) string {
	return filepath.Join(s.sessionDir(id), "messages.jsonl")
}

// Create persists a new session.
func (s *JSONLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = session.CreatedAt

	if err := os.MkdirAll(s.sessionDir(session.ID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	file, err := os.OpenFile(s.transcriptPath(session.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = &sessionState{
		session: session.Clone(),
		file:    file,
		writer:  bufio.NewWriter(file),
	}
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.Upsert(ctx, session); err != nil {
			s.logger.Warn("session index upsert failed", "error", err, "session_id", session.ID)
		}
	}
	return nil
}

// Get returns a session, reopening it from disk if needed.
func (s *JSONLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	state, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return state.session.Clone(), nil
	}

	state, err := s.reopen(id)
	if err != nil {
		return nil, err
	}
	return state.session.Clone(), nil
}

// reopen replays a transcript from disk into a live session state.
func (s *JSONLStore) reopen(id string) (*sessionState, error) {
	path := s.transcriptPath(id)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNotFound
	}

	messages, err := replayTranscript(path)
	if err != nil {
		return nil, err
	}

	session := &models.Session{ID: id}
	if s.index != nil {
		if indexed, err := s.index.Get(context.Background(), id); err == nil && indexed != nil {
			session = indexed
		}
	}
	session.MessageCount = len(messages)
	if len(messages) > 0 {
		if session.CreatedAt.IsZero() {
			session.CreatedAt = messages[0].CreatedAt
		}
		session.UpdatedAt = messages[len(messages)-1].CreatedAt
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen transcript: %w", err)
	}

	state := &sessionState{
		session:  session,
		messages: messages,
		file:     file,
		writer:   bufio.NewWriter(file),
	}

	s.mu.Lock()
	// Another reader may have raced us here; keep the first.
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		_ = file.Close()
		return existing, nil
	}
	s.sessions[id] = state
	s.mu.Unlock()

	s.logger.Info("session replayed from transcript", "session_id", id, "messages", len(messages))
	return state, nil
}

func replayTranscript(path string) ([]*models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A torn final line after a crash is expected; anything
			// else is worth surfacing.
			return nil, fmt.Errorf("transcript %s line %d: %w", path, line, err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return messages, nil
}

// Update replaces mutable session fields.
func (s *JSONLStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	s.mu.Lock()
	state, ok := s.sessions[session.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	clone := session.Clone()
	clone.CreatedAt = state.session.CreatedAt
	clone.UpdatedAt = time.Now()
	clone.MessageCount = len(state.messages)
	state.session = clone
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.Upsert(ctx, clone); err != nil {
			s.logger.Warn("session index upsert failed", "error", err, "session_id", session.ID)
		}
	}
	return nil
}

// List returns sessions newest first. With an index configured the
// query is served relationally; otherwise open sessions are listed.
func (s *JSONLStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	if s.index != nil {
		return s.index.List(ctx, opts)
	}

	s.mu.RLock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, state := range s.sessions {
		if opts.Channel != "" && state.session.Channel != opts.Channel {
			continue
		}
		out = append(out, state.session.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*models.Session{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// AppendMessage appends one message to the transcript.
func (s *JSONLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.TokenCount < 0 {
		return fmt.Errorf("negative token count")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := state.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := state.writer.Flush(); err != nil {
		return fmt.Errorf("flush transcript: %w", err)
	}

	state.messages = append(state.messages, msg.Clone())
	state.session.MessageCount = len(state.messages)
	state.session.UpdatedAt = msg.CreatedAt
	return nil
}

// GetHistory returns up to limit most recent messages, oldest first.
func (s *JSONLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		var err error
		state, err = s.reopen(sessionID)
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := state.messages
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, m := range messages[start:] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Close fsyncs and closes the transcript. The session can be reopened
// later; Close does not delete anything.
func (s *JSONLStore) Close(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := state.writer.Flush(); err != nil {
		return fmt.Errorf("flush transcript: %w", err)
	}
	if err := state.file.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	if err := state.file.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}

	if s.index != nil {
		if err := s.index.Upsert(ctx, state.session); err != nil {
			s.logger.Warn("session index upsert failed", "error", err, "session_id", sessionID)
		}
	}
	return nil
}
