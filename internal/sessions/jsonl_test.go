package sessions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/osa-ai/osa/pkg/models"
)

func TestJSONLAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewJSONLStore(t.TempDir(), nil, nil)

	session := &models.Session{Channel: "cli"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	for _, content := range []string{"first", "second", "third"} {
		if err := store.AppendMessage(ctx, session.ID, &models.Message{
			Role:    models.RoleUser,
			Content: content,
		}); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if history[0].Content != "first" || history[2].Content != "third" {
		t.Errorf("history out of order: %v", history)
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Content != "second" {
		t.Errorf("limited history wrong: %v", limited)
	}
}

func TestJSONLReplayAfterClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewJSONLStore(dir, nil, nil)

	session := &models.Session{Channel: "cli"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, session.ID, &models.Message{
		Role:    models.RoleUser,
		Content: "survive the restart",
		Signal:  &models.Signal{Mode: models.ModeExecute, Genre: models.GenreDirect, Weight: 0.7},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	// Fresh store simulates a process restart.
	restarted := NewJSONLStore(dir, nil, nil)
	history, err := restarted.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "survive the restart" {
		t.Fatalf("replay lost data: %v", history)
	}
	if history[0].Signal == nil || history[0].Signal.Mode != models.ModeExecute {
		t.Error("signal not round-tripped through JSONL")
	}

	// The reopened session keeps appending to the same file.
	if err := restarted.AppendMessage(ctx, session.ID, &models.Message{
		Role:    models.RoleAssistant,
		Content: "back online",
	}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sessions", session.ID, "messages.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(strings.TrimSpace(string(data)), "\n") + 1; got != 2 {
		t.Errorf("transcript lines = %d, want 2", got)
	}
}

func TestJSONLRejectsNegativeTokens(t *testing.T) {
	ctx := context.Background()
	store := NewJSONLStore(t.TempDir(), nil, nil)
	session := &models.Session{}
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}
	err := store.AppendMessage(ctx, session.ID, &models.Message{TokenCount: -1})
	if err == nil {
		t.Error("negative token count accepted")
	}
}

func TestJSONLUnknownSession(t *testing.T) {
	store := NewJSONLStore(t.TempDir(), nil, nil)
	if _, err := store.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIndexListing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	index, err := OpenIndex(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer index.Close()

	store := NewJSONLStore(dir, index, nil)
	for _, channel := range []string{"cli", "http", "cli"} {
		if err := store.Create(ctx, &models.Session{Channel: channel}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("list len = %d, want 3", len(all))
	}

	cli, err := store.List(ctx, ListOptions{Channel: "cli"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cli) != 2 {
		t.Errorf("cli list len = %d, want 2", len(cli))
	}
}

func TestLockerSerializesWriters(t *testing.T) {
	locker := NewLocker()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("s1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(locker.locks) != 0 {
		t.Errorf("lock table not cleaned up: %d entries", len(locker.locks))
	}
}
