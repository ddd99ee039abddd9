package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osa-ai/osa/internal/agent"
)

func TestFileToolsRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	registry := agent.NewToolRegistry()
	if err := RegisterBuiltins(registry, workspace, nil); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	out, err := registry.Execute(ctx, "file_write",
		json.RawMessage(`{"path": "notes/a.txt", "content": "hello tools"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "wrote 11 bytes") {
		t.Errorf("out = %q", out)
	}

	read, err := registry.Execute(ctx, "file_read", json.RawMessage(`{"path": "notes/a.txt"}`))
	if err != nil {
		t.Fatal(err)
	}
	if read != "hello tools" {
		t.Errorf("read = %q", read)
	}
}

func TestFileToolsRejectEscape(t *testing.T) {
	workspace := t.TempDir()
	registry := agent.NewToolRegistry()
	if err := RegisterBuiltins(registry, workspace, nil); err != nil {
		t.Fatal(err)
	}

	_, err := registry.Execute(context.Background(), "file_read",
		json.RawMessage(`{"path": "../../../etc/passwd"}`))
	if err == nil {
		t.Error("workspace escape allowed")
	}
}

func TestShellExecute(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "x"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	registry := agent.NewToolRegistry()
	if err := RegisterBuiltins(registry, workspace, nil); err != nil {
		t.Fatal(err)
	}

	out, err := registry.Execute(context.Background(), "shell_execute",
		json.RawMessage(`{"command": "ls"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "x") {
		t.Errorf("out = %q", out)
	}

	if _, err := registry.Execute(context.Background(), "shell_execute",
		json.RawMessage(`{"command": "exit 3"}`)); err == nil {
		t.Error("failing command returned no error")
	}
}
