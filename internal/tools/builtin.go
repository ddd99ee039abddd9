// Package tools provides the built-in tool set registered with the
// agent's tool registry: file access, shell execution, memory access,
// and sidecar-backed capabilities.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/sidecar"
	"github.com/osa-ai/osa/pkg/models"
)

// maxFileReadBytes bounds file_read output.
const maxFileReadBytes = 256 * 1024

// shellTimeout bounds shell_execute.
const shellTimeout = 60 * time.Second

// RegisterBuiltins installs the standard tool set. workspace scopes
// file tools; memStore may be nil to skip the memory tools.
func RegisterBuiltins(registry *agent.ToolRegistry, workspace string, memStore *memory.Store) error {
	if err := registry.Register(fileReadTool(workspace)); err != nil {
		return err
	}
	if err := registry.Register(fileWriteTool(workspace)); err != nil {
		return err
	}
	if err := registry.Register(shellExecuteTool(workspace)); err != nil {
		return err
	}
	if memStore != nil {
		if err := registry.Register(memorySaveTool(memStore)); err != nil {
			return err
		}
		if err := registry.Register(memoryRecallTool(memStore)); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath joins a relative path into the workspace and rejects
// escapes.
func resolvePath(workspace, path string) (string, error) {
	if workspace == "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	cleaned := filepath.Clean(path)
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if abs != absWorkspace && !strings.HasPrefix(abs, absWorkspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

func fileReadTool(workspace string) agent.Tool {
	return &agent.FuncTool{
		ToolName:        "file_read",
		ToolDescription: "Read a file from the workspace and return its contents.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or workspace-relative"}
			},
			"required": ["path"]
		}`),
		Tags: []string{"files"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", err
			}
			path, err := resolvePath(workspace, params.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxFileReadBytes {
				data = data[:maxFileReadBytes]
			}
			return string(data), nil
		},
	}
}

func fileWriteTool(workspace string) agent.Tool {
	return &agent.FuncTool{
		ToolName:        "file_write",
		ToolDescription: "Write content to a file in the workspace, creating parent directories.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
		Tags: []string{"files"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", err
			}
			path, err := resolvePath(workspace, params.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path), nil
		},
	}
}

func shellExecuteTool(workspace string) agent.Tool {
	return &agent.FuncTool{
		ToolName:        "shell_execute",
		ToolDescription: "Run a shell command in the workspace and return combined output. Dangerous commands are rejected by the security hook before dispatch.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string"}
			},
			"required": ["command"]
		}`),
		Tags: []string{"shell"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", err
			}

			execCtx, cancel := context.WithTimeout(ctx, shellTimeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", params.Command)
			if workspace != "" {
				cmd.Dir = workspace
			}
			out, err := cmd.CombinedOutput()
			if err != nil {
				return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
			}
			return string(out), nil
		},
	}
}

func memorySaveTool(store *memory.Store) agent.Tool {
	return &agent.FuncTool{
		ToolName:        "memory_save",
		ToolDescription: "Store a durable memory entry under a category (decision, pattern, solution, context, fact).",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"category": {"type": "string", "enum": ["decision", "pattern", "solution", "context", "fact"]},
				"content": {"type": "string"},
				"importance": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["category", "content"]
		}`),
		Tags: []string{"memory"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Category   string  `json:"category"`
				Content    string  `json:"content"`
				Importance float64 `json:"importance"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", err
			}
			entry, err := store.Append(models.MemoryEntry{
				Category:   models.MemoryCategory(params.Category),
				Content:    params.Content,
				Importance: params.Importance,
			})
			if err != nil {
				return "", err
			}
			return "stored memory " + entry.ID, nil
		},
	}
}

func memoryRecallTool(store *memory.Store) agent.Tool {
	return &agent.FuncTool{
		ToolName:        "memory_recall",
		ToolDescription: "Recall stored memories relevant to a query.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"}
			},
			"required": ["query"]
		}`),
		Tags: []string{"memory"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", err
			}
			scored := store.RecallRelevant(params.Query, 1000)
			if len(scored) == 0 {
				return "no relevant memories", nil
			}
			var b strings.Builder
			for _, s := range scored {
				fmt.Fprintf(&b, "[%s] %s\n", s.Entry.Category, s.Entry.Content)
			}
			return b.String(), nil
		},
	}
}

// SidecarTool exposes one sidecar capability as a tool. MCP servers
// register their tools this way: the capability is the tool name.
type SidecarTool struct {
	Manager    *sidecar.Manager
	Capability string
	Method     string
	Desc       string
	Schema     json.RawMessage
}

func (t *SidecarTool) Name() string { return "mcp:" + t.Capability }

func (t *SidecarTool) Description() string { return t.Desc }

func (t *SidecarTool) CapabilityTags() []string { return []string{t.Capability, "sidecar"} }

func (t *SidecarTool) Parameters() json.RawMessage { return t.Schema }

func (t *SidecarTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", err
		}
	}
	result, err := t.Manager.Dispatch(ctx, t.Capability, t.Method, params, 0)
	if err != nil {
		return "", err
	}
	switch v := result.(type) {
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
