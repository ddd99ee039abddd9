package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is an invokable capability. Implementations may be in-process
// functions, sidecar capability calls, or nested agent launches.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON Schema for the tool's arguments.
	Parameters() json.RawMessage
	// CapabilityTags groups tools for routing and policy.
	CapabilityTags() []string
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Tags            []string
	Fn              func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) Name() string                { return t.ToolName }
func (t *FuncTool) Description() string         { return t.ToolDescription }
func (t *FuncTool) Parameters() json.RawMessage { return t.Schema }
func (t *FuncTool) CapabilityTags() []string    { return t.Tags }
func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

// DefaultGateCapacity is the model capacity below which tool schemas
// are withheld from the prompt entirely.
const DefaultGateCapacity = 10

// ToolRegistry manages available tools with thread-safe registration
// and lookup. Registration is idempotent by name; re-registration
// replaces the tool and its compiled schema.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	// gateCapacity is the capability threshold for schema gating.
	gateCapacity int
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:        make(map[string]Tool),
		schemas:      make(map[string]*jsonschema.Schema),
		gateCapacity: DefaultGateCapacity,
	}
}

// SetGateCapacity overrides the schema-gating threshold.
func (r *ToolRegistry) SetGateCapacity(capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateCapacity = capacity
}

// Register adds a tool, replacing any previous tool with the same
// name. An invalid parameter schema is rejected.
func (r *ToolRegistry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	if compiled != nil {
		r.schemas[tool.Name()] = compiled
	} else {
		delete(r.schemas, tool.Name())
	}
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool schemas to send to the LLM, sorted by
// name. When modelCapacity is below the gate threshold the schemas
// are withheld entirely so small models never see tools.
func (r *ToolRegistry) Schemas(modelCapacity int) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if modelCapacity < r.gateCapacity {
		return nil
	}

	out := make([]ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolSchema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCapability returns tools carrying the given capability tag.
func (r *ToolRegistry) ByCapability(tag string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, tool := range r.tools {
		for _, t := range tool.CapabilityTags() {
			if t == tag {
				out = append(out, tool)
				break
			}
		}
	}
	return out
}

// Execute validates args against the tool's schema and invokes it.
// Schema violations return ErrInvalidArguments without touching the
// implementation.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	return tool.Execute(ctx, args)
}

// compileSchema compiles a tool parameter schema. A nil/empty schema
// disables validation for that tool.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}
