package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/martinemde/tandem/unifiedllm"
)

// ToolExecutor runs one tool invocation. The deadline is carried on ctx and
// path arguments have already been resolved into inv.ResolvedPaths.
type ToolExecutor func(ctx context.Context, inv *ToolInvocation, env ExecutionEnvironment) (string, error)

// RiskClass orders tools by how much they can change.
type RiskClass int

const (
	RiskRead RiskClass = iota
	RiskWrite
	RiskExec
)

func (r RiskClass) String() string {
	switch r {
	case RiskRead:
		return "read"
	case RiskWrite:
		return "write"
	case RiskExec:
		return "exec"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// RegisteredTool pairs a tool definition with its executor and the
// metadata the pipeline enforces.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	Executor   ToolExecutor

	// PathArgs names the top-level arguments holding filesystem paths.
	PathArgs []string
	Risk     RiskClass

	// Timeout is the default execution deadline. MaxTimeout caps any
	// timeout_ms the model asks for.
	Timeout    time.Duration
	MaxTimeout time.Duration
}

// ToolHandle is a resolved tool, safe to pass to hooks.
type ToolHandle struct {
	Name       string
	Risk       RiskClass
	PathArgs   []string
	Timeout    time.Duration
	MaxTimeout time.Duration

	tool *RegisteredTool
}

// ToolResolver is the tool registry contract used by the pipeline.
type ToolResolver interface {
	Resolve(name string) (ToolHandle, error)
	Invoke(ctx context.Context, h ToolHandle, inv *ToolInvocation, env ExecutionEnvironment) (string, error)
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

var _ ToolResolver = (*ToolRegistry)(nil)

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Resolve looks a tool up by the name the model used.
func (r *ToolRegistry) Resolve(name string) (ToolHandle, error) {
	t := r.Get(name)
	if t == nil {
		return ToolHandle{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return ToolHandle{
		Name:       t.Definition.Name,
		Risk:       t.Risk,
		PathArgs:   t.PathArgs,
		Timeout:    t.Timeout,
		MaxTimeout: t.MaxTimeout,
		tool:       t,
	}, nil
}

// Invoke runs a resolved tool.
func (r *ToolRegistry) Invoke(ctx context.Context, h ToolHandle, inv *ToolInvocation, env ExecutionEnvironment) (string, error) {
	t := h.tool
	if t == nil {
		t = r.Get(h.Name)
	}
	if t == nil || t.Executor == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, h.Name)
	}
	return t.Executor(ctx, inv, env)
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
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

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	return r.Filter(func(*RegisteredTool) bool { return true })
}

// Filter returns a new registry holding the tools keep accepts.
func (r *ToolRegistry) Filter(keep func(*RegisteredTool) bool) *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewToolRegistry()
	for name, tool := range r.tools {
		if keep(tool) {
			cloned := *tool
			out.tools[name] = &cloned
		}
	}
	return out
}

// Schema reflects the JSON schema of an argument struct for use as a
// tool's parameters. Fields without omitempty are required.
func Schema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	raw, err := json.Marshal(reflector.Reflect(zero))
	if err != nil {
		panic(fmt.Sprintf("reflecting schema for %T: %v", zero, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("decoding schema for %T: %v", zero, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// decodeArgs unmarshals tool arguments into a typed struct.
func decodeArgs[T any](inv *ToolInvocation) (T, error) {
	var args T
	raw := inv.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid arguments for %s: %w", inv.ToolName, err)
	}
	return args, nil
}
