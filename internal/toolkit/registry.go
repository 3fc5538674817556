// Package toolkit implements the tool registry (C4): a name→provider
// mapping with schema validation and uniform, concurrency-bounded
// execution of tool calls. Grounded on internal/agent/tool_registry.go,
// trimmed of the policy/jobs/runtime coupling that tied the teacher's
// registry to its multi-channel gateway, and extended with JSON-Schema
// argument validation via santhosh-tekuri/jsonschema.
package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fennelabs/agentloop/pkg/model"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgumentsSize is the maximum size of a tool call's arguments
	// JSON (10MB).
	MaxToolArgumentsSize = 10 << 20
)

// ToolProvider is what a caller registers: the declaration the LLM sees
// plus the behaviour the registry dispatches to.
type ToolProvider interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, arguments json.RawMessage) (*model.ToolResult, error)
}

// Registry maps tool names to providers. Register/Unregister/Get take a
// brief read-write lock; Execute releases its lock before calling into the
// tool so no tool ever runs while the registry's internal mutex is held.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolProvider
	// schemas caches compiled JSON schemas per tool name so Execute can
	// reject malformed arguments before a tool is ever invoked.
	schemas map[string]*jsonschema.Schema
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]ToolProvider),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// ErrDuplicateTool is returned by Register when name is already registered.
type ErrDuplicateTool struct{ Name string }

func (e *ErrDuplicateTool) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// Register adds tool to the registry. Duplicate names are rejected per
// C4's contract ("unique names; duplicate registration is rejected").
// The tool's declared schema is compiled eagerly so a malformed schema
// fails at registration time, not on the first call.
func (r *Registry) Register(tool ToolProvider) error {
	name := tool.Name()
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds maximum length of %d", name, MaxToolNameLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &ErrDuplicateTool{Name: name}
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", name, err)
	}

	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Unregister removes a tool by name. A no-op if the name isn't registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (ToolProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolsForLLM returns the canonical declarations for every registered
// tool, for forwarding to a provider.
func (r *Registry) ToolsForLLM() []model.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]model.ToolDeclaration, 0, len(r.tools))
	for _, t := range r.tools {
		decls = append(decls, model.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return decls
}

// Execute runs call.Name with call.Arguments and never panics or aborts:
// any failure (unknown tool, schema validation, tool-internal error,
// recovered panic) becomes a ToolResult with IsError=true rather than a
// returned error. The registry's lock is released before the tool runs, so
// concurrent Execute calls for parallel tool calls never serialize on it.
func (r *Registry) Execute(ctx context.Context, call model.ToolCall) (result *model.ToolResult, execErr error) {
	defer func() {
		if p := recover(); p != nil {
			result = &model.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool %q panicked: %v", call.Name, p),
				IsError:    true,
			}
			execErr = nil
		}
	}()

	if len(call.Arguments) > MaxToolArgumentsSize {
		return &model.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgumentsSize),
			IsError:    true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if !ok {
		return &model.ToolResult{
			ToolCallID: call.ID,
			Content:    "tool not found: " + call.Name,
			IsError:    true,
		}, nil
	}

	if schema != nil {
		var doc any
		args := call.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &doc); err != nil {
			return &model.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("invalid arguments JSON for tool %q: %v", call.Name, err),
				IsError:    true,
			}, nil
		}
		if err := schema.Validate(doc); err != nil {
			return &model.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("arguments for tool %q failed schema validation: %v", call.Name, err),
				IsError:    true,
			}, nil
		}
	}

	res, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return &model.ToolResult{
			ToolCallID: call.ID,
			Content:    err.Error(),
			IsError:    true,
		}, nil
	}
	if res == nil {
		return &model.ToolResult{ToolCallID: call.ID, Content: "", IsError: false}, nil
	}
	res.ToolCallID = call.ID
	return res, nil
}
