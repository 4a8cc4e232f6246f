// Package tools defines the tool contract steps execute against, plus a
// thread-safe registry and the built-in tool set.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// Runner executes a named tool with parameters. Both the in-process registry
// and remote adapters satisfy it, so workflows stay decoupled from where a
// tool actually runs.
type Runner interface {
	Execute(ctx context.Context, name string, params map[string]any) (any, error)
}

// Tool is an executable unit of work referenced by name from step definitions.
type Tool interface {
	Name() string
	Description() string
	Validate(params map[string]any) error
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is the concrete thread-safe tool registry. It satisfies Runner.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.byName[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.byName))
	for _, t := range r.byName {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Execute looks up a tool, validates its parameters and invokes it.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := tool.Validate(params); err != nil {
		return nil, err
	}
	out, err := tool.Invoke(ctx, params)
	if err != nil {
		if _, ok := err.(*schema.Error); ok {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"tool %q failed: %s", name, err.Error()).WithCause(err)
	}
	return out, nil
}
