// Package tools defines the tool contract offered to agent tasks and the
// built-in toolset: filesystem access, command execution, git operations,
// secret scanning, and the ask_user gate. Mutating tools serialize their
// workspace access through the workspace guard; read-only tools never
// acquire it, which is what makes the overwatcher toolset safe to run
// concurrently with the main task.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/agentd/internal/llm"
)

// Handler executes one tool call. A returned error is a tool-level
// failure: it is surfaced to the model as data and never crashes the task.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is one named capability with its JSON schema and mutation class.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage

	// Mutating tools change the workspace or external state and are
	// withheld from overwatcher tasks.
	Mutating bool

	Handler Handler
}

// Schema converts the tool to the wire shape sent to the model.
func (t Tool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// Registry is a named set of tools offered to one task.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister panics on registration failure. For static toolset wiring.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the wire schemas for every tool, in name order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, name := range r.namesLocked() {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadOnly returns a new registry holding only the non-mutating tools.
// Overwatcher tasks get this view.
func (r *Registry) ReadOnly() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for _, t := range r.tools {
		if !t.Mutating {
			out.tools[t.Name] = t
		}
	}
	return out
}
