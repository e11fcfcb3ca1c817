// Package tools implements the named-tool registry and the per-cycle
// dispatcher: allowlist enforcement, alias routing through the active
// environment, call caps and wall budgets, capability guards, auto-play
// injection, and the bounded action-outcome log.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Handler executes one tool call. Errors are captured per call and never
// abort the cycle.
type Handler func(ctx context.Context, callID string, args map[string]interface{}) (interface{}, error)

// Tool is a registered capability exposed to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON schema
	Execute     Handler         `json:"-"`
}

// Registry is an insertion-ordered named tool set. The actor rebuilds it
// each cycle from core tools plus loaded extensions.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]*Tool
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register adds or replaces a tool. Order is preserved for first
// registration so the model sees a stable tool listing.
func (r *Registry) Register(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tools: tool %q has no handler", tool.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; !ok {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
