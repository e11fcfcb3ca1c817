// Package plugins is the compile-time extension model. Instead of
// loading source code per agent at runtime, extensions register
// themselves here (usually from an init function) and agents select them
// by name in their config. This keeps the reload contract of the cycle
// chain without arbitrary code execution.
package plugins

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/agentmesh/backend/internal/tools"
)

// Extension is the interface an agent extension must implement.
//
// Example:
//
//	type Chess struct{}
//	func (c *Chess) Name() string { return "chess" }
//	func (c *Chess) Version() string { return "1.0.0" }
//	func (c *Chess) Tools() []*tools.Tool { ... }
//	func (c *Chess) Environment() tools.Environment { return c }
type Extension interface {
	// Name returns the extension's unique identifier
	Name() string

	// Version returns the extension version
	Version() string

	// Tools returns the tools this extension contributes to a cycle
	Tools() []*tools.Tool

	// Environment returns the turn-claiming environment, or nil when the
	// extension only contributes tools
	Environment() tools.Environment
}

// Info describes a registered extension (for API responses).
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Tools   int    `json:"tools"`
	Active  bool   `json:"active"`
}

// Registry manages available extensions.
type Registry struct {
	mu     sync.RWMutex
	exts   []Extension
	byName map[string]Extension
	logger *log.Logger
}

// NewRegistry creates an extension registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Extension),
		logger: log.New(log.Writer(), "[PLUGINS] ", log.LstdFlags),
	}
}

// defaultRegistry collects init-time registrations.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register adds an extension to the registry.
func (r *Registry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[ext.Name()]; exists {
		return fmt.Errorf("extension %q already registered", ext.Name())
	}
	r.exts = append(r.exts, ext)
	r.byName[ext.Name()] = ext
	sort.Slice(r.exts, func(i, j int) bool { return r.exts[i].Name() < r.exts[j].Name() })

	r.logger.Printf("registered extension: %s v%s (%d tools)",
		ext.Name(), ext.Version(), len(ext.Tools()))
	return nil
}

// Unregister removes an extension.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byName, name)
	filtered := r.exts[:0]
	for _, e := range r.exts {
		if e.Name() != name {
			filtered = append(filtered, e)
		}
	}
	r.exts = filtered
}

// Get returns a specific extension by name.
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Select resolves a per-agent selection list, skipping unknown names.
func (r *Registry) Select(names []string) []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, 0, len(names))
	for _, name := range names {
		if e, ok := r.byName[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

// List returns info about all registered extensions.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.exts))
	for _, e := range r.exts {
		infos = append(infos, Info{
			Name:    e.Name(),
			Version: e.Version(),
			Tools:   len(e.Tools()),
			Active:  true,
		})
	}
	return infos
}

// Count returns the number of registered extensions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exts)
}
