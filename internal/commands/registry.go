// Package commands holds the executable command registry agents draw from.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ExecutorFunc runs a command against a JSON argument object.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition describes a command to operators and to the database sync.
type Definition struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	EnabledDefault bool              `json:"enabled_default"`
	Args           map[string]string `json:"args,omitempty"`
}

type entry struct {
	def  Definition
	exec ExecutorFunc
}

// Registry stores command executors keyed by command name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the shared registry builtins attach to.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func (r *Registry) Register(def Definition, exec ExecutorFunc) error {
	if def.Name == "" {
		return fmt.Errorf("command name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("executor already registered for %s", def.Name)
	}
	r.entries[def.Name] = entry{def: def, exec: exec}
	return nil
}

// Execute runs the named command.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("command name is required")
	}
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for %s", name)
	}
	return e.exec(ctx, args)
}

// Lookup returns the definition for a registered command.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Register adds an executor to the default registry.
func Register(def Definition, exec ExecutorFunc) error {
	return DefaultRegistry.Register(def, exec)
}

// MustRegister adds an executor to the default registry or panics.
func MustRegister(def Definition, exec ExecutorFunc) {
	if err := Register(def, exec); err != nil {
		panic(err)
	}
}
