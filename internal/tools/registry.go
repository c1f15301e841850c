// Package tools holds the server-side tool handler registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc runs a tool with raw JSON parameters and returns a raw JSON result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Registry stores tool handlers keyed by tool ID.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// DefaultRegistry is the shared registry populated by builtin tools.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler for a tool ID.
func (r *Registry) Register(toolID string, h HandlerFunc) error {
	if toolID == "" {
		return fmt.Errorf("tool id is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[toolID]; exists {
		return fmt.Errorf("handler already registered for %s", toolID)
	}
	r.handlers[toolID] = h
	return nil
}

// Has reports whether a handler is registered for the tool ID.
func (r *Registry) Has(toolID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[toolID]
	return ok
}

// Execute runs the handler registered for the tool ID.
func (r *Registry) Execute(ctx context.Context, toolID string, params json.RawMessage) (json.RawMessage, error) {
	if toolID == "" {
		return nil, fmt.Errorf("tool id is required")
	}
	r.mu.RLock()
	h := r.handlers[toolID]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no handler registered for %s", toolID)
	}
	return h(ctx, params)
}

// Register adds a handler to the default registry.
func Register(toolID string, h HandlerFunc) error {
	return DefaultRegistry.Register(toolID, h)
}

// MustRegister adds a handler to the default registry or panics.
func MustRegister(toolID string, h HandlerFunc) {
	if err := Register(toolID, h); err != nil {
		panic(err)
	}
}
