// Package handler implements the per-node-type handler registry of the
// workflow engine. A handler receives a node and the execution context and
// returns output that the runner merges back under the node's id. Handlers
// read the context freely but mutate it only through the returned output.
package handler

import (
	"context"
	"sync"

	"flowmatic.io/apperr"
	"flowmatic.io/workflow"
)

// Invocation carries everything a handler may need for one node call.
type Invocation struct {
	Node           workflow.Node
	Context        map[string]interface{}
	ExecutionID    string
	StepID         string
	OrganizationID string
}

// Result is the outcome of a handler call. Tokens and Cost are non-zero
// only for AI handlers; the runner adds them to the execution counters.
type Result struct {
	Output map[string]interface{}
	Tokens int
	Cost   float64
}

// Handler implements one or more node types.
type Handler interface {
	// Name returns the handler's identifier.
	Name() string

	// CanHandle determines if this handler processes the node type.
	CanHandle(nodeType string) bool

	// Execute runs the node and returns its output.
	Execute(ctx context.Context, inv Invocation) (*Result, error)
}

// Registry dispatches nodes to registered handlers.
type Registry struct {
	handlers []Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make([]Handler, 0)}
}

// Register adds a handler to the registry.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Resolve finds the handler for a node type.
func (r *Registry) Resolve(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.CanHandle(nodeType) {
			return h, nil
		}
	}
	return nil, apperr.Validation("no handler registered for node type %q", nodeType)
}

// Execute resolves and runs the handler for the invocation's node.
func (r *Registry) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	h, err := r.Resolve(inv.Node.Type)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, inv)
}
