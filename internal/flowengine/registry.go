package flowengine

import (
	"context"
	"sort"
)

// HandlerFunc is the signature for step forward and rollback actions.
//
// Returning (true, nil) completes the step. Returning (false, nil) declines
// the attempt and makes the step eligible for retry. A non-nil error is a hard
// failure: the step fails immediately without retry and the error text is
// recorded on the step and in the audit log.
type HandlerFunc func(ctx context.Context, step *ActivationStep, metadata Metadata) (bool, error)

// RegistryBuilder collects forward and rollback handlers at start-up.
// It is not safe for concurrent use; call Build once wiring is done.
type RegistryBuilder struct {
	handlers  map[string]HandlerFunc
	rollbacks map[string]HandlerFunc
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		handlers:  make(map[string]HandlerFunc),
		rollbacks: make(map[string]HandlerFunc),
	}
}

// Register associates a step kind with its forward action. A later
// registration for the same kind replaces the earlier one.
func (b *RegistryBuilder) Register(kind StepKind, fn HandlerFunc) *RegistryBuilder {
	if fn != nil {
		b.handlers[string(kind)] = fn
	}
	return b
}

// RegisterRollback associates a step kind with its compensating action.
func (b *RegistryBuilder) RegisterRollback(kind StepKind, fn HandlerFunc) *RegistryBuilder {
	if fn != nil {
		b.rollbacks[string(kind)] = fn
	}
	return b
}

// Build freezes the collected handlers into a read-only Registry.
func (b *RegistryBuilder) Build() *Registry {
	r := &Registry{
		handlers:  make(map[string]HandlerFunc, len(b.handlers)),
		rollbacks: make(map[string]HandlerFunc, len(b.rollbacks)),
	}
	for k, v := range b.handlers {
		r.handlers[k] = v
	}
	for k, v := range b.rollbacks {
		r.rollbacks[k] = v
	}
	return r
}

// Registry maps step names to their forward and rollback handlers.
// It is immutable once built and safe for concurrent reads.
type Registry struct {
	handlers  map[string]HandlerFunc
	rollbacks map[string]HandlerFunc
}

// Handler returns the forward handler for a step name.
func (r *Registry) Handler(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Rollback returns the compensating handler for a step name.
func (r *Registry) Rollback(name string) (HandlerFunc, bool) {
	fn, ok := r.rollbacks[name]
	return fn, ok
}

// Names returns the names with a forward handler, sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of forward handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}
