package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/cuongbtq/catalog-batchops/internal/batchops/domain"
)

// Handler applies one operation to one item. Business failures are returned
// as classified item errors (domain.NewValidationError and friends); any
// other error is treated as a bug and aborts the job.
type Handler interface {
	Mutate(ctx context.Context, itemID string, params map[string]any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, itemID string, params map[string]any) error

// Mutate calls f.
func (f HandlerFunc) Mutate(ctx context.Context, itemID string, params map[string]any) error {
	return f(ctx, itemID, params)
}

// Registry maps operation types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.OperationType]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.OperationType]Handler)}
}

// Register binds h to opType, replacing any previous handler.
func (r *Registry) Register(opType domain.OperationType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = h
}

// Lookup returns the handler of opType.
func (r *Registry) Lookup(opType domain.OperationType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[opType]
	return h, ok
}

// Types lists the registered operation types in sorted order.
func (r *Registry) Types() []domain.OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.OperationType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, k int) bool { return types[i] < types[k] })
	return types
}
