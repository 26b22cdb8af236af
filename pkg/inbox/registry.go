package inbox

import (
	"context"
	"sync"

	"gorm.io/gorm"

	"github.com/relaykit/relaykit/pkg/db/models"
)

// Handler consumes one inbox row. Handle runs inside the dispatcher's claim
// transaction, so a handler's own writes commit or roll back together with
// the row's status transition.
type Handler interface {
	EventType() string
	Handle(ctx context.Context, tx *gorm.DB, msg *models.InboxMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, tx *gorm.DB, msg *models.InboxMessage) error
}

func (h HandlerFunc) EventType() string { return h.Type }

func (h HandlerFunc) Handle(ctx context.Context, tx *gorm.DB, msg *models.InboxMessage) error {
	return h.Fn(ctx, tx, msg)
}

// Registry maps event types to handlers. It is populated at startup and
// read-only on the hot path; runtime registration is safe for concurrent
// readers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		registry.Register(h)
	}
	return registry
}

// Register installs a handler for its event type. A later registration for
// the same type wins.
func (r *Registry) Register(h Handler) {
	if h == nil || h.EventType() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.EventType()] = h
}

// Resolve returns the handler for an event type, or false when none is
// registered.
func (r *Registry) Resolve(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
