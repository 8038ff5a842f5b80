package multiagent

import (
	"log/slog"
	"sort"
	"sync"

	"sensei/internal/domain"
	"sensei/internal/infra/logger"
)

// Registry maps categories to handlers. It is safe for concurrent use; a
// lookup racing a replacement sees either the old or the new handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Category]domain.Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[domain.Category]domain.Handler),
		logger:   logger.OrDiscard(log),
	}
}

// Register inserts h under h.Category(), replacing any previous handler.
func (r *Registry) Register(h domain.Handler) {
	cat := h.Category()
	r.mu.Lock()
	_, replaced := r.handlers[cat]
	r.handlers[cat] = h
	r.mu.Unlock()
	r.logger.Info("handler registered", "category", cat.Display(), "replaced", replaced)
}

// Unregister removes the handler for c. It is a no-op when none exists.
func (r *Registry) Unregister(c domain.Category) {
	r.mu.Lock()
	_, ok := r.handlers[c]
	delete(r.handlers, c)
	r.mu.Unlock()
	if ok {
		r.logger.Info("handler unregistered", "category", c.Display())
	}
}

// Lookup returns the handler registered for c.
func (r *Registry) Lookup(c domain.Category) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[c]
	return h, ok
}

// Categories returns a sorted snapshot of the registered categories.
func (r *Registry) Categories() []domain.Category {
	r.mu.RLock()
	cats := make([]domain.Category, 0, len(r.handlers))
	for c := range r.handlers {
		cats = append(cats, c)
	}
	r.mu.RUnlock()
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Extensions returns the registered dynamic categories, sorted.
func (r *Registry) Extensions() []domain.Category {
	var out []domain.Category
	for _, c := range r.Categories() {
		if c.IsDynamic() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
