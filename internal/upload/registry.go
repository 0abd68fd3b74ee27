package upload

import (
	"sync"
)

// Registry keeps one widget per discipline, created on first use.
type Registry struct {
	mu      sync.Mutex
	widgets map[string]*Widget
	factory func(disciplineID string) *Widget
}

func NewRegistry(factory func(disciplineID string) *Widget) *Registry {
	return &Registry{
		widgets: map[string]*Widget{},
		factory: factory,
	}
}

func (r *Registry) Get(disciplineID string) *Widget {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.widgets[disciplineID]; ok {
		return w
	}
	w := r.factory(disciplineID)
	r.widgets[disciplineID] = w
	return w
}

func (r *Registry) Lookup(disciplineID string) (*Widget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.widgets[disciplineID]
	return w, ok
}

// Remove closes and forgets the widget of a discipline.
func (r *Registry) Remove(disciplineID string) {
	r.mu.Lock()
	w, ok := r.widgets[disciplineID]
	delete(r.widgets, disciplineID)
	r.mu.Unlock()

	if ok {
		w.Close()
	}
}

// Close closes every widget.
func (r *Registry) Close() {
	r.mu.Lock()
	widgets := make([]*Widget, 0, len(r.widgets))
	for id, w := range r.widgets {
		widgets = append(widgets, w)
		delete(r.widgets, id)
	}
	r.mu.Unlock()

	for _, w := range widgets {
		w.Close()
	}
}
