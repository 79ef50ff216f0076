package siosession

import "sync"

// Holder keeps at most one live Manager. The application's composition root
// owns the Holder; Destroy is the only way to fully reset session state.
type Holder struct {
	mu      sync.Mutex
	factory func() *Manager
	current *Manager
}

func NewHolder(factory func() *Manager) *Holder {
	return &Holder{factory: factory}
}

// Get returns the live Manager, building one on first use or after Destroy.
func (h *Holder) Get() *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		h.current = h.factory()
	}
	return h.current
}

// Destroy disposes the live Manager, if any.
func (h *Holder) Destroy() {
	h.mu.Lock()
	m := h.current
	h.current = nil
	h.mu.Unlock()

	if m != nil {
		m.Dispose()
	}
}
