package remote

import (
	"context"
	"fmt"
	"sync"
)

// Hub is an in-process service registry.
type Hub[S any] struct {
	mu          sync.Mutex
	unavailable bool
	services    map[string]Binding[S]
	lookups     int
}

func NewHub[S any]() *Hub[S] {
	return &Hub[S]{services: make(map[string]Binding[S])}
}

func (h *Hub[S]) Publish(serviceID string, handle Handle, iface S) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[serviceID] = Binding[S]{Handle: handle, Iface: iface}
}

func (h *Hub[S]) Withdraw(serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.services, serviceID)
}

// SetAvailable toggles the registry itself; an unavailable hub fails every
// lookup with ErrRegistryUnavailable.
func (h *Hub[S]) SetAvailable(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unavailable = !ok
}

// Lookups counts Lookup calls, successful or not.
func (h *Hub[S]) Lookups() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookups
}

func (h *Hub[S]) Lookup(ctx context.Context, serviceID string) (Binding[S], error) {
	if err := ctx.Err(); err != nil {
		return Binding[S]{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookups++
	if h.unavailable {
		return Binding[S]{}, ErrRegistryUnavailable
	}
	b, ok := h.services[serviceID]
	if !ok || b.Handle == nil || !b.Handle.Alive() {
		return Binding[S]{}, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
	}
	return b, nil
}
