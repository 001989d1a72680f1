// Package remote models the endpoints a process talks to: opaque handles that
// can die, observers notified when they do, and the lookup that resolves a
// service name to a live handle.
package remote

import (
	"context"
	"errors"
)

var (
	ErrRegistryUnavailable = errors.New("remote: service registry unavailable")
	ErrServiceNotFound     = errors.New("remote: service not found")
)

// Handle is an opaque reference to a remote endpoint.
type Handle interface {
	ID() string
	Alive() bool
	// AddDeathRecipient reports false when the endpoint is already dead.
	AddDeathRecipient(r DeathRecipient) bool
	RemoveDeathRecipient(r DeathRecipient)
}

// DeathRecipient is notified once when a watched handle dies. h is nil when
// the endpoint could not be resolved anymore.
type DeathRecipient interface {
	OnRemoteDied(h Handle)
}

// Binding pairs a handle with the capability resolved for it at lookup time.
type Binding[S any] struct {
	Handle Handle
	Iface  S
}

// Locator resolves a service id to a live binding.
type Locator[S any] interface {
	Lookup(ctx context.Context, serviceID string) (Binding[S], error)
}

type LocatorFunc[S any] func(ctx context.Context, serviceID string) (Binding[S], error)

func (f LocatorFunc[S]) Lookup(ctx context.Context, serviceID string) (Binding[S], error) {
	return f(ctx, serviceID)
}

// SameHandle compares handles by identity.
func SameHandle(a, b Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}
