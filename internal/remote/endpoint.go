package remote

import (
	"sync"

	"github.com/google/uuid"
)

// Endpoint is an in-process Handle. Kill simulates the death of the process
// behind it.
type Endpoint struct {
	id string

	mu         sync.Mutex
	dead       bool
	recipients []DeathRecipient
}

func NewEndpoint() *Endpoint {
	return &Endpoint{id: uuid.NewString()}
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead
}

func (e *Endpoint) AddDeathRecipient(r DeathRecipient) bool {
	if r == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	for _, existing := range e.recipients {
		if existing == r {
			return true
		}
	}
	e.recipients = append(e.recipients, r)
	return true
}

func (e *Endpoint) RemoveDeathRecipient(r DeathRecipient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.recipients {
		if existing == r {
			e.recipients = append(e.recipients[:i], e.recipients[i+1:]...)
			return
		}
	}
}

func (e *Endpoint) Recipients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recipients)
}

// Kill marks the endpoint dead and notifies recipients in registration order
// on a separate goroutine. The returned channel closes once every recipient
// has returned. Killing a dead endpoint returns an already closed channel.
func (e *Endpoint) Kill() <-chan struct{} {
	done := make(chan struct{})
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		close(done)
		return done
	}
	e.dead = true
	recipients := e.recipients
	e.recipients = nil
	e.mu.Unlock()

	go func() {
		defer close(done)
		for _, r := range recipients {
			r.OnRemoteDied(e)
		}
	}()
	return done
}
