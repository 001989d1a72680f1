package caller

import (
	"context"
	"errors"
	"time"
	"weak"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/remote"
	"github.com/danmuck/formlink/internal/worker"
	"github.com/rs/zerolog/log"
)

// DefaultCleanupDelay separates a death notice from the eviction it triggers.
const DefaultCleanupDelay = 20 * time.Millisecond

var (
	ErrNilCaller = errors.New("caller: nil caller")
	ErrNilQueue  = errors.New("caller: nil worker queue")
)

// HostCaller is a form host endpoint able to serve host-side form calls.
type HostCaller interface {
	remote.Handle
	RequestForm(ctx context.Context, id form.ID, want form.Want) error
	MessageEvent(ctx context.Context, id form.ID, want form.Want) error
	UpdateForm(ctx context.Context, id form.ID, data form.ProviderData) error
}

// ProviderCaller is a form provider endpoint that accepts pushed form data.
type ProviderCaller interface {
	remote.Handle
	UpdateForm(ctx context.Context, id form.ID, data form.ProviderData) error
}

type Options struct {
	CleanupDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.CleanupDelay <= 0 {
		o.CleanupDelay = DefaultCleanupDelay
	}
	return o
}

// Manager owns the host and provider registries for one process.
type Manager struct {
	Hosts     *HostRegistry
	Providers *ProviderRegistry
}

func NewManager(queue *worker.Queue, opts Options) (*Manager, error) {
	if queue == nil {
		return nil, ErrNilQueue
	}
	opts = opts.withDefaults()
	return &Manager{
		Hosts:     newHostRegistry(queue, opts.CleanupDelay),
		Providers: newProviderRegistry(queue, opts.CleanupDelay),
	}, nil
}

// deathRecipient forwards death notices to its registry without keeping the
// registry alive.
type deathRecipient[T any] struct {
	registry string
	owner    weak.Pointer[T]
	notify   func(*T, remote.Handle)
}

func newDeathRecipient[T any](registry string, owner *T, notify func(*T, remote.Handle)) *deathRecipient[T] {
	return &deathRecipient[T]{
		registry: registry,
		owner:    weak.Make(owner),
		notify:   notify,
	}
}

func (r *deathRecipient[T]) OnRemoteDied(h remote.Handle) {
	owner := r.owner.Value()
	if owner == nil {
		log.Warn().Str("registry", r.registry).Msg("caller registry released before death notice")
		return
	}
	r.notify(owner, h)
}

// scheduleEviction posts the delayed cleanup for a dead handle.
func scheduleEviction(queue *worker.Queue, delay time.Duration, registry string, h remote.Handle, evict func(remote.Handle) int) {
	if h == nil {
		log.Error().Str("registry", registry).Msg("death notice without a resolvable handle")
		return
	}
	log.Info().Str("registry", registry).Str("handle", h.ID()).Dur("delay", delay).Msg("remote caller died, scheduling eviction")
	if !queue.PostDelayed(delay, func() { evict(h) }) {
		log.Warn().Str("registry", registry).Str("handle", h.ID()).Msg("worker queue stopped, eviction dropped")
	}
}
