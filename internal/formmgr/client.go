// Package formmgr is the client-side proxy to the form manager service. It
// caches the remote binding, notices when the service dies, reconnects in the
// background and fails fast while that is in progress.
package formmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/formlink/internal/caller"
	"github.com/danmuck/formlink/internal/observability"
	"github.com/danmuck/formlink/internal/protocol/session"
	"github.com/danmuck/formlink/internal/remote"
	csync "github.com/danmuck/formlink/internal/sync"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateRecovering
	StateRecoverFailed
)

var stateNames = []string{"disconnected", "connected", "recovering", "recover_failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Client proxies form operations to the service resolved through a Locator.
type Client struct {
	cfg     Config
	locator remote.Locator[Service]
	callers *caller.Manager
	clock   clock.Clock

	mu      csync.Mutex
	service Service
	handle  remote.Handle
	state   State
	closed  bool

	// recovering and failed are written under mu and read without it on the
	// call path.
	recovering atomic.Bool
	failed     atomic.Bool

	recipient *serviceRecipient

	cbMu      csync.Mutex
	callbacks []DeathCallback

	attempts atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(locator remote.Locator[Service], opts Options) (*Client, error) {
	if locator == nil {
		return nil, fmt.Errorf("%w: nil locator", ErrInvalidArgument)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     opts.Config.withDefaults(),
		locator: locator,
		callers: opts.Callers,
		clock:   clk,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.recipient = &serviceRecipient{owner: weak.Make(c)}
	c.publishStateLocked()
	return c, nil
}

func (c *Client) ServiceID() string {
	return c.cfg.ServiceID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recovering reports whether calls are currently being rejected with
// ErrServerInRecovery.
func (c *Client) Recovering() bool {
	return c.recovering.Load()
}

// ReconnectAttempts counts lookups made by Reconnect since the client was
// created.
func (c *Client) ReconnectAttempts() int64 {
	return c.attempts.Load()
}

// Connect returns the cached service, resolving and watching it first when
// nothing is cached.
func (c *Client) Connect(ctx context.Context) (Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.state == StateRecoverFailed {
		return nil, ErrRecoverFailed
	}
	if c.service != nil {
		return c.service, nil
	}

	b, err := c.locator.Lookup(ctx, c.cfg.ServiceID)
	if err != nil {
		return nil, lookupError(err)
	}
	if b.Handle == nil {
		return nil, fmt.Errorf("%w: %s resolved without a handle", ErrServiceNotFound, c.cfg.ServiceID)
	}
	if !b.Handle.AddDeathRecipient(c.recipient) {
		closeHandle(b.Handle)
		return nil, fmt.Errorf("%w: %s handle=%s", ErrDeathRecipient, c.cfg.ServiceID, b.Handle.ID())
	}
	c.service = b.Iface
	c.handle = b.Handle
	if !c.recovering.Load() {
		c.setStateLocked(StateConnected)
	}
	log.Debug().Str("service", c.cfg.ServiceID).Str("handle", b.Handle.ID()).Msg("form manager connected")
	return c.service, nil
}

func lookupError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, remote.ErrServiceNotFound):
		return fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrServiceLookupFailed, err)
	}
}

// ResetProxy drops the cached binding when h is the handle it was resolved
// with and starts the same background recovery a death notice does. It
// reports whether anything was reset.
func (c *Client) ResetProxy(h remote.Handle) bool {
	c.mu.Lock()
	if !c.resetLocked(h) {
		c.mu.Unlock()
		return false
	}
	c.startRecoveryLocked()
	c.mu.Unlock()
	return true
}

func (c *Client) resetLocked(h remote.Handle) bool {
	if c.closed || c.handle == nil || !remote.SameHandle(c.handle, h) {
		return false
	}
	c.handle.RemoveDeathRecipient(c.recipient)
	c.service = nil
	c.handle = nil
	c.recovering.Store(true)
	c.setStateLocked(StateRecovering)
	return true
}

// OnRemoteDied starts background recovery when the cached service dies.
// Notices arriving while a recovery runs are ignored.
func (c *Client) OnRemoteDied(h remote.Handle) {
	if h == nil {
		log.Error().Str("service", c.cfg.ServiceID).Msg("death notice without a resolvable handle")
		return
	}
	c.mu.Lock()
	if c.recovering.Load() {
		c.mu.Unlock()
		log.Warn().Str("service", c.cfg.ServiceID).Str("handle", h.ID()).Msg("death notice while recovering, ignored")
		return
	}
	if !c.resetLocked(h) {
		c.mu.Unlock()
		log.Debug().Str("service", c.cfg.ServiceID).Str("handle", h.ID()).Msg("death notice for stale handle")
		return
	}
	log.Warn().Str("service", c.cfg.ServiceID).Str("handle", h.ID()).Msg("form manager died, recovering")
	c.startRecoveryLocked()
	c.mu.Unlock()
}

// startRecoveryLocked runs recover on its own goroutine, tracked by wg so
// Close can wait for it.
func (c *Client) startRecoveryLocked() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recover(c.ctx)
	}()
}

// Reconnect tries up to MaxRetryAttempts lookups, waiting the retry interval
// before each, and reports whether one succeeded.
func (c *Client) Reconnect(ctx context.Context) bool {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; attempt <= c.cfg.MaxRetryAttempts; attempt++ {
		if err := c.sleep(ctx, session.NextBackoffDelay(c.cfg.Retry, attempt, rng)); err != nil {
			log.Warn().Err(err).Str("service", c.cfg.ServiceID).Int("attempt", attempt).Msg("reconnect interrupted")
			return false
		}
		c.attempts.Add(1)
		if _, err := c.Connect(ctx); err != nil {
			observability.RecordReconnectAttempt(c.cfg.ServiceID, false)
			log.Warn().Err(err).Str("service", c.cfg.ServiceID).Int("attempt", attempt).Int("max", c.cfg.MaxRetryAttempts).Msg("reconnect failed")
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrRecoverFailed) {
				return false
			}
			continue
		}
		observability.RecordReconnectAttempt(c.cfg.ServiceID, true)
		log.Info().Str("service", c.cfg.ServiceID).Int("attempt", attempt).Msg("reconnected")
		return true
	}
	return false
}

// Recover retries a client left in StateRecoverFailed. It runs in the
// caller's goroutine and reports whether the client ended up connected.
func (c *Client) Recover(ctx context.Context) bool {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return false
	case c.state != StateRecoverFailed:
		ok := c.state == StateConnected
		c.mu.Unlock()
		return ok
	}
	c.recovering.Store(true)
	c.setStateLocked(StateRecovering)
	c.mu.Unlock()

	c.recover(ctx)
	return c.State() == StateConnected
}

func (c *Client) recover(ctx context.Context) {
	for {
		if !c.Reconnect(ctx) {
			c.failRecovery()
			return
		}
		c.notifyDeathCallbacks()
		if c.completeRecovery() {
			return
		}
		log.Warn().Str("service", c.cfg.ServiceID).Msg("service died again during recovery")
	}
}

// completeRecovery clears the recovering flag once the new binding is still
// alive; otherwise it drops the binding and stays recovering.
func (c *Client) completeRecovery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil && c.handle.Alive() {
		c.recovering.Store(false)
		c.setStateLocked(StateConnected)
		return true
	}
	if c.handle != nil {
		c.handle.RemoveDeathRecipient(c.recipient)
	}
	c.service = nil
	c.handle = nil
	return false
}

func (c *Client) failRecovery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recovering.Store(false)
	if c.closed {
		return
	}
	c.setStateLocked(StateRecoverFailed)
	log.Error().Str("service", c.cfg.ServiceID).Int("max_attempts", c.cfg.MaxRetryAttempts).Msg("form manager recover failed")
}

func (c *Client) notifyDeathCallbacks() {
	c.cbMu.Lock()
	cbs := append([]DeathCallback(nil), c.callbacks...)
	c.cbMu.Unlock()
	for _, cb := range cbs {
		cb.OnDeathReceived()
	}
}

// RegisterDeathCallback adds cb to the callbacks run after a successful
// recovery. Registering the same callback twice is a no-op.
func (c *Client) RegisterDeathCallback(cb DeathCallback) {
	if cb == nil {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for _, have := range c.callbacks {
		if have == cb {
			return
		}
	}
	c.callbacks = append(c.callbacks, cb)
}

func (c *Client) UnregisterDeathCallback(cb DeathCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for i, have := range c.callbacks {
		if have == cb {
			c.callbacks = append(c.callbacks[:i], c.callbacks[i+1:]...)
			return
		}
	}
}

func (c *Client) IsDeathCallbackRegistered(cb DeathCallback) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for _, have := range c.callbacks {
		if have == cb {
			return true
		}
	}
	return false
}

// CheckServiceReady probes the locator without touching the cached binding.
func (c *Client) CheckServiceReady(ctx context.Context) bool {
	b, err := c.locator.Lookup(ctx, c.cfg.ServiceID)
	if err != nil {
		log.Debug().Err(err).Str("service", c.cfg.ServiceID).Msg("service not ready")
		return false
	}
	c.mu.Lock()
	cached := c.handle
	c.mu.Unlock()
	if b.Handle != nil && !remote.SameHandle(b.Handle, cached) {
		closeHandle(b.Handle)
	}
	return b.Handle != nil
}

// Close stops any running recovery and releases the cached binding.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.handle
	if h != nil {
		h.RemoveDeathRecipient(c.recipient)
	}
	c.service = nil
	c.handle = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.wg.Wait()
	if h != nil {
		return closeHandle(h)
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	c.failed.Store(s == StateRecoverFailed)
	c.publishStateLocked()
}

func (c *Client) publishStateLocked() {
	observability.SetProxyState(c.cfg.ServiceID, stateNames, c.state.String())
}

func closeHandle(h remote.Handle) error {
	if cl, ok := h.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

type serviceRecipient struct {
	owner weak.Pointer[Client]
}

func (r *serviceRecipient) OnRemoteDied(h remote.Handle) {
	c := r.owner.Value()
	if c == nil {
		return
	}
	c.OnRemoteDied(h)
}
