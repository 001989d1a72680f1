package formsvc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/formmgr"
	"github.com/danmuck/formlink/internal/protocol/session"
	"github.com/danmuck/formlink/internal/remote"
	csync "github.com/danmuck/formlink/internal/sync"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Conn is one client connection to a Server. It is both the remote handle
// and the formmgr.Service for that connection; the handle dies when the
// connection does.
type Conn struct {
	id   string
	addr string
	cfg  session.Config
	nc   net.Conn

	writeMu csync.Mutex

	mu         csync.Mutex
	nextID     uint64
	pending    map[uint64]chan session.Response
	dead       bool
	recipients []remote.DeathRecipient

	closed     chan struct{}
	readerDone chan struct{}
}

var (
	_ remote.Handle   = (*Conn)(nil)
	_ formmgr.Service = (*Conn)(nil)
)

// Dial connects to addr using the session transport policy.
func Dial(ctx context.Context, addr string, cfg session.Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	addr = strings.TrimSpace(addr)
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	var (
		nc  net.Conn
		err error
	)
	if cfg.TLS.Enabled {
		tlsCfg, tlsErr := cfg.ClientTLSConfig(addr)
		if tlsErr != nil {
			return nil, tlsErr
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		nc, err = td.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	c := &Conn{
		id:         uuid.NewString(),
		addr:       addr,
		cfg:        cfg,
		nc:         nc,
		pending:    make(map[uint64]chan session.Response),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	log.Debug().Str("addr", addr).Str("handle", c.id).Msg("formsvc connection opened")
	return c, nil
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *Conn) AddDeathRecipient(r remote.DeathRecipient) bool {
	if r == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	for _, have := range c.recipients {
		if have == r {
			return true
		}
	}
	c.recipients = append(c.recipients, r)
	return true
}

func (c *Conn) RemoveDeathRecipient(r remote.DeathRecipient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.recipients {
		if have == r {
			c.recipients = append(c.recipients[:i], c.recipients[i+1:]...)
			return
		}
	}
}

// Close tears the connection down and waits for the reader. Recipients still
// registered are notified.
func (c *Conn) Close() error {
	err := c.nc.Close()
	<-c.readerDone
	return ignoreClosed(err)
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	reader := bufio.NewReader(c.nc)
	for {
		resp, err := session.ReadResponse(reader)
		if err != nil {
			c.die(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			log.Warn().Uint64("id", resp.ID).Str("handle", c.id).Msg("formsvc response for unknown request")
			continue
		}
		ch <- resp
	}
}

func (c *Conn) die(cause error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	recipients := c.recipients
	c.recipients = nil
	c.pending = nil
	close(c.closed)
	c.mu.Unlock()

	_ = c.nc.Close()
	if errors.Is(cause, net.ErrClosed) {
		log.Debug().Str("handle", c.id).Msg("formsvc connection closed")
	} else {
		log.Warn().Err(cause).Str("handle", c.id).Str("addr", c.addr).Msg("formsvc connection lost")
	}
	for _, r := range recipients {
		r.OnRemoteDied(c)
	}
}

func (c *Conn) call(ctx context.Context, req session.Request) (session.Response, error) {
	ch := make(chan session.Response, 1)
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return session.Response{}, fmt.Errorf("%w: %s", formmgr.ErrNotConnected, c.addr)
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := session.WriteRequest(c.nc, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		if errors.Is(err, session.ErrEnvelopeTooLarge) || errors.Is(err, session.ErrInvalidRequest) {
			return session.Response{}, err
		}
		_ = c.nc.Close()
		return session.Response{}, fmt.Errorf("%w: write %s: %v", formmgr.ErrNotConnected, req.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Code != session.StatusOK {
			return resp, &formmgr.RemoteError{Op: req.Op, Status: resp.Code, Message: resp.Message}
		}
		return resp, nil
	case <-c.closed:
		return session.Response{}, fmt.Errorf("%w: %s lost during %s", formmgr.ErrNotConnected, c.addr, req.Op)
	case <-ctx.Done():
		c.forget(req.ID)
		return session.Response{}, ctx.Err()
	}
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) AddForm(ctx context.Context, id form.ID, want form.Want, token string) (form.Info, error) {
	resp, err := c.call(ctx, session.Request{Op: session.OpAddForm, FormID: id, Want: &want, Token: token})
	if err != nil {
		return form.Info{}, err
	}
	if resp.Info == nil {
		return form.Info{}, fmt.Errorf("%w: add response without info", session.ErrInvalidResponse)
	}
	return *resp.Info, nil
}

func (c *Conn) DeleteForm(ctx context.Context, id form.ID, token string) error {
	_, err := c.call(ctx, session.Request{Op: session.OpDeleteForm, FormID: id, Token: token})
	return err
}

func (c *Conn) ReleaseForm(ctx context.Context, id form.ID, token string, delCache bool) error {
	_, err := c.call(ctx, session.Request{Op: session.OpReleaseForm, FormID: id, Token: token, DelCache: delCache})
	return err
}

func (c *Conn) UpdateForm(ctx context.Context, id form.ID, data form.ProviderData) error {
	_, err := c.call(ctx, session.Request{Op: session.OpUpdateForm, FormID: id, Data: &data})
	return err
}

func (c *Conn) RequestForm(ctx context.Context, id form.ID, token string, want form.Want) error {
	_, err := c.call(ctx, session.Request{Op: session.OpRequestForm, FormID: id, Token: token, Want: &want})
	return err
}

func (c *Conn) MessageEvent(ctx context.Context, id form.ID, want form.Want, token string) error {
	_, err := c.call(ctx, session.Request{Op: session.OpMessageEvent, FormID: id, Want: &want, Token: token})
	return err
}

func (c *Conn) RouterEvent(ctx context.Context, id form.ID, want form.Want, token string) error {
	_, err := c.call(ctx, session.Request{Op: session.OpRouterEvent, FormID: id, Want: &want, Token: token})
	return err
}

func (c *Conn) CastTempForm(ctx context.Context, id form.ID, token string) error {
	_, err := c.call(ctx, session.Request{Op: session.OpCastTempForm, FormID: id, Token: token})
	return err
}

func (c *Conn) SetNextRefreshTime(ctx context.Context, id form.ID, minutes int64) error {
	_, err := c.call(ctx, session.Request{Op: session.OpSetNextRefreshTime, FormID: id, NextTime: minutes})
	return err
}

func (c *Conn) LifecycleUpdate(ctx context.Context, ids []form.ID, token string, kind form.LifecycleType) error {
	_, err := c.call(ctx, session.Request{Op: session.OpLifecycleUpdate, FormIDs: ids, Token: token, Lifecycle: kind})
	return err
}

func (c *Conn) NotifyFormsVisible(ctx context.Context, ids []form.ID, token string, visible form.VisibleType) error {
	_, err := c.call(ctx, session.Request{Op: session.OpNotifyVisible, FormIDs: ids, Token: token, Visible: visible})
	return err
}

func (c *Conn) DeleteInvalidForms(ctx context.Context, validIDs []form.ID, token string) (int, error) {
	resp, err := c.call(ctx, session.Request{Op: session.OpDeleteInvalidForms, FormIDs: validIDs, Token: token})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Conn) GetAllFormsInfo(ctx context.Context) ([]form.Info, error) {
	resp, err := c.call(ctx, session.Request{Op: session.OpGetAllFormsInfo})
	if err != nil {
		return nil, err
	}
	return resp.Infos, nil
}

// Locator resolves service ids to addresses and dials a fresh Conn per
// lookup.
type Locator struct {
	Session  session.Config
	Services map[string]string
}

var _ remote.Locator[formmgr.Service] = (*Locator)(nil)

func NewLocator(cfg session.Config, services map[string]string) *Locator {
	return &Locator{Session: cfg, Services: services}
}

func (l *Locator) Lookup(ctx context.Context, serviceID string) (remote.Binding[formmgr.Service], error) {
	addr, ok := l.Services[serviceID]
	if !ok {
		return remote.Binding[formmgr.Service]{}, fmt.Errorf("%w: %s", remote.ErrServiceNotFound, serviceID)
	}
	conn, err := Dial(ctx, addr, l.Session)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return remote.Binding[formmgr.Service]{}, err
		}
		return remote.Binding[formmgr.Service]{}, fmt.Errorf("%w: %s at %s: %v", remote.ErrServiceNotFound, serviceID, addr, err)
	}
	return remote.Binding[formmgr.Service]{Handle: conn, Iface: conn}, nil
}
