package formsvc

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/formmgr"
	"github.com/danmuck/formlink/internal/observability"
	"github.com/danmuck/formlink/internal/protocol/session"
	csync "github.com/danmuck/formlink/internal/sync"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type ServerConfig struct {
	ListenAddr string
	Session    session.Config
}

// Server answers newline-JSON requests against a Store, one response per
// request, in order, per connection.
type Server struct {
	cfg   ServerConfig
	store *Store

	mu      csync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	active  atomic.Int64

	handlers sync.WaitGroup
}

func NewServer(cfg ServerConfig, store *Store) *Server {
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	cfg.Session = cfg.Session.WithDefaults()
	if store == nil {
		store = NewStore()
	}
	return &Server{
		cfg:   cfg,
		store: store,
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Store() *Store {
	return s.store
}

// Listen binds TCP or TLS depending on the session transport policy.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts connections on ln until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ignoreClosed(ln.Close())
	}
	s.ln = ln
	s.mu.Unlock()
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Session.TLS.Enabled).Msg("formsvc listening")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.DropConnections()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.admit(conn) {
			continue
		}
		go func() {
			defer s.handlers.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// DropConnections closes every client connection and returns how many were
// open. Clients see the service die.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	if len(conns) > 0 {
		log.Warn().Int("connections", len(conns)).Msg("formsvc dropped client connections")
	}
	return len(conns)
}

// Close stops the listener and every client connection and waits for the
// connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.ln = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ignoreClosed(ln.Close()))
	}
	for _, c := range conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	s.handlers.Wait()
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// admit tracks conn and reserves a handler slot. Once Close has started the
// connection is closed instead.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("formsvc refused connection while closing")
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	s.mu.Unlock()
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	log.Info().Str("remote", remote).Int64("active_clients", active).Msg("formsvc client connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Info().Str("remote", remote).Int64("active_clients", remaining).Msg("formsvc client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		req, err := session.ReadRequest(reader)
		if err != nil {
			if req.ID != 0 {
				s.reply(conn, session.Response{ID: req.ID, Code: session.StatusInvalidRequest, Message: err.Error()})
				continue
			}
			if recoverableReadErr(err) {
				log.Warn().Err(err).Str("remote", remote).Msg("formsvc dropped malformed request")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Str("remote", remote).Msg("formsvc read failed")
			}
			return
		}
		resp := s.dispatch(ctx, req)
		observability.RecordServiceRequest(req.Op, resp.Code)
		if !s.reply(conn, resp) {
			return
		}
	}
}

func recoverableReadErr(err error) bool {
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.Is(err, session.ErrEnvelopeTooLarge) || errors.As(err, &syntax) || errors.As(err, &typeErr)
}

func (s *Server) reply(conn net.Conn, resp session.Response) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	if err := session.WriteResponse(conn, resp); err != nil {
		log.Warn().Err(err).Uint64("id", resp.ID).Msg("formsvc write failed")
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, req session.Request) session.Response {
	resp := session.Response{ID: req.ID}
	var err error
	switch req.Op {
	case session.OpAddForm:
		var info form.Info
		info, err = s.store.AddForm(ctx, req.FormID, wantOf(req), req.Token)
		if err == nil {
			resp.Info = &info
		}
	case session.OpDeleteForm:
		err = s.store.DeleteForm(ctx, req.FormID, req.Token)
	case session.OpReleaseForm:
		err = s.store.ReleaseForm(ctx, req.FormID, req.Token, req.DelCache)
	case session.OpUpdateForm:
		var data form.ProviderData
		if req.Data != nil {
			data = *req.Data
		}
		err = s.store.UpdateForm(ctx, req.FormID, data)
	case session.OpRequestForm:
		err = s.store.RequestForm(ctx, req.FormID, req.Token, wantOf(req))
	case session.OpMessageEvent:
		err = s.store.MessageEvent(ctx, req.FormID, wantOf(req), req.Token)
	case session.OpRouterEvent:
		err = s.store.RouterEvent(ctx, req.FormID, wantOf(req), req.Token)
	case session.OpCastTempForm:
		err = s.store.CastTempForm(ctx, req.FormID, req.Token)
	case session.OpSetNextRefreshTime:
		err = s.store.SetNextRefreshTime(ctx, req.FormID, req.NextTime)
	case session.OpLifecycleUpdate:
		err = s.store.LifecycleUpdate(ctx, req.FormIDs, req.Token, req.Lifecycle)
	case session.OpNotifyVisible:
		err = s.store.NotifyFormsVisible(ctx, req.FormIDs, req.Token, req.Visible)
	case session.OpDeleteInvalidForms:
		resp.Count, err = s.store.DeleteInvalidForms(ctx, req.FormIDs, req.Token)
	case session.OpGetAllFormsInfo:
		resp.Infos, err = s.store.GetAllFormsInfo(ctx)
	default:
		err = fmt.Errorf("%w: unknown op %q", session.ErrInvalidRequest, req.Op)
	}
	if err != nil {
		resp.Code = statusFor(err)
		resp.Message = err.Error()
		log.Debug().Err(err).Str("op", req.Op).Int("code", resp.Code).Msg("formsvc request failed")
	}
	return resp
}

func wantOf(req session.Request) form.Want {
	if req.Want == nil {
		return form.Want{}
	}
	return *req.Want
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return session.StatusOK
	case errors.Is(err, ErrFormNotFound):
		return session.StatusFormNotFound
	case errors.Is(err, formmgr.ErrProviderDataEmpty):
		return session.StatusProviderDataEmpty
	case errors.Is(err, session.ErrInvalidRequest):
		return session.StatusInvalidRequest
	case errors.Is(err, form.ErrInvalidID),
		errors.Is(err, form.ErrInvalidRefreshTime),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrTokenMismatch),
		errors.Is(err, ErrNotTemporary):
		return session.StatusInvalidArgument
	default:
		return session.StatusInternal
	}
}
