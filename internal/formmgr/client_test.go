package formmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/formlink/internal/caller"
	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/protocol/session"
	"github.com/danmuck/formlink/internal/remote"
	"github.com/danmuck/formlink/internal/testutil/testlog"
	"github.com/danmuck/formlink/internal/worker"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeService struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
	infos []form.Info
}

func newFakeService() *fakeService {
	return &fakeService{calls: make(map[string]int)}
}

func (f *fakeService) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeService) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeService) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeService) AddForm(_ context.Context, id form.ID, want form.Want, _ string) (form.Info, error) {
	if err := f.record("add"); err != nil {
		return form.Info{}, err
	}
	if id == 0 {
		id = 100
	}
	return form.Info{ID: id, BundleName: want.BundleName, AbilityName: want.AbilityName}, nil
}

func (f *fakeService) DeleteForm(context.Context, form.ID, string) error {
	return f.record("delete")
}

func (f *fakeService) ReleaseForm(context.Context, form.ID, string, bool) error {
	return f.record("release")
}

func (f *fakeService) UpdateForm(context.Context, form.ID, form.ProviderData) error {
	return f.record("update")
}

func (f *fakeService) RequestForm(context.Context, form.ID, string, form.Want) error {
	return f.record("request")
}

func (f *fakeService) MessageEvent(context.Context, form.ID, form.Want, string) error {
	return f.record("message")
}

func (f *fakeService) RouterEvent(context.Context, form.ID, form.Want, string) error {
	return f.record("router")
}

func (f *fakeService) CastTempForm(context.Context, form.ID, string) error {
	return f.record("cast")
}

func (f *fakeService) SetNextRefreshTime(context.Context, form.ID, int64) error {
	return f.record("refresh")
}

func (f *fakeService) LifecycleUpdate(context.Context, []form.ID, string, form.LifecycleType) error {
	return f.record("lifecycle")
}

func (f *fakeService) NotifyFormsVisible(context.Context, []form.ID, string, form.VisibleType) error {
	return f.record("visible")
}

func (f *fakeService) DeleteInvalidForms(_ context.Context, valid []form.ID, _ string) (int, error) {
	if err := f.record("delete_invalid"); err != nil {
		return 0, err
	}
	return 3 - len(valid), nil
}

func (f *fakeService) GetAllFormsInfo(context.Context) ([]form.Info, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]form.Info(nil), f.infos...), nil
}

type callbackLog struct {
	mu         sync.Mutex
	names      []string
	recovering []bool
}

func (l *callbackLog) snapshot() ([]string, []bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...), append([]bool(nil), l.recovering...)
}

type namedCallback struct {
	name   string
	client *Client
	log    *callbackLog
}

func (n *namedCallback) OnDeathReceived() {
	n.log.mu.Lock()
	defer n.log.mu.Unlock()
	n.log.names = append(n.log.names, n.name)
	n.log.recovering = append(n.log.recovering, n.client.Recovering())
}

type fakeHost struct {
	*remote.Endpoint

	mu       sync.Mutex
	requests int
	messages int
	updates  int
}

func newFakeHost() *fakeHost {
	return &fakeHost{Endpoint: remote.NewEndpoint()}
}

func (h *fakeHost) RequestForm(context.Context, form.ID, form.Want) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests++
	return nil
}

func (h *fakeHost) MessageEvent(context.Context, form.ID, form.Want) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages++
	return nil
}

func (h *fakeHost) UpdateForm(context.Context, form.ID, form.ProviderData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	return nil
}

func (h *fakeHost) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests, h.messages, h.updates
}

func fastConfig(attempts int) Config {
	return Config{
		ServiceID:        "form.mgr.test",
		MaxRetryAttempts: attempts,
		Retry:            session.FixedBackoff(time.Millisecond),
	}
}

func newTestClient(t *testing.T, locator remote.Locator[Service], opts Options) *Client {
	t.Helper()
	c, err := New(locator, opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func publish(hub *remote.Hub[Service], id string) (*remote.Endpoint, *fakeService) {
	ep := remote.NewEndpoint()
	svc := newFakeService()
	hub.Publish(id, ep, svc)
	return ep, svc
}

func TestNewRequiresLocator(t *testing.T) {
	testlog.Start(t)
	if _, err := New(nil, Options{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got=%v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.withDefaults()
	if cfg.ServiceID != DefaultServiceID || cfg.MaxRetryAttempts != DefaultMaxRetryAttempts {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Retry.InitialDelay != DefaultRetryInterval || cfg.Retry.Jitter {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
}

func TestDefaultRetryIntervalSpacesAttempts(t *testing.T) {
	testlog.Start(t)
	var lookups atomic.Int64
	locator := remote.LocatorFunc[Service](func(context.Context, string) (remote.Binding[Service], error) {
		lookups.Add(1)
		return remote.Binding[Service]{}, remote.ErrRegistryUnavailable
	})
	mock := clock.NewMock()
	start := mock.Now()
	c := newTestClient(t, locator, Options{Clock: mock})

	done := make(chan bool, 1)
	go func() { done <- c.Reconnect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if got := lookups.Load(); got != 0 {
		t.Fatalf("first attempt must wait for the retry interval, got=%d lookups", got)
	}
	var ok bool
	waitFor(t, "reconnect to give up", func() bool {
		select {
		case ok = <-done:
			return true
		default:
			mock.Add(DefaultRetryInterval)
			return false
		}
	})
	if ok {
		t.Fatalf("reconnect should fail when every lookup fails")
	}
	if got := lookups.Load(); got != DefaultMaxRetryAttempts {
		t.Fatalf("expected %d lookups, got=%d", DefaultMaxRetryAttempts, got)
	}
	if elapsed := mock.Now().Sub(start); elapsed < DefaultMaxRetryAttempts*DefaultRetryInterval {
		t.Fatalf("attempts not spaced by the retry interval, elapsed=%s", elapsed)
	}
}

func TestConnectCachesBinding(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(3)
	ep, svc := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg})

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected before connect, got=%s", c.State())
	}
	for i := 0; i < 3; i++ {
		got, err := c.Connect(context.Background())
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if got != Service(svc) {
			t.Fatalf("connect %d returned another service", i)
		}
	}
	if hub.Lookups() != 1 {
		t.Fatalf("expected one lookup, got=%d", hub.Lookups())
	}
	if ep.Recipients() != 1 {
		t.Fatalf("expected one death recipient, got=%d", ep.Recipients())
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got=%s", c.State())
	}
}

func TestConnectErrors(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig(1)

	hub := remote.NewHub[Service]()
	hub.SetAvailable(false)
	c := newTestClient(t, hub, Options{Config: cfg})
	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrServiceLookupFailed) || Code(err) != CodeServiceLookupFailed {
		t.Fatalf("expected lookup failure, got=%v code=%d", err, Code(err))
	}

	hub.SetAvailable(true)
	_, err = c.Connect(context.Background())
	if !errors.Is(err, ErrServiceNotFound) || Code(err) != CodeServiceNotFound {
		t.Fatalf("expected not found, got=%v", err)
	}

	dead := remote.NewEndpoint()
	<-dead.Kill()
	deadLocator := remote.LocatorFunc[Service](func(context.Context, string) (remote.Binding[Service], error) {
		return remote.Binding[Service]{Handle: dead, Iface: newFakeService()}, nil
	})
	c2 := newTestClient(t, deadLocator, Options{Config: cfg})
	if _, err := c2.Connect(context.Background()); !errors.Is(err, ErrDeathRecipient) {
		t.Fatalf("expected death recipient failure, got=%v", err)
	}
	if c2.State() != StateDisconnected {
		t.Fatalf("failed connect must not change state, got=%s", c2.State())
	}
}

func TestReconnectBoundedByMaxAttempts(t *testing.T) {
	testlog.Start(t)
	var lookups atomic.Int64
	locator := remote.LocatorFunc[Service](func(context.Context, string) (remote.Binding[Service], error) {
		lookups.Add(1)
		return remote.Binding[Service]{}, remote.ErrRegistryUnavailable
	})
	c := newTestClient(t, locator, Options{Config: fastConfig(4)})

	if c.Reconnect(context.Background()) {
		t.Fatalf("reconnect should fail when every lookup fails")
	}
	if got := lookups.Load(); got != 4 {
		t.Fatalf("expected 4 lookups, got=%d", got)
	}
	if got := c.ReconnectAttempts(); got != 4 {
		t.Fatalf("expected 4 attempts, got=%d", got)
	}
}

func TestReconnectStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	locator := remote.LocatorFunc[Service](func(context.Context, string) (remote.Binding[Service], error) {
		return remote.Binding[Service]{}, remote.ErrRegistryUnavailable
	})
	c := newTestClient(t, locator, Options{Config: fastConfig(30)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Reconnect(ctx) {
		t.Fatalf("reconnect should fail on a cancelled context")
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatalf("expected no attempts, got=%d", c.ReconnectAttempts())
	}
}

func TestRecoveryFailsFastThenRestores(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	mock := clock.NewMock()
	cfg := fastConfig(5)
	cfg.Retry = session.FixedBackoff(time.Second)
	ep1, svc1 := publish(hub, cfg.ServiceID)

	// The first lookup after the death fails; the replacement service is
	// published only once that attempt has been refused.
	var failNext atomic.Bool
	replacement := make(chan *fakeService, 1)
	locator := remote.LocatorFunc[Service](func(ctx context.Context, id string) (remote.Binding[Service], error) {
		if failNext.CompareAndSwap(true, false) {
			_, svc := publish(hub, id)
			replacement <- svc
			return remote.Binding[Service]{}, remote.ErrRegistryUnavailable
		}
		return hub.Lookup(ctx, id)
	})
	c := newTestClient(t, locator, Options{Config: cfg, Clock: mock})

	cbLog := &callbackLog{}
	first := &namedCallback{name: "first", client: c, log: cbLog}
	second := &namedCallback{name: "second", client: c, log: cbLog}
	c.RegisterDeathCallback(first)
	c.RegisterDeathCallback(second)

	ctx := context.Background()
	if _, err := c.GetAllFormsInfo(ctx); err != nil {
		t.Fatalf("list before death: %v", err)
	}
	failNext.Store(true)
	<-ep1.Kill()

	if !c.Recovering() || c.State() != StateRecovering {
		t.Fatalf("expected recovering after death, state=%s", c.State())
	}
	lookups := hub.Lookups()
	calls := []func() error{
		func() error { return c.DeleteForm(ctx, 1, "tok") },
		func() error { return c.DeleteForm(ctx, 0, "tok") },
		func() error { return c.UpdateForm(ctx, 1, form.ProviderData{}) },
		func() error { return c.SetNextRefreshTime(ctx, 1, 1) },
		func() error { _, err := c.GetAllFormsInfo(ctx); return err },
		func() error { _, err := c.AddForm(ctx, 0, form.Want{}, "tok"); return err },
	}
	for i, call := range calls {
		err := call()
		if !errors.Is(err, ErrServerInRecovery) || Code(err) != CodeInRecovery {
			t.Fatalf("call %d: expected ErrServerInRecovery, got=%v", i, err)
		}
	}
	if hub.Lookups() != lookups {
		t.Fatalf("fast fail must not look up the service")
	}
	if svc1.total() != 1 {
		t.Fatalf("dead service must see no new calls, got=%d", svc1.total())
	}

	waitFor(t, "recovery", func() bool {
		mock.Add(time.Second)
		return c.State() == StateConnected
	})
	if got := c.ReconnectAttempts(); got != 2 {
		t.Fatalf("expected reconnect to succeed on attempt 2, got=%d", got)
	}
	svc := <-replacement
	if c.Recovering() {
		t.Fatalf("recovering flag still set after recovery")
	}
	names, sawRecovering := cbLog.snapshot()
	if diff := cmp.Diff([]string{"first", "second"}, names); diff != "" {
		t.Fatalf("callback order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true, true}, sawRecovering); diff != "" {
		t.Fatalf("callbacks must run before the flag clears (-want +got):\n%s", diff)
	}
	if _, err := c.GetAllFormsInfo(ctx); err != nil {
		t.Fatalf("list after recovery: %v", err)
	}
	if svc.count("list") != 1 {
		t.Fatalf("expected call on recovered service, got=%d", svc.count("list"))
	}
	if svc1.count("list") != 1 {
		t.Fatalf("old service got calls after recovery")
	}
}

func TestRecoverFailedIsTerminalUntilRecover(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(2)
	ep1, _ := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg})
	cbLog := &callbackLog{}
	c.RegisterDeathCallback(&namedCallback{name: "cb", client: c, log: cbLog})

	ctx := context.Background()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	hub.Withdraw(cfg.ServiceID)
	<-ep1.Kill()

	waitFor(t, "recover failed", func() bool { return c.State() == StateRecoverFailed })
	if c.Recovering() {
		t.Fatalf("recovering must clear when recovery gives up")
	}
	if c.ReconnectAttempts() != 2 {
		t.Fatalf("expected 2 attempts, got=%d", c.ReconnectAttempts())
	}
	err := c.DeleteForm(ctx, 1, "tok")
	if !errors.Is(err, ErrRecoverFailed) || Code(err) != CodeRecoverFailed {
		t.Fatalf("expected ErrRecoverFailed, got=%v", err)
	}
	if names, _ := cbLog.snapshot(); len(names) != 0 {
		t.Fatalf("callbacks must not run on failed recovery, got=%v", names)
	}

	_, svc := publish(hub, cfg.ServiceID)
	if !c.Recover(ctx) {
		t.Fatalf("explicit recover should succeed once the service is back")
	}
	if err := c.DeleteForm(ctx, 1, "tok"); err != nil {
		t.Fatalf("delete after recover: %v", err)
	}
	if svc.count("delete") != 1 {
		t.Fatalf("expected delete on new service")
	}
	if names, _ := cbLog.snapshot(); len(names) != 1 {
		t.Fatalf("expected one callback after recover, got=%v", names)
	}
	if !c.Recover(ctx) {
		t.Fatalf("recover on a connected client reports true")
	}
}

func TestStaleAndDuplicateDeathNotices(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	mock := clock.NewMock()
	cfg := fastConfig(3)
	cfg.Retry = session.FixedBackoff(time.Second)
	ep1, _ := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg, Clock: mock})

	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.OnRemoteDied(nil)
	stranger := remote.NewEndpoint()
	c.OnRemoteDied(stranger)
	if c.Recovering() {
		t.Fatalf("notice for an unknown handle must be ignored")
	}

	<-ep1.Kill()
	if !c.Recovering() {
		t.Fatalf("expected recovering")
	}
	if c.ResetProxy(ep1) {
		t.Fatalf("second reset for the same death must be a no-op")
	}
	c.OnRemoteDied(ep1)
	if c.State() != StateRecovering {
		t.Fatalf("duplicate notice changed state to %s", c.State())
	}
}

func TestResetProxyStartsRecovery(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	mock := clock.NewMock()
	cfg := fastConfig(3)
	cfg.Retry = session.FixedBackoff(time.Second)
	ep1, _ := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg, Clock: mock})
	cbLog := &callbackLog{}
	c.RegisterDeathCallback(&namedCallback{name: "cb", client: c, log: cbLog})

	ctx := context.Background()
	if _, err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.ResetProxy(remote.NewEndpoint()) {
		t.Fatalf("reset with a foreign handle must be a no-op")
	}
	if !c.ResetProxy(ep1) {
		t.Fatalf("reset with the cached handle should succeed")
	}
	if !c.Recovering() || ep1.Recipients() != 0 {
		t.Fatalf("reset must enter recovery and detach, recipients=%d", ep1.Recipients())
	}
	if _, err := c.GetAllFormsInfo(ctx); !errors.Is(err, ErrServerInRecovery) {
		t.Fatalf("expected ErrServerInRecovery, got=%v", err)
	}

	_, svc := publish(hub, cfg.ServiceID)
	waitFor(t, "recovery after reset", func() bool {
		mock.Add(time.Second)
		return c.State() == StateConnected
	})
	if c.Recovering() {
		t.Fatalf("recovering flag still set after reset recovery")
	}
	if names, _ := cbLog.snapshot(); len(names) != 1 {
		t.Fatalf("expected one callback after reset recovery, got=%v", names)
	}
	if _, err := c.GetAllFormsInfo(ctx); err != nil {
		t.Fatalf("list after reset recovery: %v", err)
	}
	if svc.count("list") != 1 {
		t.Fatalf("expected call on the new service, got=%d", svc.count("list"))
	}
}

func TestCloseStopsRecovery(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	mock := clock.NewMock()
	cfg := fastConfig(30)
	cfg.Retry = session.FixedBackoff(time.Hour)
	ep1, _ := publish(hub, cfg.ServiceID)
	c, err := New(hub, Options{Config: cfg, Clock: mock})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-ep1.Kill()

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked on recovery")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got=%s", c.State())
	}
	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got=%v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestValidationHappensBeforeConnect(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(1)
	_, svc := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg})
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"delete zero", func() error { return c.DeleteForm(ctx, 0, "tok") }, ErrInvalidFormID},
		{"release negative", func() error { return c.ReleaseForm(ctx, -1, "tok", true) }, ErrInvalidFormID},
		{"update empty", func() error { return c.UpdateForm(ctx, 1, form.ProviderData{}) }, ErrProviderDataEmpty},
		{"refresh too soon", func() error { return c.SetNextRefreshTime(ctx, 1, form.MinNextRefreshMinutes-1) }, ErrInvalidRefreshTime},
		{"lifecycle kind", func() error { return c.LifecycleUpdate(ctx, []form.ID{1}, "tok", 0) }, ErrInvalidArgument},
		{"lifecycle ids", func() error { return c.LifecycleUpdate(ctx, nil, "tok", form.UpdateAsEnable) }, ErrInvalidFormID},
		{"visible kind", func() error { return c.NotifyFormsVisible(ctx, []form.ID{1}, "tok", 9) }, ErrInvalidArgument},
		{"invalid list", func() error { _, err := c.DeleteInvalidForms(ctx, []form.ID{2, 0}, "tok"); return err }, ErrInvalidFormID},
		{"add want", func() error { _, err := c.AddForm(ctx, 0, form.Want{}, "tok"); return err }, ErrInvalidArgument},
	}
	for _, tc := range cases {
		if err := tc.call(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got=%v", tc.name, tc.want, err)
		}
	}
	if svc.total() != 0 || hub.Lookups() != 0 {
		t.Fatalf("invalid calls reached the service: calls=%d lookups=%d", svc.total(), hub.Lookups())
	}
}

func TestOperationsReachService(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(1)
	_, svc := publish(hub, cfg.ServiceID)
	svc.infos = []form.Info{{ID: 1, Name: "clock"}}
	c := newTestClient(t, hub, Options{Config: cfg})
	ctx := context.Background()
	want := form.Want{BundleName: "b", AbilityName: "a"}

	info, err := c.AddForm(ctx, 0, want, "tok")
	if err != nil || info.ID != 100 {
		t.Fatalf("add: info=%+v err=%v", info, err)
	}
	steps := []error{
		c.DeleteForm(ctx, 1, "tok"),
		c.ReleaseForm(ctx, 1, "tok", false),
		c.UpdateForm(ctx, 1, form.ProviderData{Data: "{}"}),
		c.RequestForm(ctx, 1, "tok", want),
		c.MessageEvent(ctx, 1, want, "tok"),
		c.RouterEvent(ctx, 1, want, "tok"),
		c.CastTempForm(ctx, 1, "tok"),
		c.SetNextRefreshTime(ctx, 1, 10),
		c.LifecycleUpdate(ctx, []form.ID{1, 2}, "tok", form.UpdateAsDisable),
		c.NotifyFormsVisible(ctx, []form.ID{1}, "tok", form.Visible),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	n, err := c.DeleteInvalidForms(ctx, []form.ID{1}, "tok")
	if err != nil || n != 2 {
		t.Fatalf("delete invalid: n=%d err=%v", n, err)
	}
	infos, err := c.GetAllFormsInfo(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(svc.infos, infos); diff != "" {
		t.Fatalf("infos mismatch (-want +got):\n%s", diff)
	}
	if svc.total() != 13 {
		t.Fatalf("expected 13 service calls, got=%d", svc.total())
	}
}

func TestRemoteErrorsAreClassified(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(1)
	_, svc := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg})
	ctx := context.Background()

	svc.setErr(&RemoteError{Op: "form.delete", Status: 3, Message: "form not found"})
	err := c.DeleteForm(ctx, 1, "tok")
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Status != 3 || !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected remote error, got=%v", err)
	}

	svc.setErr(errors.New("boom"))
	if err := c.CastTempForm(ctx, 1, "tok"); !errors.Is(err, ErrRemoteRejected) || Code(err) != CodeRemoteRejected {
		t.Fatalf("expected wrapped remote rejection, got=%v", err)
	}

	svc.setErr(ErrNotConnected)
	if err := c.RouterEvent(ctx, 1, form.Want{}, "tok"); !errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected ErrNotConnected untouched, got=%v", err)
	}
}

func TestCallerRouting(t *testing.T) {
	testlog.Start(t)
	q := worker.New(clock.NewMock())
	t.Cleanup(q.Stop)
	mgr, err := caller.NewManager(q, caller.Options{})
	if err != nil {
		t.Fatalf("caller manager: %v", err)
	}
	hub := remote.NewHub[Service]()
	cfg := fastConfig(1)
	_, svc := publish(hub, cfg.ServiceID)
	c := newTestClient(t, hub, Options{Config: cfg, Callers: mgr})
	ctx := context.Background()

	host := newFakeHost()
	provider := newFakeHost()
	if err := mgr.Hosts.Add(host, form.Info{ID: 7}); err != nil {
		t.Fatalf("add host: %v", err)
	}
	if err := mgr.Providers.AddForm(provider, 7); err != nil {
		t.Fatalf("add provider: %v", err)
	}

	if err := c.RequestForm(ctx, 7, "tok", form.Want{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := c.MessageEvent(ctx, 7, form.Want{}, "tok"); err != nil {
		t.Fatalf("message: %v", err)
	}
	if err := c.UpdateForm(ctx, 7, form.ProviderData{Data: "x"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	req, msg, upd := host.counts()
	if req != 1 || msg != 1 || upd != 1 {
		t.Fatalf("host counts req=%d msg=%d upd=%d", req, msg, upd)
	}
	if _, _, pupd := provider.counts(); pupd != 0 {
		t.Fatalf("host caller must take the update, provider count=%d", pupd)
	}
	if svc.count("request") != 0 || svc.count("message") != 0 || svc.count("update") != 1 {
		t.Fatalf("unexpected service routing: %v", svc.calls)
	}

	if err := c.DeleteForm(ctx, 7, "tok"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := mgr.Hosts.Get(7); ok {
		t.Fatalf("delete must drop the host caller")
	}
	if err := c.RequestForm(ctx, 7, "tok", form.Want{}); err != nil {
		t.Fatalf("request after delete: %v", err)
	}
	if svc.count("request") != 1 {
		t.Fatalf("request without host must reach the service")
	}
	if err := c.UpdateForm(ctx, 7, form.ProviderData{Data: "y"}); err != nil {
		t.Fatalf("update after delete: %v", err)
	}
	if _, _, pupd := provider.counts(); pupd != 1 {
		t.Fatalf("providers take the update without a host, count=%d", pupd)
	}
	if svc.count("update") != 2 {
		t.Fatalf("update must always reach the service, got=%d", svc.count("update"))
	}
}

func TestDeathCallbackRegistration(t *testing.T) {
	testlog.Start(t)
	c := newTestClient(t, remote.NewHub[Service](), Options{Config: fastConfig(1)})
	cb := &namedCallback{name: "a", client: c, log: &callbackLog{}}

	c.RegisterDeathCallback(nil)
	c.RegisterDeathCallback(cb)
	c.RegisterDeathCallback(cb)
	if !c.IsDeathCallbackRegistered(cb) {
		t.Fatalf("expected registered")
	}
	c.notifyDeathCallbacks()
	if names, _ := cb.log.snapshot(); len(names) != 1 {
		t.Fatalf("duplicate registration must not duplicate calls, got=%v", names)
	}
	c.UnregisterDeathCallback(cb)
	if c.IsDeathCallbackRegistered(cb) {
		t.Fatalf("expected unregistered")
	}
}

func TestCheckServiceReady(t *testing.T) {
	testlog.Start(t)
	hub := remote.NewHub[Service]()
	cfg := fastConfig(1)
	c := newTestClient(t, hub, Options{Config: cfg})
	ctx := context.Background()
	if c.CheckServiceReady(ctx) {
		t.Fatalf("expected not ready before publish")
	}
	publish(hub, cfg.ServiceID)
	if !c.CheckServiceReady(ctx) {
		t.Fatalf("expected ready after publish")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("readiness probe must not connect, got=%s", c.State())
	}
}

func TestCodeAndMessage(t *testing.T) {
	testlog.Start(t)
	cases := map[error]int{
		nil:                    CodeOK,
		errors.New("x"):        CodeCommon,
		ErrServerInRecovery:    CodeInRecovery,
		ErrNotConnected:        CodeNotConnected,
		ErrInvalidRefreshTime:  CodeInvalidRefreshTime,
		&RemoteError{Op: "op"}: CodeRemoteRejected,
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v)=%d want=%d", err, got, want)
		}
	}
	if Message(CodeOK) != "ok" || Message(CodeInRecovery) == Message(CodeCommon) {
		t.Fatalf("unexpected messages")
	}
	if StateRecoverFailed.String() != "recover_failed" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
