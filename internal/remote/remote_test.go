package remote

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/formlink/internal/testutil/testlog"
)

type recordingRecipient struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (r *recordingRecipient) OnRemoteDied(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name+":"+h.ID())
}

func TestEndpointKillNotifiesInOrderOnce(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var got []string
	a := &recordingRecipient{name: "a", mu: &mu, log: &got}
	b := &recordingRecipient{name: "b", mu: &mu, log: &got}

	ep := NewEndpoint()
	if !ep.AddDeathRecipient(a) || !ep.AddDeathRecipient(b) || !ep.AddDeathRecipient(a) {
		t.Fatalf("add recipient failed")
	}
	if n := ep.Recipients(); n != 2 {
		t.Fatalf("duplicate recipient stored n=%d", n)
	}
	<-ep.Kill()
	<-ep.Kill()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:" + ep.ID(), "b:" + ep.ID()}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected notifications: %v", got)
	}
	if ep.Alive() {
		t.Fatalf("endpoint should be dead")
	}
	if ep.AddDeathRecipient(a) {
		t.Fatalf("dead endpoint accepted recipient")
	}
}

func TestEndpointRemoveDeathRecipient(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	var got []string
	a := &recordingRecipient{name: "a", mu: &mu, log: &got}
	ep := NewEndpoint()
	ep.AddDeathRecipient(a)
	ep.RemoveDeathRecipient(a)
	<-ep.Kill()
	if len(got) != 0 {
		t.Fatalf("removed recipient notified: %v", got)
	}
}

func TestHubLookup(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	hub := NewHub[string]()

	if _, err := hub.Lookup(ctx, "svc"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected not found got=%v", err)
	}
	ep := NewEndpoint()
	hub.Publish("svc", ep, "iface")
	b, err := hub.Lookup(ctx, "svc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if b.Iface != "iface" || !SameHandle(b.Handle, ep) {
		t.Fatalf("unexpected binding: %+v", b)
	}

	hub.SetAvailable(false)
	if _, err := hub.Lookup(ctx, "svc"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("expected registry unavailable got=%v", err)
	}
	hub.SetAvailable(true)

	<-ep.Kill()
	if _, err := hub.Lookup(ctx, "svc"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("dead handle should not resolve got=%v", err)
	}
	if n := hub.Lookups(); n != 4 {
		t.Fatalf("unexpected lookup count=%d", n)
	}
}

func TestSameHandle(t *testing.T) {
	a, b := NewEndpoint(), NewEndpoint()
	if SameHandle(a, b) || !SameHandle(a, a) || SameHandle(nil, a) {
		t.Fatalf("unexpected handle identity")
	}
}
