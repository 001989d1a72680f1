package caller

import (
	"sort"
	"time"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/observability"
	"github.com/danmuck/formlink/internal/remote"
	csync "github.com/danmuck/formlink/internal/sync"
	"github.com/danmuck/formlink/internal/worker"
	"github.com/rs/zerolog/log"
)

const providerRegistryName = "provider"

// ProviderRecord is a snapshot of one provider endpoint and the forms it
// supplies.
type ProviderRecord struct {
	Caller  ProviderCaller
	FormIDs []form.ID
}

type providerEntry struct {
	caller ProviderCaller
	forms  map[form.ID]struct{}
}

func (e *providerEntry) snapshot() ProviderRecord {
	ids := make([]form.ID, 0, len(e.forms))
	for id := range e.forms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ProviderRecord{Caller: e.caller, FormIDs: ids}
}

// ProviderRegistry keeps one entry per provider handle. An entry exists only
// while it supplies at least one form.
type ProviderRegistry struct {
	mu      csync.Mutex
	entries []*providerEntry

	queue     *worker.Queue
	delay     time.Duration
	recipient *deathRecipient[ProviderRegistry]
}

func newProviderRegistry(queue *worker.Queue, delay time.Duration) *ProviderRegistry {
	r := &ProviderRegistry{
		queue: queue,
		delay: delay,
	}
	r.recipient = newDeathRecipient(providerRegistryName, r, (*ProviderRegistry).OnRemoteDied)
	return r
}

// AddForm records that c supplies form id.
func (r *ProviderRegistry) AddForm(c ProviderCaller, id form.ID) error {
	if c == nil {
		return ErrNilCaller
	}
	if err := form.ValidateID(id); err != nil {
		return err
	}

	attached := true
	r.mu.Lock()
	if e := r.findLocked(c); e != nil {
		e.forms[id] = struct{}{}
	} else {
		if attached = c.AddDeathRecipient(r.recipient); !attached {
			log.Warn().Str("registry", providerRegistryName).Str("handle", c.ID()).Msg("add death recipient failed")
		}
		r.entries = append(r.entries, &providerEntry{
			caller: c,
			forms:  map[form.ID]struct{}{id: {}},
		})
	}
	n := len(r.entries)
	r.mu.Unlock()

	observability.SetRegistryRecords(providerRegistryName, n)
	if !attached {
		r.OnRemoteDied(c)
	}
	return nil
}

func (r *ProviderRegistry) HasForm(id form.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if _, ok := e.forms[id]; ok {
			return true
		}
	}
	return false
}

// DeleteForm removes id from every entry holding it and drops entries left
// without forms.
func (r *ProviderRegistry) DeleteForm(id form.ID) {
	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		delete(e.forms, id)
		if len(e.forms) == 0 {
			e.caller.RemoveDeathRecipient(r.recipient)
			continue
		}
		kept = append(kept, e)
	}
	clearTail(r.entries, len(kept))
	r.entries = kept
	n := len(r.entries)
	r.mu.Unlock()
	observability.SetRegistryRecords(providerRegistryName, n)
}

// GetCallersFor returns every provider supplying id.
func (r *ProviderRegistry) GetCallersFor(id form.ID) []ProviderCaller {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ProviderCaller
	for _, e := range r.entries {
		if _, ok := e.forms[id]; ok {
			out = append(out, e.caller)
		}
	}
	return out
}

// RemoveByHandle drops the entry for h and returns how many forms it held.
func (r *ProviderRegistry) RemoveByHandle(h remote.Handle) int {
	if h == nil {
		return 0
	}
	r.mu.Lock()
	removed := r.removeByHandleLocked(h)
	n := len(r.entries)
	r.mu.Unlock()
	if removed > 0 {
		observability.SetRegistryRecords(providerRegistryName, n)
	}
	return removed
}

// OnRemoteDied schedules eviction of the entry owned by h.
func (r *ProviderRegistry) OnRemoteDied(h remote.Handle) {
	scheduleEviction(r.queue, r.delay, providerRegistryName, h, func(dead remote.Handle) int {
		n := r.RemoveByHandle(dead)
		observability.RecordEvictions(providerRegistryName, n)
		return n
	})
}

func (r *ProviderRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Records returns a snapshot in insertion order.
func (r *ProviderRegistry) Records() []ProviderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProviderRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (r *ProviderRegistry) findLocked(h remote.Handle) *providerEntry {
	for _, e := range r.entries {
		if remote.SameHandle(e.caller, h) {
			return e
		}
	}
	return nil
}

func (r *ProviderRegistry) removeByHandleLocked(h remote.Handle) int {
	removed := 0
	kept := r.entries[:0]
	for _, e := range r.entries {
		if remote.SameHandle(e.caller, h) {
			removed += len(e.forms)
			e.caller.RemoveDeathRecipient(r.recipient)
			continue
		}
		kept = append(kept, e)
	}
	clearTail(r.entries, len(kept))
	r.entries = kept
	if removed > 0 {
		log.Debug().Str("registry", providerRegistryName).Str("handle", h.ID()).Int("removed", removed).Msg("provider callers removed")
	}
	return removed
}

func clearTail(entries []*providerEntry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = nil
	}
}
