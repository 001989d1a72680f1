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

const hostRegistryName = "host"

// HostRecord binds one form to the host endpoint that renders it.
type HostRecord struct {
	FormID form.ID
	Caller HostCaller
	Info   form.Info
}

// HostRegistry stores at most one host caller per form id.
type HostRegistry struct {
	mu      csync.Mutex
	records map[form.ID]HostRecord
	// handle id -> handle, for every handle carrying our death recipient
	watched map[string]remote.Handle

	queue     *worker.Queue
	delay     time.Duration
	recipient *deathRecipient[HostRegistry]
}

func newHostRegistry(queue *worker.Queue, delay time.Duration) *HostRegistry {
	r := &HostRegistry{
		records: make(map[form.ID]HostRecord),
		watched: make(map[string]remote.Handle),
		queue:   queue,
		delay:   delay,
	}
	r.recipient = newDeathRecipient(hostRegistryName, r, (*HostRegistry).OnRemoteDied)
	return r
}

// Add inserts or overwrites the record for info.ID.
func (r *HostRegistry) Add(c HostCaller, info form.Info) error {
	if c == nil {
		return ErrNilCaller
	}
	if err := form.ValidateID(info.ID); err != nil {
		return err
	}

	r.mu.Lock()
	prev, hadPrev := r.records[info.ID]
	r.records[info.ID] = HostRecord{FormID: info.ID, Caller: c, Info: info}
	if hadPrev && !remote.SameHandle(prev.Caller, c) {
		r.unwatchIfUnusedLocked(prev.Caller)
	}
	attached := r.watchLocked(c)
	n := len(r.records)
	r.mu.Unlock()

	observability.SetRegistryRecords(hostRegistryName, n)
	if !attached {
		// already dead: evict through the normal delayed path
		r.OnRemoteDied(c)
	}
	return nil
}

func (r *HostRegistry) Get(id form.ID) (HostRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *HostRegistry) Remove(id form.ID) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
		r.unwatchIfUnusedLocked(rec.Caller)
	}
	n := len(r.records)
	r.mu.Unlock()
	if ok {
		observability.SetRegistryRecords(hostRegistryName, n)
	}
}

// RemoveByHandle drops every record whose caller is h and returns how many
// were removed.
func (r *HostRegistry) RemoveByHandle(h remote.Handle) int {
	if h == nil {
		return 0
	}
	r.mu.Lock()
	removed := r.removeByHandleLocked(h)
	n := len(r.records)
	r.mu.Unlock()
	if removed > 0 {
		observability.SetRegistryRecords(hostRegistryName, n)
	}
	return removed
}

// OnRemoteDied schedules eviction of every record owned by h.
func (r *HostRegistry) OnRemoteDied(h remote.Handle) {
	scheduleEviction(r.queue, r.delay, hostRegistryName, h, func(dead remote.Handle) int {
		n := r.RemoveByHandle(dead)
		observability.RecordEvictions(hostRegistryName, n)
		return n
	})
}

func (r *HostRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// FormIDs returns registered form ids in ascending order.
func (r *HostRegistry) FormIDs() []form.ID {
	r.mu.Lock()
	out := make([]form.ID, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *HostRegistry) removeByHandleLocked(h remote.Handle) int {
	removed := 0
	for id, rec := range r.records {
		if remote.SameHandle(rec.Caller, h) {
			delete(r.records, id)
			removed++
		}
	}
	if w, ok := r.watched[h.ID()]; ok {
		w.RemoveDeathRecipient(r.recipient)
		delete(r.watched, h.ID())
	}
	if removed > 0 {
		log.Debug().Str("registry", hostRegistryName).Str("handle", h.ID()).Int("removed", removed).Msg("host callers removed")
	}
	return removed
}

func (r *HostRegistry) watchLocked(h remote.Handle) bool {
	if _, ok := r.watched[h.ID()]; ok {
		return true
	}
	if !h.AddDeathRecipient(r.recipient) {
		log.Warn().Str("registry", hostRegistryName).Str("handle", h.ID()).Msg("add death recipient failed")
		return false
	}
	r.watched[h.ID()] = h
	return true
}

func (r *HostRegistry) unwatchIfUnusedLocked(h remote.Handle) {
	for _, rec := range r.records {
		if remote.SameHandle(rec.Caller, h) {
			return
		}
	}
	if w, ok := r.watched[h.ID()]; ok {
		w.RemoveDeathRecipient(r.recipient)
		delete(r.watched, h.ID())
	}
}
