// Package nodeclient implements the node-side control connection: the
// WebSocket client carrying hello/ka/ts_ping/ota_status and the reactions
// to hub-pushed welcome/state.snapshot/effects.setCurrent/parameters.set/
// zones.update/ts_pong/ota_update messages, plus the applyAt scheduler.
package nodeclient

import (
	"sort"
	"sync"
)

// PendingEdit is one parameter/effect/zone change the hub asked us to apply
// no sooner than ApplyAtUs (hub clock, microseconds).
type PendingEdit struct {
	ApplyAtUs int64
	Apply     func()
}

// maxPending bounds the scheduler's backlog; this generalizes jitter.go's
// fixed ring size from audio frames (reordered by sequence number) to
// parameter edits (reordered by their target apply time). A node that falls
// this far behind drops its oldest still-pending edit rather than growing
// without bound.
const maxPending = 64

// Scheduler holds edits tagged with a future hub-clock apply time and
// releases them to the caller once "now" (converted to hub time) reaches
// that timestamp. Not safe for concurrent Tick calls; Push is safe to call
// from any goroutine.
type Scheduler struct {
	mu      sync.Mutex
	pending []PendingEdit
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Push inserts e in ApplyAtUs order. If the backlog exceeds maxPending, the
// edit with the earliest ApplyAtUs (presumably already overdue) is dropped.
func (s *Scheduler) Push(e PendingEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].ApplyAtUs >= e.ApplyAtUs })
	s.pending = append(s.pending, PendingEdit{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = e

	if len(s.pending) > maxPending {
		s.pending = s.pending[len(s.pending)-maxPending:]
	}
}

// Tick applies (in ApplyAtUs order) every pending edit whose ApplyAtUs is
// now due, given the current hub-clock timestamp nowHubUs. It returns the
// number of edits applied. Calling Tick again immediately with the same
// nowHubUs and no intervening Push applies nothing further — the
// scheduler's idempotence property.
func (s *Scheduler) Tick(nowHubUs int64) int {
	s.mu.Lock()
	due := 0
	for due < len(s.pending) && s.pending[due].ApplyAtUs <= nowHubUs {
		due++
	}
	toApply := append([]PendingEdit(nil), s.pending[:due]...)
	s.pending = s.pending[due:]
	s.mu.Unlock()

	for _, e := range toApply {
		if e.Apply != nil {
			e.Apply()
		}
	}
	return len(toApply)
}

// Len returns the number of edits still waiting to be applied.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset discards all pending edits, e.g. on reconnect after a state.snapshot
// supersedes everything queued.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}
