package effects

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"lightwaveos/internal/kv"
)

const crashCounterKey = "crash_counter"

// CrashGuard tracks consecutive renderer faults and persists the count so
// it survives a node restart. It is the mechanism behind the fail-safe
// contract: after maxConsecutiveFaults the node should force-select the
// Failsafe effect and stay there until stableFor has elapsed without a
// further fault.
type CrashGuard struct {
	store *kv.Store

	mu          sync.Mutex
	consecutive int
	safeMode    bool
	lastFault   time.Time

	maxConsecutiveFaults int
	stableFor            time.Duration
}

// NewCrashGuard constructs a CrashGuard backed by store (may be nil, in
// which case the counter is kept in memory only). A non-positive
// maxConsecutiveFaults or stableFor is replaced by its default (5 faults,
// 5 minutes); positive values are used as given.
func NewCrashGuard(store *kv.Store, maxConsecutiveFaults int, stableFor time.Duration) *CrashGuard {
	if maxConsecutiveFaults <= 0 {
		maxConsecutiveFaults = 5
	}
	if stableFor <= 0 {
		stableFor = 5 * time.Minute
	}
	g := &CrashGuard{
		store:                store,
		maxConsecutiveFaults: maxConsecutiveFaults,
		stableFor:            stableFor,
	}
	g.consecutive = g.loadPersisted()
	return g
}

func (g *CrashGuard) loadPersisted() int {
	if g.store == nil {
		return 0
	}
	raw, ok := g.store.Get(context.Background(), kv.NamespaceOTA, crashCounterKey)
	if !ok || len(raw) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(raw))
}

func (g *CrashGuard) persist(n int) {
	if g.store == nil {
		return
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	if err := g.store.Put(context.Background(), kv.NamespaceOTA, crashCounterKey, buf); err != nil {
		slog.Warn("crash counter persist failed", "err", err)
	}
}

// RecordFault registers a renderer fault. Once consecutive faults reach
// maxConsecutiveFaults, safe mode is entered and stays entered until
// RecordStableFrame has observed stableFor of uninterrupted good frames.
func (g *CrashGuard) RecordFault() (enteredSafeMode bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutive++
	g.lastFault = time.Now()
	g.persist(g.consecutive)

	if !g.safeMode && g.consecutive >= g.maxConsecutiveFaults {
		g.safeMode = true
		slog.Warn("entering safe mode", "consecutive_faults", g.consecutive)
		return true
	}
	return false
}

// RecordStableFrame registers a fault-free render. If in safe mode and
// stableFor has elapsed since the last fault, safe mode is cleared and the
// counter resets.
func (g *CrashGuard) RecordStableFrame() (exitedSafeMode bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.safeMode {
		return false
	}
	if time.Since(g.lastFault) < g.stableFor {
		return false
	}
	g.safeMode = false
	g.consecutive = 0
	g.persist(0)
	slog.Info("exiting safe mode, stable operation resumed")
	return true
}

// InSafeMode reports whether the render loop should be forcing the
// Failsafe effect regardless of the commanded effect ID.
func (g *CrashGuard) InSafeMode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.safeMode
}

// Consecutive returns the current consecutive-fault count.
func (g *CrashGuard) Consecutive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutive
}
