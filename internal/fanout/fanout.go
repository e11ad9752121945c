// Package fanout drives the hub's 100Hz show clock and broadcasts
// PARAM_DELTA UDP packets to every Ready node, skipping nodes whose socket
// is currently failing via a per-node circuit breaker.
package fanout

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/proto"
	"lightwaveos/internal/registry"
)

// TickRate is the show clock's fixed period: 100 packets per second per
// Ready node.
const TickRate = 10 * time.Millisecond

// ApplyAtLead is how far into the future ApplyAtUs is stamped relative to
// HubNowUs, giving nodes time to receive and schedule the edit.
const ApplyAtLead = 50 * time.Millisecond

// A node whose socket errors for a full second of show-clock ticks gets
// its breaker opened; while open, one packet per probe window still goes
// through so the node is rediscovered as soon as its route comes back.
const (
	breakerOpenAfter  = int(time.Second / TickRate)
	breakerProbeEvery = int(250 * time.Millisecond / TickRate)
)

// nodeSendHealth tracks one fanout target's consecutive send failures and,
// once the breaker is open, how many sends have been suppressed since the
// last probe. Only the show-clock goroutine ever touches these counters,
// so they are plain ints.
type nodeSendHealth struct {
	consecutiveFailures int
	suppressedSends     int
}

func (h *nodeSendHealth) open() bool {
	return h.consecutiveFailures >= breakerOpenAfter
}

// shouldSkip reports whether this tick's send to the node should be
// suppressed; every breakerProbeEvery-th suppressed send is let through as
// a recovery probe.
func (h *nodeSendHealth) shouldSkip() bool {
	if !h.open() {
		return false
	}
	h.suppressedSends++
	return h.suppressedSends%breakerProbeEvery != 0
}

func (h *nodeSendHealth) recordFailure() int {
	h.consecutiveFailures++
	return h.consecutiveFailures
}

// recordSuccess resets the counters, reporting whether the breaker had
// been open (i.e. this send was a successful recovery probe).
func (h *nodeSendHealth) recordSuccess() (recovered bool) {
	recovered = h.open()
	h.consecutiveFailures = 0
	h.suppressedSends = 0
	return recovered
}

// Fanout owns the UDP socket used to push show packets to every Ready node.
type Fanout struct {
	conn *net.UDPConn
	reg  *registry.Registry
	st   *hubstate.Store

	mu     sync.Mutex
	health map[string]*nodeSendHealth // nodeId -> health, lazily created

	seq      atomic.Uint32
	overruns atomic.Uint64
	skipped  atomic.Uint64
	sent     atomic.Uint64

	disabled atomic.Bool

	stop chan struct{}
}

// SetEnabled turns the data-plane broadcast on or off. Disabling stops
// packets, not the clock: ticks keep running so re-enabling resumes
// immediately, and the time-sync socket is unaffected (it lives in
// internal/timesync, not here).
func (f *Fanout) SetEnabled(enabled bool) {
	f.disabled.Store(!enabled)
}

// Enabled reports whether the broadcast is currently on.
func (f *Fanout) Enabled() bool { return !f.disabled.Load() }

// New binds a UDP socket for outbound fanout traffic.
func New(reg *registry.Registry, st *hubstate.Store) (*Fanout, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &Fanout{
		conn:   conn,
		reg:    reg,
		st:     st,
		health: make(map[string]*nodeSendHealth),
		stop:   make(chan struct{}),
	}, nil
}

// Close releases the underlying socket.
func (f *Fanout) Close() error { return f.conn.Close() }

// Run drives the show clock until Stop is called. It is meant to be run in
// its own goroutine by the owning process.
func (f *Fanout) Run() {
	ticker := time.NewTicker(TickRate)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-f.stop:
			return
		case tickTime := <-ticker.C:
			if gap := tickTime.Sub(lastTick); gap > 2*TickRate {
				f.overruns.Add(1)
				log.Printf("[fanout] tick overran: %s since last tick (period %s)", gap, TickRate)
			}
			lastTick = tickTime
			f.tick(tickTime)
		}
	}
}

// Stop halts the show clock.
func (f *Fanout) Stop() { close(f.stop) }

func (f *Fanout) tick(now time.Time) {
	if f.disabled.Load() {
		return
	}
	g := f.st.Global()
	seq := f.seq.Add(1)
	hubNowUs := uint64(now.UnixMicro())
	applyAtUs := hubNowUs + uint64(ApplyAtLead.Microseconds())

	payload := proto.ParamDelta{
		EffectID:   g.EffectID,
		PaletteID:  g.PaletteID,
		Brightness: scaleToByte(g.Brightness),
		Speed:      scaleToByte(g.Speed / 4), // speed range is wider than [0,1]; compress
		Hue:        uint16(g.Hue),
	}

	// Every packet carries the current authoritative snapshot verbatim
	// (fanout is stateless w.r.t. deltas); only the tokenHash in the
	// header varies per node, so build it fresh per recipient rather than
	// encoding once and sharing the bytes.
	f.reg.ForEachReady(func(n *registry.NodeEntry) {
		if n.UDPAddr == "" || n.TokenHash == 0 {
			return
		}
		pkt := proto.ShowPacket{
			Header: proto.UDPHeader{
				Proto:      proto.LWProtoVersion,
				MsgType:    proto.MsgTypeParamDelta,
				PayloadLen: proto.ParamDeltaSize,
				Seq:        seq,
				TokenHash:  n.TokenHash,
				HubNowUs:   hubNowUs,
				ApplyAtUs:  applyAtUs,
			},
			Payload: payload,
		}
		f.sendTo(n.NodeID, n.UDPAddr, pkt.Encode())
	})
}

func (f *Fanout) sendTo(nodeID, addr string, data []byte) {
	h := f.healthFor(nodeID)
	if h.shouldSkip() {
		f.skipped.Add(1)
		return
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		h.recordFailure()
		return
	}
	if _, err := f.conn.WriteToUDP(data, udpAddr); err != nil {
		if h.recordFailure() == breakerOpenAfter {
			log.Printf("[fanout] circuit breaker open for node %s: %v", nodeID, err)
		}
		return
	}
	if h.recordSuccess() {
		log.Printf("[fanout] circuit breaker recovered for node %s", nodeID)
	}
	f.sent.Add(1)
}

func (f *Fanout) healthFor(nodeID string) *nodeSendHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[nodeID]
	if !ok {
		h = &nodeSendHealth{}
		f.health[nodeID] = h
	}
	return h
}

// Stats returns running counters for the hub's /metrics surface.
func (f *Fanout) Stats() (sent, skipped, overruns uint64) {
	return f.sent.Load(), f.skipped.Load(), f.overruns.Load()
}

func scaleToByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}
