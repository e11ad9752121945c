package control

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// sendQueueDepth bounds each node's outbound envelope channel. A node whose
// socket is backed up drops to the inline fallback below rather than
// blocking the hub's broadcast loop.
const sendQueueDepth = 64

// session is one connected node's control-plane send side.
type session struct {
	nodeID string
	send   chan outboundEnvelope

	mu      sync.Mutex
	pending []outboundEnvelope // bounded fallback ring, used when send is full

	dropped atomic.Uint64 // total envelopes evicted from pending, for throttled logging
}

// pendingRingCap bounds the inline fallback ring; beyond this the oldest
// queued envelope is evicted.
const pendingRingCap = 4

// dropLogInterval throttles the back-pressure drop warning: logging every
// single eviction under sustained back-pressure would itself flood the
// log, so only every dropLogInterval-th drop is reported.
const dropLogInterval = 20

type outboundEnvelope struct {
	data []byte
}

func newSession(nodeID string) *session {
	return &session{
		nodeID: nodeID,
		send:   make(chan outboundEnvelope, sendQueueDepth),
	}
}

// enqueue attempts a non-blocking send; on a full channel it falls back to
// a small bounded ring rather than dropping the message outright or
// blocking the caller.
func (s *session) enqueue(env outboundEnvelope) {
	select {
	case s.send <- env:
		return
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, env)
	if len(s.pending) > pendingRingCap {
		s.pending = s.pending[len(s.pending)-pendingRingCap:]
		if n := s.dropped.Add(1); n%dropLogInterval == 1 {
			slog.Warn("control ws back-pressure: dropping oldest queued envelope",
				"node_id", s.nodeID, "total_dropped", n)
		}
	}
}

// drainPending moves any ring-buffered envelopes back onto the channel once
// there is room, called opportunistically by the write pump.
func (s *session) drainPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		select {
		case s.send <- s.pending[0]:
			s.pending = s.pending[1:]
		default:
			return
		}
	}
}
