package nodeclient

import (
	"net"
	"sync/atomic"

	"lightwaveos/internal/proto"
)

// Receiver is the node-side UDP socket that receives 100Hz PARAM_DELTA
// fanout packets from the hub: a tight read-decode-drop loop plus a seq
// high-water mark so a reordered packet can never roll state backwards.
type Receiver struct {
	conn *net.UDPConn

	haveSeq atomic.Bool
	hw      atomic.Uint32 // high-water mark; only ever moves forward

	tokenHash atomic.Uint32 // expected tokenHash; 0 means "not yet welcomed, accept all"

	received  atomic.Uint64
	dropped   atomic.Uint64
	stale     atomic.Uint64
	untrusted atomic.Uint64
}

// SetExpectedTokenHash records the tokenHash minted for this node's session
// (from the hub's welcome). Once set, Serve drops any packet whose header
// tokenHash doesn't match rather than rendering another node's show state.
func (r *Receiver) SetExpectedTokenHash(hash uint32) {
	r.tokenHash.Store(hash)
}

// NewReceiver binds a UDP listener on addr (use ":0" to let the OS assign an
// ephemeral port, then read it back via Port so it can be reported to the
// hub in the node's next keepalive).
func NewReceiver(addr string) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Receiver{conn: conn}, nil
}

// Port returns the UDP port this receiver is bound to.
func (r *Receiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the underlying socket.
func (r *Receiver) Close() error { return r.conn.Close() }

// Serve reads show packets until the socket is closed, invoking handle for
// every packet that is both well-formed and not older than the
// highest sequence number already accepted. A packet whose Seq is less
// than or equal to the current high-water mark is dropped silently per
// the fanout-ordering invariant: receivers must never regress to an older
// packet's state, including ones that arrive reordered.
func (r *Receiver) Serve(handle func(proto.ShowPacket)) {
	buf := make([]byte, 256)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.received.Add(1)

		pkt, err := proto.DecodeShowPacket(buf[:n])
		if err != nil {
			r.dropped.Add(1)
			continue
		}

		if expected := r.tokenHash.Load(); expected != 0 && pkt.Header.TokenHash != expected {
			r.untrusted.Add(1)
			continue
		}

		if !r.accept(pkt.Header.Seq) {
			r.stale.Add(1)
			continue
		}
		handle(pkt)
	}
}

// accept reports whether seq is newer than every packet already applied,
// atomically advancing the high-water mark if so.
func (r *Receiver) accept(seq uint32) bool {
	for {
		cur := r.hw.Load()
		if r.haveSeq.Load() && seq <= cur {
			return false
		}
		if r.hw.CompareAndSwap(cur, seq) {
			r.haveSeq.Store(true)
			return true
		}
	}
}

// Stats returns running counters for node-side diagnostics.
func (r *Receiver) Stats() (received, dropped, stale, untrusted uint64) {
	return r.received.Load(), r.dropped.Load(), r.stale.Load(), r.untrusted.Load()
}
