// Package timesync implements the hub-side UDP ping/pong responder and the
// node-side round-trip offset/delay estimator, using the classic two-way
// exchange (t1 client send, t2 server receive, t3 server send, t4 client
// receive) smoothed with an EWMA.
package timesync

import (
	"log"
	"math"
	"net"
	"sync/atomic"
	"time"

	"lightwaveos/internal/proto"
)

// HubResponder listens on a UDP socket and echoes ping packets as pongs,
// stamping its own receive/send timestamps: a tight read loop, decode,
// drop-and-log on malformed input, write a reply.
type HubResponder struct {
	conn *net.UDPConn

	// skewUs shifts the responder's notion of "now", letting a synthetic
	// hub present a deterministic clock offset to an estimator under test.
	skewUs atomic.Int64
}

// SetClockSkew makes the responder stamp t2/t3 as if its clock ran d ahead
// of the real one.
func (h *HubResponder) SetClockSkew(d time.Duration) {
	h.skewUs.Store(d.Microseconds())
}

func (h *HubResponder) now() int64 {
	return time.Now().UnixMicro() + h.skewUs.Load()
}

// NewHubResponder binds a UDP listener on addr.
func NewHubResponder(addr string) (*HubResponder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &HubResponder{conn: conn}, nil
}

// Close releases the underlying socket.
func (h *HubResponder) Close() error { return h.conn.Close() }

// Serve runs the ping/pong loop until the socket is closed.
func (h *HubResponder) Serve() {
	buf := make([]byte, 256)
	for {
		n, remote, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		t2 := h.now()

		ping, err := proto.DecodePing(buf[:n])
		if err != nil {
			log.Printf("[timesync] dropping malformed ping from %s: %v", remote, err)
			continue
		}

		pong := proto.Pong{
			Proto:     proto.LWProtoVersion,
			Type:      proto.TSTypePong,
			Seq:       ping.Seq,
			TokenHash: ping.TokenHash,
			T1Us:      ping.T1Us,
			T2Us:      uint64(t2),
			T3Us:      uint64(h.now()),
		}
		if _, err := h.conn.WriteToUDP(pong.Encode(), remote); err != nil {
			log.Printf("[timesync] write to %s failed: %v", remote, err)
		}
	}
}

// smoothingAlpha weights the new sample against the running EWMA for both
// offset and delay estimates.
const smoothingAlpha = 0.2

// lockThresholdUs, in microseconds, scales the lock bound: Locked requires
// the smoothed one-way delay to stay below five times this value.
const lockThresholdUs = 2000

// Estimator runs the node side of the exchange: send a ping, measure
// round-trip delay and clock offset against the hub, and smooth both.
type Estimator struct {
	conn      *net.UDPConn
	seq       atomic.Uint32
	tokenHash atomic.Uint32 // stamped on every outbound ping once welcome arrives

	offsetUsBits atomic.Uint64 // smoothed theta, stored as math.Float64bits
	delayUsBits  atomic.Uint64 // smoothed one-way delay, stored as math.Float64bits
	sampleCount  atomic.Uint32
}

// SetTokenHash records the session's tokenHash (from the hub's welcome) so
// it can be echoed on every ping; the hub copies it back verbatim onto the
// pong, giving a consistent per-session credential across both the fanout
// and time-sync data planes.
func (e *Estimator) SetTokenHash(hash uint32) {
	e.tokenHash.Store(hash)
}

// NewEstimator dials a UDP "connection" to the hub's time-sync responder.
func NewEstimator(hubAddr string) (*Estimator, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", hubAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	e := &Estimator{conn: conn}
	e.conn.SetReadBuffer(4096)
	return e, nil
}

// Close releases the underlying socket.
func (e *Estimator) Close() error { return e.conn.Close() }

// Round performs one ping/pong exchange, updates the smoothed estimates,
// and returns the raw sample's offset and one-way delay for diagnostics.
func (e *Estimator) Round(timeout time.Duration) (offsetUs, delayUs float64, err error) {
	seq := e.seq.Add(1)
	t1 := time.Now().UnixMicro()

	ping := proto.Ping{Proto: proto.LWProtoVersion, Type: proto.TSTypePing, Seq: seq, TokenHash: e.tokenHash.Load(), T1Us: uint64(t1)}
	if _, err = e.conn.Write(ping.Encode()); err != nil {
		return 0, 0, err
	}

	e.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	n, err := e.conn.Read(buf)
	if err != nil {
		return 0, 0, err
	}
	t4 := time.Now().UnixMicro()

	pong, err := proto.DecodePong(buf[:n])
	if err != nil {
		return 0, 0, err
	}
	if pong.Seq != seq {
		return 0, 0, nil // stale reply, caller may retry
	}

	t1f, t2f, t3f, t4f := float64(pong.T1Us), float64(pong.T2Us), float64(pong.T3Us), float64(t4)
	// Classic NTP-style two-way exchange: offset and round-trip delay.
	offsetUs = ((t2f - t1f) + (t3f - t4f)) / 2
	rtt := (t4f - t1f) - (t3f - t2f)
	delayUs = rtt / 2

	e.smooth(offsetUs, delayUs)
	e.sampleCount.Add(1)
	return offsetUs, delayUs, nil
}

func (e *Estimator) smooth(offsetUs, delayUs float64) {
	for {
		old := e.offsetUsBits.Load()
		var newVal float64
		if old == 0 && e.sampleCount.Load() == 0 {
			newVal = offsetUs
		} else {
			newVal = smoothingAlpha*offsetUs + (1-smoothingAlpha)*math.Float64frombits(old)
		}
		if e.offsetUsBits.CompareAndSwap(old, math.Float64bits(newVal)) {
			break
		}
	}
	for {
		old := e.delayUsBits.Load()
		var newVal float64
		if old == 0 && e.sampleCount.Load() == 0 {
			newVal = delayUs
		} else {
			newVal = smoothingAlpha*delayUs + (1-smoothingAlpha)*math.Float64frombits(old)
		}
		if e.delayUsBits.CompareAndSwap(old, math.Float64bits(newVal)) {
			break
		}
	}
}

// Offset returns the smoothed clock offset estimate (hub - node), in
// microseconds: add this to a local timestamp to convert it to hub time.
func (e *Estimator) Offset() float64 {
	return math.Float64frombits(e.offsetUsBits.Load())
}

// Delay returns the smoothed one-way network delay estimate, in microseconds.
func (e *Estimator) Delay() float64 {
	return math.Float64frombits(e.delayUsBits.Load())
}

// Locked reports whether at least three samples have been taken and the
// smoothed one-way delay is below 5*lockThresholdUs (10 ms). The variance
// of the offset samples is not tracked and plays no part in the decision.
func (e *Estimator) Locked() bool {
	if e.sampleCount.Load() < 3 {
		return false
	}
	return math.Abs(e.Delay()) < lockThresholdUs*5
}

// HubNow converts a local node timestamp to the hub's clock using the
// current smoothed offset.
func (e *Estimator) HubNow(localUs int64) int64 {
	return localUs + int64(e.Offset())
}
