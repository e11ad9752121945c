// Package registry tracks every node that has ever spoken to the hub and
// drives its lifecycle state machine: Pending -> Authed -> Ready <-> Degraded
// -> Lost -> (removed).
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lightwaveos/internal/proto"
)

// State is a node's lifecycle state.
type State int

const (
	Pending State = iota
	Authed
	Ready
	Degraded
	Lost
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authed:
		return "authed"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// keepaliveInterval is the expected interval between node keepalives.
const keepaliveInterval = 2 * time.Second

// degradedAfter is how long without a keepalive before a Ready node is
// marked Degraded.
const degradedAfter = 3 * keepaliveInterval

// lostAfter is how long without a keepalive before a node is marked Lost
// and dropped from fanout targets entirely.
const lostAfter = 10 * keepaliveInterval

// gcAfter is how long a Lost entry is retained (for diagnostics/reclaim-by-
// mac matching) before Sweep garbage-collects it.
const gcAfter = 20 * keepaliveInterval

// Sender is the minimal interface needed to push a UDP fanout packet to a
// node; kept as an interface so tests can inject a mock.
type Sender interface {
	SendUDP(addr string, data []byte) error
}

// NodeEntry is everything the hub knows about one physical node.
type NodeEntry struct {
	NodeID      string
	Mac         string // stable hardware identity; nodeId is allocated from this
	State       State
	FirmwareVer string
	HardwareRev string
	Capabilities uint32

	// Topology, self-reported in hello: total LED count and physical
	// output channel (strip) count.
	Leds     int
	Channels int

	// Token is the opaque per-session credential minted by SendWelcome;
	// TokenHash is the 32-bit reduction of it carried on the data plane
	// (proto.HashToken). Both are zero until the node is Authed.
	Token     string
	TokenHash uint32

	ControlAddr string // remote addr of the WS control connection
	UDPAddr     string // where to send fanout packets

	OTAState   string
	OTAVersion string

	// Telemetry, self-reported by the node on every keepalive.
	RSSI           int
	LossPct        float64
	DriftUs        int64
	TimeSyncLocked bool
	UptimeS        int64
	KeepalivesSeen uint64

	lastKeepalive atomic.Int64 // unix nanos
	joinedAt      time.Time
}

// newNodeEntry creates a Pending entry. nodeID doubles as the stable
// hardware identity (the node self-reports it in "hello"; the hub never
// reassigns it while the entry exists), so Mac mirrors it verbatim.
func newNodeEntry(nodeID string) *NodeEntry {
	n := &NodeEntry{NodeID: nodeID, Mac: nodeID, State: Pending, joinedAt: time.Now()}
	n.lastKeepalive.Store(time.Now().UnixNano())
	return n
}

// generateToken mints an opaque 64-character session credential.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (n *NodeEntry) touch() {
	n.lastKeepalive.Store(time.Now().UnixNano())
}

func (n *NodeEntry) idle() time.Duration {
	return time.Since(time.Unix(0, n.lastKeepalive.Load()))
}

// Registry holds all known nodes and their lifecycle state.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeEntry

	total atomic.Uint64 // nodes ever registered
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*NodeEntry)}
}

// RegisterNode admits a node in the Pending state. If nodeID already exists
// (a reconnecting node reusing its identity), the existing entry is reset to
// Pending rather than duplicated.
func (reg *Registry) RegisterNode(nodeID, fwVer, hwRev string, caps uint32) *NodeEntry {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.nodes[nodeID]; ok {
		existing.State = Pending
		existing.FirmwareVer = fwVer
		existing.HardwareRev = hwRev
		existing.Capabilities = caps
		// A re-register is a new control session; the old credential dies
		// with the old one and MarkAuthed mints a replacement.
		existing.Token = ""
		existing.TokenHash = 0
		existing.touch()
		log.Printf("[registry] node %s re-registered, total=%d", nodeID, len(reg.nodes))
		return existing
	}

	n := newNodeEntry(nodeID)
	n.FirmwareVer = fwVer
	n.HardwareRev = hwRev
	n.Capabilities = caps
	reg.nodes[nodeID] = n
	reg.total.Add(1)

	log.Printf("[registry] node %s registered, total=%d", nodeID, len(reg.nodes))
	return n
}

// SetTopology records the LED/channel counts a node self-reported in its
// hello.
func (reg *Registry) SetTopology(nodeID string, leds, channels int) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok {
		return false
	}
	n.Leds = leds
	n.Channels = channels
	return true
}

// Get returns the node entry for nodeID, or nil if unknown.
func (reg *Registry) Get(nodeID string) *NodeEntry {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.nodes[nodeID]
}

// MarkAuthed transitions a Pending node to Authed after its hello is
// accepted, minting a fresh opaque token and its 32-bit hash. Idempotent
// for an already-Authed/Ready/Degraded node: the existing token is kept
// rather than rotated out from under a live session.
func (reg *Registry) MarkAuthed(nodeID, controlAddr string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok {
		return false
	}
	if n.Token == "" {
		token, err := generateToken()
		if err != nil {
			log.Printf("[registry] generate token for %s: %v", nodeID, err)
			return false
		}
		n.Token = token
		n.TokenHash = proto.HashToken(token)
	}
	if n.State == Pending {
		n.State = Authed
	}
	n.ControlAddr = controlAddr
	n.touch()
	return true
}

// ValidateToken reports whether token matches the credential minted for
// nodeID at MarkAuthed time. An empty token is treated as "not presented"
// and accepted, since the keepalive already arrives on a connection scoped
// to that node by the control server; a non-empty, mismatched token is
// rejected.
func (reg *Registry) ValidateToken(nodeID, token string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	n, ok := reg.nodes[nodeID]
	if !ok {
		return false
	}
	if token == "" {
		return true
	}
	return token == n.Token
}

// MarkReady transitions an Authed or Degraded node to Ready once it has an
// established UDP fanout address and is current on keepalives.
func (reg *Registry) MarkReady(nodeID, udpAddr string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok || n.State == Pending || n.State == Lost {
		return false
	}
	n.State = Ready
	n.UDPAddr = udpAddr
	n.touch()
	return true
}

// KeepaliveTelemetry is the self-reported link-quality data carried by a
// node's "ka" message.
type KeepaliveTelemetry struct {
	RSSI           int
	LossPct        float64
	DriftUs        int64
	TimeSyncLocked bool
	UptimeS        int64
}

// UpdateKeepalive records a keepalive and recovers a Degraded node to Ready.
func (reg *Registry) UpdateKeepalive(nodeID string, t KeepaliveTelemetry) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok {
		return false
	}
	n.touch()
	n.RSSI = t.RSSI
	n.LossPct = t.LossPct
	n.DriftUs = t.DriftUs
	n.TimeSyncLocked = t.TimeSyncLocked
	n.UptimeS = t.UptimeS
	n.KeepalivesSeen++
	if n.State == Degraded {
		n.State = Ready
		log.Printf("[registry] node %s recovered degraded->ready", nodeID)
	}
	return true
}

// SetOTAState records the node's self-reported OTA progress.
func (reg *Registry) SetOTAState(nodeID, state, version string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok {
		return false
	}
	n.OTAState = state
	n.OTAVersion = version
	return true
}

// MarkLost transitions an Authed/Ready/Degraded node straight to Lost on
// a WS disconnect, without removing the
// entry — it is retained for reclaim-by-mac or diagnostics until Sweep
// garbage-collects it after gcAfter, same as a silence-driven Lost
// transition. A no-op (returns false) for an unknown node or one already
// Lost; nothing transitions back out of Lost except removal.
func (reg *Registry) MarkLost(nodeID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[nodeID]
	if !ok || n.State == Lost {
		return false
	}
	n.State = Lost
	log.Printf("[registry] node %s ->lost (disconnect)", nodeID)
	return true
}

// RemoveNode unregisters a node entirely.
func (reg *Registry) RemoveNode(nodeID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, existed := reg.nodes[nodeID]
	if existed {
		delete(reg.nodes, nodeID)
	}
	return existed
}

// Sweep walks every node and demotes Ready->Degraded or Degraded/Authed->Lost
// based on keepalive age, then garbage-collects Lost entries older than
// gcAfter. It should be called periodically (e.g. once per
// keepaliveInterval) by the owning process.
func (reg *Registry) Sweep() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for id, n := range reg.nodes {
		idle := n.idle()
		switch n.State {
		case Ready:
			if idle > degradedAfter {
				n.State = Degraded
				log.Printf("[registry] node %s ready->degraded (idle %s)", id, idle)
			}
		case Degraded, Authed:
			if idle > lostAfter {
				n.State = Lost
				log.Printf("[registry] node %s ->lost (idle %s)", id, idle)
			}
		case Lost:
			if idle > gcAfter {
				delete(reg.nodes, id)
				log.Printf("[registry] node %s garbage-collected after %s lost", id, idle)
			}
		}
	}
}

// Count returns the number of currently-tracked nodes.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.nodes)
}

// ForEachReady invokes fn for every node currently in the Ready state. Per
// the fanout-exclusion decision, Degraded nodes are excluded here even
// though they remain targets of the control-plane broadcast (ForEachAuthed).
func (reg *Registry) ForEachReady(fn func(*NodeEntry)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, n := range reg.nodes {
		if n.State == Ready {
			fn(n)
		}
	}
}

// ForEachAuthed invokes fn for every node in Authed, Ready, or Degraded —
// i.e. every node still worth sending corrective control-plane state to.
func (reg *Registry) ForEachAuthed(fn func(*NodeEntry)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, n := range reg.nodes {
		switch n.State {
		case Authed, Ready, Degraded:
			fn(n)
		}
	}
}

// ForEachAll invokes fn for every tracked node regardless of state.
func (reg *Registry) ForEachAll(fn func(*NodeEntry)) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, n := range reg.nodes {
		fn(n)
	}
}
