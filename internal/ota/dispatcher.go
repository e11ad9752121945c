package ota

import (
	"fmt"
	"log/slog"
	"sync"
)

// RolloutState is the dispatcher's own state, distinct from an individual
// node's self-reported OTA state.
type RolloutState int

const (
	Idle RolloutState = iota
	InProgress
	Complete
	Aborted
)

func (s RolloutState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in_progress"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// NodeUpdater is the minimal interface the dispatcher needs to push an
// update to one node; internal/control's Server implements it.
type NodeUpdater interface {
	SendOTAUpdate(nodeID, version, url, sha256 string) bool
}

// NodeOutcome records one node's final rollout result.
type NodeOutcome struct {
	NodeID string
	Error  string // empty on success
}

// Dispatcher drives a sequential per-node OTA rollout: Idle -> InProgress
// (dispatching nodes one at a time) -> Complete | Aborted.
type Dispatcher struct {
	updater NodeUpdater

	mu       sync.Mutex
	state    RolloutState
	nodeList []string
	current  int
	manifest Manifest
	outcomes []NodeOutcome
}

// NewDispatcher creates an idle Dispatcher bound to updater.
func NewDispatcher(updater NodeUpdater) *Dispatcher {
	return &Dispatcher{updater: updater, state: Idle}
}

// Start begins a rollout of manifest to nodeIDs, dispatching the first node
// immediately. It fails if a rollout is already in progress.
func (d *Dispatcher) Start(manifest Manifest, nodeIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == InProgress {
		return fmt.Errorf("rollout already in progress")
	}
	d.state = InProgress
	d.nodeList = append([]string(nil), nodeIDs...)
	d.current = 0
	d.manifest = manifest
	d.outcomes = nil

	slog.Info("ota rollout started", "version", manifest.Version, "node_count", len(nodeIDs))
	d.dispatchCurrentLocked()
	return nil
}

func (d *Dispatcher) dispatchCurrentLocked() {
	if d.current >= len(d.nodeList) {
		d.state = Complete
		slog.Info("ota rollout complete", "version", d.manifest.Version, "outcomes", len(d.outcomes))
		return
	}
	nodeID := d.nodeList[d.current]
	if !d.updater.SendOTAUpdate(nodeID, d.manifest.Version, d.manifest.URL, d.manifest.SHA256) {
		slog.Warn("ota rollout: node unreachable, recording as error", "node_id", nodeID)
		d.outcomes = append(d.outcomes, NodeOutcome{NodeID: nodeID, Error: "unreachable"})
		d.current++
		d.dispatchCurrentLocked()
	}
}

// NotifyNodeStatus advances the rollout when the currently-dispatched node
// reports success (ota_status "complete"); any other status is ignored
// here (the node is still mid-download/verify).
func (d *Dispatcher) NotifyNodeStatus(nodeID, status string) {
	if status != "complete" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != InProgress || d.current >= len(d.nodeList) || d.nodeList[d.current] != nodeID {
		return
	}
	d.outcomes = append(d.outcomes, NodeOutcome{NodeID: nodeID})
	d.current++
	d.dispatchCurrentLocked()
}

// NotifyNodeError isolates one node's OTA failure from the rest of the
// fleet: the node is marked as errored and the dispatcher advances to the
// next node rather than aborting the whole rollout, per the recorded open
// question decision (error isolation mirrors the per-node circuit breaker).
func (d *Dispatcher) NotifyNodeError(nodeID, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != InProgress || d.current >= len(d.nodeList) || d.nodeList[d.current] != nodeID {
		return
	}
	d.outcomes = append(d.outcomes, NodeOutcome{NodeID: nodeID, Error: errMsg})
	d.current++
	d.dispatchCurrentLocked()
}

// Abort transitions the dispatcher to Aborted regardless of its current
// state.
func (d *Dispatcher) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Aborted
	slog.Warn("ota rollout aborted", "version", d.manifest.Version, "completed", d.current, "total", len(d.nodeList))
	return nil
}

// Status returns the dispatcher's current state and the outcomes recorded
// so far.
func (d *Dispatcher) Status() (RolloutState, []NodeOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, append([]NodeOutcome(nil), d.outcomes...)
}
