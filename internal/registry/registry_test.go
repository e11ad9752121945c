package registry

import (
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	reg := New()
	n := reg.RegisterNode("node-1", "1.0.0", "rev-a", 0x3)
	if n.State != Pending {
		t.Fatalf("new node state = %v, want Pending", n.State)
	}
	if got := reg.Get("node-1"); got != n {
		t.Fatalf("Get returned a different entry")
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}
}

func TestDuplicateHelloReusesIdentity(t *testing.T) {
	reg := New()
	first := reg.RegisterNode("node-1", "1.0.0", "rev-a", 0)
	reg.MarkAuthed("node-1", "10.0.0.5:1234")
	reg.MarkReady("node-1", "10.0.0.5:9000")

	second := reg.RegisterNode("node-1", "1.0.1", "rev-a", 0)
	if second != first {
		t.Fatal("re-registering an existing nodeId should reuse the same entry")
	}
	if second.State != Pending {
		t.Fatalf("re-registered node state = %v, want Pending (monotonic reset)", second.State)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (no duplicate entries)", reg.Count())
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "1.0.0", "rev-a", 0)

	if reg.MarkReady("node-1", "addr") {
		t.Fatal("MarkReady should fail before MarkAuthed (Pending cannot jump to Ready)")
	}

	if !reg.MarkAuthed("node-1", "ctrl-addr") {
		t.Fatal("MarkAuthed should succeed for a Pending node")
	}
	if reg.Get("node-1").State != Authed {
		t.Fatalf("state after MarkAuthed = %v, want Authed", reg.Get("node-1").State)
	}

	if !reg.MarkReady("node-1", "udp-addr") {
		t.Fatal("MarkReady should succeed for an Authed node")
	}
	if reg.Get("node-1").State != Ready {
		t.Fatalf("state after MarkReady = %v, want Ready", reg.Get("node-1").State)
	}
}

func TestUpdateKeepaliveRecoversDegraded(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "1.0.0", "rev-a", 0)
	reg.MarkAuthed("node-1", "c")
	reg.MarkReady("node-1", "u")

	n := reg.Get("node-1")
	n.State = Degraded

	reg.UpdateKeepalive("node-1", KeepaliveTelemetry{})
	if reg.Get("node-1").State != Ready {
		t.Fatalf("UpdateKeepalive should recover Degraded->Ready, got %v", reg.Get("node-1").State)
	}
}

func TestForEachReadyExcludesDegraded(t *testing.T) {
	reg := New()
	reg.RegisterNode("ready-node", "", "", 0)
	reg.MarkAuthed("ready-node", "c")
	reg.MarkReady("ready-node", "u")

	reg.RegisterNode("degraded-node", "", "", 0)
	reg.MarkAuthed("degraded-node", "c")
	reg.MarkReady("degraded-node", "u")
	reg.Get("degraded-node").State = Degraded

	var seen []string
	reg.ForEachReady(func(n *NodeEntry) { seen = append(seen, n.NodeID) })
	if len(seen) != 1 || seen[0] != "ready-node" {
		t.Fatalf("ForEachReady = %v, want only [ready-node]", seen)
	}

	seen = nil
	reg.ForEachAuthed(func(n *NodeEntry) { seen = append(seen, n.NodeID) })
	if len(seen) != 2 {
		t.Fatalf("ForEachAuthed = %v, want both nodes", seen)
	}
}

func TestSetOTAStateAndRemove(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	if !reg.SetOTAState("node-1", "downloading", "1.2.0") {
		t.Fatal("SetOTAState should succeed for known node")
	}
	if reg.Get("node-1").OTAState != "downloading" {
		t.Fatalf("OTAState = %q, want downloading", reg.Get("node-1").OTAState)
	}
	if !reg.RemoveNode("node-1") {
		t.Fatal("RemoveNode should succeed for known node")
	}
	if reg.Get("node-1") != nil {
		t.Fatal("node should be gone after RemoveNode")
	}
	if reg.RemoveNode("node-1") {
		t.Fatal("RemoveNode should return false for already-removed node")
	}
}

func TestSweepGarbageCollectsOldLostEntries(t *testing.T) {
	reg := New()
	reg.RegisterNode("stale-node", "", "", 0)
	n := reg.Get("stale-node")
	n.State = Lost
	n.lastKeepalive.Store(time.Now().Add(-(gcAfter + time.Second)).UnixNano())

	reg.Sweep()

	if reg.Get("stale-node") != nil {
		t.Fatal("Sweep should garbage-collect a Lost entry older than gcAfter")
	}
}

func TestSweepRetainsRecentlyLostEntries(t *testing.T) {
	reg := New()
	reg.RegisterNode("recent-node", "", "", 0)
	n := reg.Get("recent-node")
	n.State = Lost

	reg.Sweep()

	if reg.Get("recent-node") == nil {
		t.Fatal("Sweep should not immediately remove a freshly-Lost entry")
	}
	if reg.Get("recent-node").State != Lost {
		t.Fatal("entry should remain Lost, not regressed by Sweep")
	}
}

func TestMarkAuthedMintsTokenAndHash(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "c")

	n := reg.Get("node-1")
	if n.Token == "" || n.TokenHash == 0 {
		t.Fatalf("MarkAuthed should mint a non-empty token and hash, got token=%q hash=%d", n.Token, n.TokenHash)
	}
	if !reg.ValidateToken("node-1", n.Token) {
		t.Fatal("ValidateToken should accept the token just minted")
	}
	if reg.ValidateToken("node-1", "wrong-token") {
		t.Fatal("ValidateToken should reject a mismatched non-empty token")
	}
	if !reg.ValidateToken("node-1", "") {
		t.Fatal("ValidateToken should accept an absent token (not presented)")
	}
}

func TestMarkLostTransitionsReadyToLostAndRetainsEntry(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "c")
	reg.MarkReady("node-1", "u")

	if !reg.MarkLost("node-1") {
		t.Fatal("MarkLost should succeed for a Ready node")
	}
	n := reg.Get("node-1")
	if n == nil {
		t.Fatal("MarkLost should retain the entry, not remove it")
	}
	if n.State != Lost {
		t.Fatalf("state after MarkLost = %v, want Lost", n.State)
	}
}

func TestMarkLostOnUnknownNodeFails(t *testing.T) {
	reg := New()
	if reg.MarkLost("nope") {
		t.Fatal("MarkLost should fail for an unknown node")
	}
}

func TestMarkLostIsNoopOnAlreadyLost(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "c")
	reg.MarkLost("node-1")

	if reg.MarkLost("node-1") {
		t.Fatal("MarkLost should report false (no-op) for an already-Lost node")
	}
}

func TestMarkAuthedIsIdempotentForToken(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "c")
	first := reg.Get("node-1").Token

	reg.MarkAuthed("node-1", "c2")
	if reg.Get("node-1").Token != first {
		t.Fatal("re-authing an already-Authed node should not rotate its token")
	}
}

func TestReRegisterAfterLostMintsFreshToken(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "10.0.0.1:1111")
	first := reg.Get("node-1").Token
	if first == "" {
		t.Fatal("first MarkAuthed minted no token")
	}
	reg.MarkLost("node-1")

	reg.RegisterNode("node-1", "", "", 0)
	reg.MarkAuthed("node-1", "10.0.0.1:2222")
	n := reg.Get("node-1")
	if n.Token == "" || n.Token == first {
		t.Fatalf("rejoin token = %q, want fresh non-empty credential", n.Token)
	}
	if n.State != Authed {
		t.Fatalf("state after rejoin = %v, want Authed", n.State)
	}
}

func TestSetTopology(t *testing.T) {
	reg := New()
	reg.RegisterNode("node-1", "", "", 0)
	if !reg.SetTopology("node-1", 320, 2) {
		t.Fatal("SetTopology returned false for a known node")
	}
	n := reg.Get("node-1")
	if n.Leds != 320 || n.Channels != 2 {
		t.Fatalf("topology = %d/%d, want 320/2", n.Leds, n.Channels)
	}
	if reg.SetTopology("nope", 1, 1) {
		t.Fatal("SetTopology returned true for an unknown node")
	}
}
