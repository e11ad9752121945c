package ota

import "testing"

type fakeUpdater struct {
	fail map[string]bool
	sent []string
}

func (f *fakeUpdater) SendOTAUpdate(nodeID, version, url, sha256 string) bool {
	f.sent = append(f.sent, nodeID)
	return !f.fail[nodeID]
}

func TestDispatcherSequentialHappyPath(t *testing.T) {
	upd := &fakeUpdater{fail: map[string]bool{}}
	d := NewDispatcher(upd)

	if err := d.Start(Manifest{Version: "1.0"}, []string{"n1", "n2"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	state, _ := d.Status()
	if state != InProgress {
		t.Fatalf("state after Start = %v, want InProgress", state)
	}
	if len(upd.sent) != 1 || upd.sent[0] != "n1" {
		t.Fatalf("sent = %v, want dispatch to n1 only", upd.sent)
	}

	d.NotifyNodeStatus("n1", "complete")
	if len(upd.sent) != 2 || upd.sent[1] != "n2" {
		t.Fatalf("sent = %v, want n1 then n2", upd.sent)
	}

	d.NotifyNodeStatus("n2", "complete")
	state, outcomes := d.Status()
	if state != Complete {
		t.Fatalf("state after both nodes applied = %v, want Complete", state)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v, want 2 entries", outcomes)
	}
}

func TestDispatcherOneNodeErrorDoesNotAbortRollout(t *testing.T) {
	upd := &fakeUpdater{fail: map[string]bool{}}
	d := NewDispatcher(upd)
	d.Start(Manifest{Version: "1.0"}, []string{"n1", "n2"})

	d.NotifyNodeError("n1", "checksum mismatch")

	state, outcomes := d.Status()
	if state != InProgress {
		t.Fatalf("state after one node error = %v, want InProgress (rollout continues)", state)
	}
	if len(upd.sent) != 2 || upd.sent[1] != "n2" {
		t.Fatalf("sent = %v, want dispatcher to advance to n2 despite n1's error", upd.sent)
	}
	if outcomes[0].Error == "" {
		t.Fatal("expected n1's outcome to record the error")
	}
}

func TestDispatcherAbort(t *testing.T) {
	upd := &fakeUpdater{fail: map[string]bool{}}
	d := NewDispatcher(upd)
	d.Start(Manifest{Version: "1.0"}, []string{"n1"})

	if err := d.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	state, _ := d.Status()
	if state != Aborted {
		t.Fatalf("state after Abort = %v, want Aborted", state)
	}
	// Abort is unconditional: calling it again with no rollout in progress
	// still succeeds and leaves the dispatcher Aborted.
	if err := d.Abort(); err != nil {
		t.Fatalf("Abort with no rollout in progress should still succeed, got: %v", err)
	}
	state, _ = d.Status()
	if state != Aborted {
		t.Fatalf("state after second Abort = %v, want Aborted", state)
	}
}

func TestDispatcherAbortIsUnconditionalFromIdle(t *testing.T) {
	upd := &fakeUpdater{fail: map[string]bool{}}
	d := NewDispatcher(upd)

	if err := d.Abort(); err != nil {
		t.Fatalf("Abort from Idle should succeed, got: %v", err)
	}
	state, _ := d.Status()
	if state != Aborted {
		t.Fatalf("state after Abort from Idle = %v, want Aborted", state)
	}
}

func TestDispatcherUnreachableNodeSkipped(t *testing.T) {
	upd := &fakeUpdater{fail: map[string]bool{"n1": true}}
	d := NewDispatcher(upd)
	d.Start(Manifest{Version: "1.0"}, []string{"n1", "n2"})

	// n1 is unreachable, so Start should have already advanced past it.
	if len(upd.sent) != 2 {
		t.Fatalf("sent = %v, want dispatch to skip unreachable n1 and reach n2", upd.sent)
	}
	_, outcomes := d.Status()
	if len(outcomes) != 1 || outcomes[0].NodeID != "n1" || outcomes[0].Error == "" {
		t.Fatalf("outcomes = %v, want n1 recorded as an error", outcomes)
	}
}
