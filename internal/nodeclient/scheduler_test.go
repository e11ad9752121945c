package nodeclient

import "testing"

func TestSchedulerAppliesOnlyDueEdits(t *testing.T) {
	s := NewScheduler()
	var applied []string

	s.Push(PendingEdit{ApplyAtUs: 300, Apply: func() { applied = append(applied, "c") }})
	s.Push(PendingEdit{ApplyAtUs: 100, Apply: func() { applied = append(applied, "a") }})
	s.Push(PendingEdit{ApplyAtUs: 200, Apply: func() { applied = append(applied, "b") }})

	n := s.Tick(250)
	if n != 2 {
		t.Fatalf("Tick(250) applied %d edits, want 2", n)
	}
	if len(applied) != 2 || applied[0] != "a" || applied[1] != "b" {
		t.Fatalf("applied order = %v, want [a b]", applied)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 remaining", s.Len())
	}
}

func TestSchedulerTickIsMonotonicOverRepeatedCalls(t *testing.T) {
	s := NewScheduler()
	count := 0
	s.Push(PendingEdit{ApplyAtUs: 100, Apply: func() { count++ }})

	if n := s.Tick(50); n != 0 {
		t.Fatalf("Tick before due applied %d, want 0", n)
	}
	if n := s.Tick(100); n != 1 {
		t.Fatalf("Tick at due time applied %d, want 1", n)
	}
	if n := s.Tick(100); n != 0 {
		t.Fatalf("Tick called again with no new pushes applied %d, want 0 (idempotent)", n)
	}
	if count != 1 {
		t.Fatalf("Apply callback invoked %d times, want 1", count)
	}
}

func TestSchedulerDropsOldestBeyondBacklog(t *testing.T) {
	s := NewScheduler()
	for i := 0; i < maxPending+10; i++ {
		s.Push(PendingEdit{ApplyAtUs: int64(i)})
	}
	if s.Len() != maxPending {
		t.Fatalf("Len() = %d, want capped at %d", s.Len(), maxPending)
	}
}

func TestSchedulerReset(t *testing.T) {
	s := NewScheduler()
	s.Push(PendingEdit{ApplyAtUs: 10})
	s.Reset()
	if s.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", s.Len())
	}
}
