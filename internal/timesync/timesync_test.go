package timesync

import (
	"testing"
	"time"
)

func TestPingPongRoundTripOverLoopback(t *testing.T) {
	responder, err := NewHubResponder("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewHubResponder: %v", err)
	}
	defer responder.Close()
	go responder.Serve()

	est, err := NewEstimator(responder.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	defer est.Close()

	offset, delay, err := est.Round(time.Second)
	if err != nil {
		t.Fatalf("Round: %v", err)
	}
	if delay < 0 {
		t.Fatalf("delay = %v, want >= 0", delay)
	}
	_ = offset
}

func TestEstimatorLocksAfterSeveralRounds(t *testing.T) {
	responder, err := NewHubResponder("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewHubResponder: %v", err)
	}
	defer responder.Close()
	go responder.Serve()

	est, err := NewEstimator(responder.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	defer est.Close()

	if est.Locked() {
		t.Fatal("estimator should not be locked before any rounds")
	}

	for i := 0; i < 5; i++ {
		if _, _, err := est.Round(time.Second); err != nil {
			t.Fatalf("Round %d: %v", i, err)
		}
	}
	if !est.Locked() {
		t.Fatal("estimator should be locked after several successful rounds on loopback")
	}
}

func TestEstimatorConvergesToInjectedSkew(t *testing.T) {
	responder, err := NewHubResponder("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewHubResponder: %v", err)
	}
	defer responder.Close()
	responder.SetClockSkew(12345 * time.Microsecond)
	go responder.Serve()

	est, err := NewEstimator(responder.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	defer est.Close()

	for i := 0; i < 8; i++ {
		if _, _, err := est.Round(time.Second); err != nil {
			t.Fatalf("Round %d: %v", i, err)
		}
	}

	if got := est.Offset(); got < 12345-100 || got > 12345+100 {
		t.Fatalf("smoothed offset = %.1fus, want 12345 +/- 100us", got)
	}
	if hubNow := est.HubNow(1_000_000); hubNow < 1_000_000+12245 || hubNow > 1_000_000+12445 {
		t.Fatalf("HubNow(1s) = %d, want skew applied", hubNow)
	}
}
