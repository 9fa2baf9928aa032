package breaker

import (
	"testing"
	"time"
)

func TestOpensAtThreshold(t *testing.T) {
	cb := New(time.Minute, 10*time.Millisecond, 0.5, 4)
	for i := 0; i < 2; i++ {
		cb.Record(true)
	}
	for i := 0; i < 2; i++ {
		cb.Record(false)
	}
	if cb.State() != Open {
		t.Fatalf("expected Open at 50%% failure, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must refuse work before cooldown")
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cb := New(time.Minute, 5*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("state %v", cb.State())
	}
	time.Sleep(10 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if cb.Allow() {
		t.Fatal("only one probe allowed while half-open")
	}
	cb.Record(true)
	if cb.State() != Closed {
		t.Fatalf("successful probe should close, got %v", cb.State())
	}
}

func TestFailedProbeReopens(t *testing.T) {
	cb := New(time.Minute, 5*time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(10 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected probe")
	}
	cb.Record(false)
	if cb.State() != Open {
		t.Fatalf("failed probe should reopen, got %v", cb.State())
	}
}
