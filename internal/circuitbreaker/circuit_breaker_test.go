package circuitbreaker

import (
	"testing"
	"time"
)

func TestInitialStateClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, ProbeIntervalMs: 10000})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if !b.Admit(time.Now()) {
		t.Fatal("expected admit=true when closed")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, ProbeIntervalMs: 10000})
	now := time.Now()
	for i := 0; i < 3; i++ {
		b.RecordFailure(now)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if b.Admit(now) {
		t.Fatal("expected admit=false immediately after opening")
	}
}

func TestAdmitsExactlyOneProbePerInterval(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, ProbeIntervalMs: 1000})
	t0 := time.Now()
	b.RecordFailure(t0)

	if b.Admit(t0.Add(500 * time.Millisecond)) {
		t.Fatal("expected no admission before probe interval elapses")
	}
	if !b.Admit(t0.Add(1100 * time.Millisecond)) {
		t.Fatal("expected exactly one probe admitted after interval elapses")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after probe admitted, got %s", b.State())
	}
	// A second caller in the same window must be refused — invariant 2.
	if b.Admit(t0.Add(1150 * time.Millisecond)) {
		t.Fatal("expected second concurrent probe to be refused")
	}
}

func TestClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, ProbeIntervalMs: 1})
	t0 := time.Now()
	b.RecordFailure(t0)
	b.Admit(t0.Add(time.Millisecond))
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half_open after one success (threshold=2), got %s", b.State())
	}
	// A fresh probe is needed for the second success under strict one-probe
	// gating; simulate the controller re-admitting after the first probe
	// resolved by clearing probeInFlight via RecordSuccess above, then the
	// interval has elapsed again.
	b.Admit(t0.Add(2 * time.Millisecond))
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold reached, got %s", b.State())
	}
}

func TestReopensOnFailureInHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, ProbeIntervalMs: 1})
	t0 := time.Now()
	b.RecordFailure(t0)
	b.Admit(t0.Add(time.Millisecond))
	b.RecordFailure(t0.Add(time.Millisecond))
	if b.State() != StateOpen {
		t.Fatalf("expected open after failure in half_open, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, SuccessThreshold: 1, ProbeIntervalMs: 10000})
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess()
	b.RecordFailure(now)
	b.RecordFailure(now)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed (failure count reset), got %s", b.State())
	}
}

func TestRegistryCreatesPerUpstreamBreakers(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 5, SuccessThreshold: 2, ProbeIntervalMs: 5000})
	b1 := reg.Get("u1", Config{})
	b2 := reg.Get("u2", Config{})
	if b1 == b2 {
		t.Fatal("expected distinct breakers per upstream id")
	}
	if reg.Get("u1", Config{}) != b1 {
		t.Fatal("expected stable breaker identity on repeated Get")
	}
}
