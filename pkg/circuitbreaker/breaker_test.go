package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 3, Cooldown: time.Second})
	if !b.Allow() {
		t.Error("expected closed breaker to allow requests")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected breaker closed below threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected open after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected open breaker to block requests")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 2, Cooldown: time.Second})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != Closed {
		t.Error("expected success to reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 2, Cooldown: 20 * time.Millisecond})
	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open breaker to block before cooldown")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	// A successful probe closes the breaker.
	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 2, Cooldown: 10 * time.Millisecond})
	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != Open {
		t.Errorf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("expected default threshold of 5")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected open at default threshold")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{Threshold: 2, Cooldown: time.Second})

	a1 := r.Get("hooks.example.com")
	a2 := r.Get("hooks.example.com")
	b := r.Get("other.example.com")

	if a1 != a2 {
		t.Error("expected the same breaker for the same key")
	}
	if a1 == b {
		t.Error("expected distinct breakers per key")
	}

	a1.RecordFailure()
	a1.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 {
		t.Errorf("expected 2 breakers, got %d", stats.Total)
	}
	if stats.Open != 1 {
		t.Errorf("expected 1 open breaker, got %d", stats.Open)
	}
}
