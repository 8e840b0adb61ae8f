package marketplace

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		cb.RecordFailure()
	}

	if cb.State() != CBOpen {
		t.Errorf("expected open after 5 failures, got %s", cb.StateString())
	}
	if cb.Allow() {
		t.Error("open circuit should reject requests")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}

	if cb.State() != CBClosed {
		t.Errorf("expected closed (failures reset by success), got %s", cb.StateString())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := &CircuitBreaker{
		failureThreshold: 2,
		resetTimeout:     10 * time.Millisecond,
		halfOpenMax:      1,
		state:            CBClosed,
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CBOpen {
		t.Fatalf("expected open, got %s", cb.StateString())
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected one probe request after reset timeout")
	}
	if cb.State() != CBHalfOpen {
		t.Errorf("expected half-open, got %s", cb.StateString())
	}

	// probe succeeds, circuit closes
	cb.RecordSuccess()
	if cb.State() != CBClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.StateString())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := &CircuitBreaker{
		failureThreshold: 2,
		resetTimeout:     10 * time.Millisecond,
		halfOpenMax:      1,
		state:            CBClosed,
	}

	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe request")
	}
	cb.RecordFailure()

	if cb.State() != CBOpen {
		t.Errorf("expected reopened circuit after failed probe, got %s", cb.StateString())
	}
}
