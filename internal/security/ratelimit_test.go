package security

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterStore_AllowRespectsBurst(t *testing.T) {
	s := NewLimiterStore(rate.Limit(1), 3, time.Minute)

	allowed := 0
	for i := 0; i < 10; i++ {
		if s.Allow("acct-1") {
			allowed++
		}
	}

	if allowed != 3 {
		t.Errorf("expected 3 allowed within burst, got %d", allowed)
	}
}

func TestLimiterStore_KeysAreIndependent(t *testing.T) {
	s := NewLimiterStore(rate.Limit(1), 1, time.Minute)

	if !s.Allow("acct-1") {
		t.Error("first call for acct-1 should be allowed")
	}
	if s.Allow("acct-1") {
		t.Error("second immediate call for acct-1 should be denied")
	}
	if !s.Allow("acct-2") {
		t.Error("acct-2 has its own bucket and should be allowed")
	}
}

func TestLimiterStore_WaitSpacesCalls(t *testing.T) {
	// 50 events/s, burst 1: five calls need at least ~80ms of spacing.
	s := NewLimiterStore(rate.Limit(50), 1, time.Minute)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.Wait(context.Background(), "acct-1"); err != nil {
			t.Fatalf("wait failed: %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 70*time.Millisecond {
		t.Errorf("5 calls at 50/s burst 1 finished in %v, expected >= ~80ms", elapsed)
	}
}

func TestLimiterStore_WaitHonorsContext(t *testing.T) {
	s := NewLimiterStore(rate.Limit(0.01), 1, time.Minute)

	// drain the burst
	if err := s.Wait(context.Background(), "acct-1"); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Wait(ctx, "acct-1"); err == nil {
		t.Error("expected context error waiting on an empty bucket")
	}
}
