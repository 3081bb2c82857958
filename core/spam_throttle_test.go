package core

import (
	"testing"
	"time"
)

func TestSpamThrottleCapsAtBurstCapacity(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 10, BurstCapacity: 20})
	fixed := time.Unix(1_700_000_000, 0)
	th.nowFn = func() time.Time { return fixed }

	var reached bool
	for i := 0; i < 50; i++ {
		reached = th.IncrementAndCheck("192.0.2.1")
	}
	if !reached {
		t.Fatal("expected cap reached after 50 increments with burst 20")
	}
	if c := th.Count("192.0.2.1"); c > 20 {
		t.Fatalf("counter must never exceed burst capacity, got %d", c)
	}
}

func TestSpamThrottleBurstCapacityClampedToLimit(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 32, BurstCapacity: 5})
	if th.cfg.BurstCapacity != 32 {
		t.Fatalf("expected burst capacity clamped up to limit, got %d", th.cfg.BurstCapacity)
	}
}

func TestSpamThrottleDecaysAfterOneSecond(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 10, BurstCapacity: 100})
	cur := time.Unix(1_700_000_000, 0)
	th.nowFn = func() time.Time { return cur }

	for i := 0; i < 40; i++ {
		th.IncrementAndCheck("192.0.2.2")
	}
	before := th.Count("192.0.2.2")

	cur = cur.Add(1100 * time.Millisecond)
	th.decay()
	after := th.Count("192.0.2.2")

	if before-after < 10 {
		t.Fatalf("expected counter to drop by at least limit_per_second after quiescence: before=%d after=%d", before, after)
	}
}

func TestSpamThrottleEstimateDelayZeroBelowCap(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 10, BurstCapacity: 20})
	if d := th.IncrementAndEstimateDelay("192.0.2.3"); d != 0 {
		t.Fatalf("expected zero delay below cap, got %v", d)
	}
}

func TestSpamThrottleEstimateDelayPositiveAboveCap(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 10, BurstCapacity: 5})
	fixed := time.Unix(1_700_000_000, 0)
	th.nowFn = func() time.Time { return fixed }
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = th.IncrementAndEstimateDelay("192.0.2.4")
	}
	if last <= 0 {
		t.Fatalf("expected positive delay above cap, got %v", last)
	}
}

func TestSpamThrottleDecayIdempotentUnderConcurrentAttempts(t *testing.T) {
	th := NewSpamThrottle(SpamThrottleConfig{LimitPerSecond: 10, BurstCapacity: 100})
	cur := time.Unix(1_700_000_000, 0)
	th.nowFn = func() time.Time { return cur }
	th.IncrementAndCheck("192.0.2.5")
	cur = cur.Add(2 * time.Second)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			th.decay()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	// A single idempotent decay removed the lone entry; repeated
	// concurrent decay attempts must not panic or double-subtract.
	if c := th.Count("192.0.2.5"); c != 0 {
		t.Fatalf("expected entry removed after decay, got %d", c)
	}
}
