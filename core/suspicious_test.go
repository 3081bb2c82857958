package core

import (
	"net"
	"testing"
	"time"
)

func TestSuspiciousNodeTrackerInconsistentIdTriggersEviction(t *testing.T) {
	tr := NewSuspiciousNodeTracker(SuspiciousNodeTrackerConfig{
		ObservationPeriod: 15 * time.Minute,
		HitThreshold:      10,
		BanDuration:       30 * time.Minute,
	})
	fixed := time.Unix(1_700_000_000, 0)
	tr.nowFn = func() time.Time { return fixed }

	addr := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1000}
	idOne := RandomId()
	idTwo := RandomId()

	for i := 0; i < 11; i++ {
		tr.Observe(addr, idOne, ObservationInconsistentId)
	}
	tr.Observe(addr, idTwo, ObservationInconsistentId)

	if !tr.IsSuspicious(addr, idOne) {
		t.Fatal("expected address to be suspicious after id change")
	}

	promoted := tr.Purge()
	if len(promoted) != 1 {
		t.Fatalf("expected exactly one promotion, got %d", len(promoted))
	}
	if !tr.IsHostBanned("192.0.2.1") {
		t.Fatal("expected host banned after purge")
	}
	if _, ok := tr.observed[addr.String()]; !ok {
		t.Fatal("promoted entries must remain under observation")
	}
}

func TestSuspiciousNodeTrackerMalformedMessageCounts(t *testing.T) {
	tr := NewSuspiciousNodeTracker(DefaultSuspiciousNodeTrackerConfig())
	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 2000}
	id := RandomId()
	for i := 0; i < 5; i++ {
		tr.Observe(addr, id, ObservationMalformedMessage)
	}
	if tr.IsHostBanned("198.51.100.7") {
		t.Fatal("five hits below threshold must not trigger a ban")
	}
}

func TestSuspiciousNodeTrackerPurgeExpiresStaleObservations(t *testing.T) {
	tr := NewSuspiciousNodeTracker(SuspiciousNodeTrackerConfig{
		ObservationPeriod: time.Minute,
		HitThreshold:      10,
		BanDuration:       time.Minute,
	})
	cur := time.Unix(1_700_000_000, 0)
	tr.nowFn = func() time.Time { return cur }
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3000}
	tr.Observe(addr, RandomId(), ObservationMalformedMessage)

	cur = cur.Add(2 * time.Minute)
	tr.Purge()
	if _, ok := tr.observed[addr.String()]; ok {
		t.Fatal("expired observation must be purged")
	}
}
