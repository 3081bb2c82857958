package core

import (
	"math/rand"
	"testing"
	"time"
)

func TestTimeoutSamplerInitialStateIsConservative(t *testing.T) {
	s := NewTimeoutSampler(DefaultTimeoutSamplerConfig())
	if got := s.StallTimeout(); got < 5000*time.Millisecond {
		t.Fatalf("expected conservative initial stall timeout >= 5s, got %v", got)
	}
}

func TestTimeoutSamplerStallTimeoutAlwaysClamped(t *testing.T) {
	cfg := TimeoutSamplerConfig{BinSizeMs: 50, TimeoutMinMs: 0, TimeoutMaxMs: 10_000, BaselineFloor: 100}
	s := NewTimeoutSampler(cfg)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		s.Update(time.Duration(rng.Intn(12_000)) * time.Millisecond)
		got := s.StallTimeout()
		if got < time.Duration(cfg.TimeoutMinMs)*time.Millisecond || got > time.Duration(cfg.TimeoutMaxMs)*time.Millisecond {
			t.Fatalf("stall timeout %v escaped [%d,%d]ms bounds", got, cfg.TimeoutMinMs, cfg.TimeoutMaxMs)
		}
	}
}

func TestTimeoutSamplerMeanTracksClusteredSamples(t *testing.T) {
	cfg := DefaultTimeoutSamplerConfig()
	s := NewTimeoutSampler(cfg)
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		rtt := 100 + rng.Intn(101) // uniform in [100,200]
		s.Update(time.Duration(rtt) * time.Millisecond)
	}
	mean := s.Mean()
	if mean < 150-float64(cfg.BinSizeMs) || mean > 150+float64(cfg.BinSizeMs) {
		t.Fatalf("expected mean within one bin width of 150ms, got %.1f", mean)
	}
}

func TestTimeoutSamplerAdaptsDownForFastClusteredRTTs(t *testing.T) {
	s := NewTimeoutSampler(DefaultTimeoutSamplerConfig())
	initial := s.StallTimeout()

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		rtt := 100 + rng.Intn(101)
		s.Update(time.Duration(rtt) * time.Millisecond)
	}
	adapted := s.StallTimeout()
	if adapted >= initial {
		t.Fatalf("expected stall timeout to adapt down from %v, got %v", initial, adapted)
	}
	if adapted > 2*time.Second {
		t.Fatalf("expected stall timeout to settle well under 2s for tight RTT cluster, got %v", adapted)
	}
}
