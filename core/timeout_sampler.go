package core

import "time"

// Defaults for TimeoutSampler and the RPC layer's clamp bounds.
const (
	DefaultBinSizeMs      = 50
	DefaultTimeoutMinMs   = 0
	DefaultTimeoutMaxMs   = 10_000
	DefaultBaselineFloor  = 100
	RpcCallTimeoutMinMs   = 500
	RpcCallTimeoutMaxMs   = 10_000
	recomputeEveryUpdates = 16
	decayFactor           = 0.95
)

// TimeoutSamplerConfig configures a TimeoutSampler.
type TimeoutSamplerConfig struct {
	BinSizeMs     int
	TimeoutMinMs  int
	TimeoutMaxMs  int
	BaselineFloor int
}

// DefaultTimeoutSamplerConfig returns the documented defaults.
func DefaultTimeoutSamplerConfig() TimeoutSamplerConfig {
	return TimeoutSamplerConfig{
		BinSizeMs:     DefaultBinSizeMs,
		TimeoutMinMs:  DefaultTimeoutMinMs,
		TimeoutMaxMs:  DefaultTimeoutMaxMs,
		BaselineFloor: DefaultBaselineFloor,
	}
}

// TimeoutSampler maintains a fixed-width histogram of RTT samples and
// derives an adaptive stall timeout from its quantiles.
type TimeoutSampler struct {
	cfg       TimeoutSamplerConfig
	bins      []float64
	numBins   int
	updates   int
	snapshot  []float64
	mean      float64
	modeBin   int
	quantiles [101]float64 // quantiles[p] = RTT at the p-th percentile, ms
}

// NewTimeoutSampler builds a sampler with the given configuration. The
// initial state biases the snapshot toward the top bin (maxBin), which
// yields a conservative (long) initial stall timeout until real samples
// arrive.
func NewTimeoutSampler(cfg TimeoutSamplerConfig) *TimeoutSampler {
	if cfg.BinSizeMs <= 0 {
		cfg.BinSizeMs = DefaultBinSizeMs
	}
	if cfg.TimeoutMaxMs <= cfg.TimeoutMinMs {
		cfg.TimeoutMaxMs = cfg.TimeoutMinMs + DefaultTimeoutMaxMs
	}
	if cfg.BaselineFloor <= 0 {
		cfg.BaselineFloor = DefaultBaselineFloor
	}
	numBins := (cfg.TimeoutMaxMs-cfg.TimeoutMinMs)/cfg.BinSizeMs + 1
	s := &TimeoutSampler{
		cfg:     cfg,
		bins:    make([]float64, numBins),
		numBins: numBins,
	}
	for i := range s.quantiles {
		s.quantiles[i] = float64(cfg.TimeoutMaxMs)
	}
	s.modeBin = numBins - 1
	s.recompute()
	return s
}

func (s *TimeoutSampler) binIndex(rttMs int) int {
	idx := (rttMs - s.cfg.TimeoutMinMs) / s.cfg.BinSizeMs
	if idx < 0 {
		idx = 0
	}
	if idx >= s.numBins {
		idx = s.numBins - 1
	}
	return idx
}

// Update records one RTT sample (in milliseconds). Every 16 updates the
// sampler recomputes its snapshot and decays all bins by 0.95.
func (s *TimeoutSampler) Update(rtt time.Duration) {
	idx := s.binIndex(int(rtt.Milliseconds()))
	s.bins[idx]++
	s.updates++
	if s.updates%recomputeEveryUpdates == 0 {
		s.recompute()
		for i := range s.bins {
			s.bins[i] *= decayFactor
		}
	}
}

func (s *TimeoutSampler) recompute() {
	total := 0.0
	for _, c := range s.bins {
		total += c
	}
	s.snapshot = append(s.snapshot[:0], s.bins...)
	if total == 0 {
		return
	}

	var mean float64
	modeBin, modeVal := 0, -1.0
	for i, c := range s.bins {
		mid := float64(s.cfg.TimeoutMinMs) + (float64(i)+0.5)*float64(s.cfg.BinSizeMs)
		mean += mid * c
		if c > modeVal {
			modeVal = c
			modeBin = i
		}
	}
	s.mean = mean / total
	s.modeBin = modeBin

	cumulative := 0.0
	bin := 0
	for p := 0; p <= 100; p++ {
		target := float64(p) / 100.0 * total
		for bin < s.numBins-1 && cumulative+s.bins[bin] < target {
			cumulative += s.bins[bin]
			bin++
		}
		s.quantiles[p] = float64(s.cfg.TimeoutMinMs) + (float64(bin)+0.5)*float64(s.cfg.BinSizeMs)
	}
}

// Quantile returns the estimated RTT, in milliseconds, at percentile p
// (0-100).
func (s *TimeoutSampler) Quantile(p int) float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return s.quantiles[p]
}

// Mean returns the estimated mean RTT in milliseconds.
func (s *TimeoutSampler) Mean() float64 { return s.mean }

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StallTimeout derives the adaptive RPC deadline from the current
// quantile estimates: max(q10 + baseline_floor, q90), clamped to
// [timeout_min, timeout_max].
func (s *TimeoutSampler) StallTimeout() time.Duration {
	q10 := s.Quantile(10)
	q90 := s.Quantile(90)
	v := q10 + float64(s.cfg.BaselineFloor)
	if q90 > v {
		v = q90
	}
	v = clampF(v, float64(s.cfg.TimeoutMinMs), float64(s.cfg.TimeoutMaxMs))
	return time.Duration(v) * time.Millisecond
}

// ClampedStallTimeout additionally clamps StallTimeout to the RPC call's
// own floor/ceiling.
func (s *TimeoutSampler) ClampedStallTimeout() time.Duration {
	v := s.StallTimeout()
	if v < RpcCallTimeoutMinMs*time.Millisecond {
		return RpcCallTimeoutMinMs * time.Millisecond
	}
	if v > RpcCallTimeoutMaxMs*time.Millisecond {
		return RpcCallTimeoutMaxMs * time.Millisecond
	}
	return v
}
