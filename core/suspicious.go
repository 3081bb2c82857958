package core

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults for SuspiciousNodeTracker.
const (
	DefaultObservationPeriod = 15 * time.Minute
	DefaultHitThreshold      = 10
	DefaultBanDuration       = 30 * time.Minute
)

// ObservationKind distinguishes the two events the tracker records.
type ObservationKind int

const (
	ObservationInconsistentId ObservationKind = iota
	ObservationMalformedMessage
)

type observedEntry struct {
	lastId       Id
	lastActivity time.Time
	hits         int
	expiresAt    time.Time
}

// SuspiciousNodeTrackerConfig configures a SuspiciousNodeTracker.
type SuspiciousNodeTrackerConfig struct {
	ObservationPeriod time.Duration
	HitThreshold      int
	BanDuration       time.Duration
}

// DefaultSuspiciousNodeTrackerConfig returns the documented defaults.
func DefaultSuspiciousNodeTrackerConfig() SuspiciousNodeTrackerConfig {
	return SuspiciousNodeTrackerConfig{
		ObservationPeriod: DefaultObservationPeriod,
		HitThreshold:      DefaultHitThreshold,
		BanDuration:       DefaultBanDuration,
	}
}

// SuspiciousNodeTracker observes id-instability and malformed messages
// from remote addresses, promoting repeat offenders to a temporary ban.
// Its own mutex guards every method, since the RPC receive loop and the
// orchestrator's periodic purge timer call into it from different
// goroutines.
type SuspiciousNodeTracker struct {
	mu       sync.Mutex
	cfg      SuspiciousNodeTrackerConfig
	observed map[string]*observedEntry
	banned   map[string]time.Time
	nowFn    func() time.Time
	log      *logrus.Entry
}

// NewSuspiciousNodeTracker builds a tracker with the given configuration.
func NewSuspiciousNodeTracker(cfg SuspiciousNodeTrackerConfig) *SuspiciousNodeTracker {
	if cfg.ObservationPeriod <= 0 {
		cfg.ObservationPeriod = DefaultObservationPeriod
	}
	if cfg.HitThreshold <= 0 {
		cfg.HitThreshold = DefaultHitThreshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	return &SuspiciousNodeTracker{
		cfg:      cfg,
		observed: make(map[string]*observedEntry),
		banned:   make(map[string]time.Time),
		nowFn:    time.Now,
		log:      logrus.WithField("component", "suspicious"),
	}
}

func hostOf(addr *net.UDPAddr) string { return addr.IP.String() }

// Observe records an observation of id from addr, incrementing its hit
// count and extending its expiry.
func (s *SuspiciousNodeTracker) Observe(addr *net.UDPAddr, id Id, kind ObservationKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	key := addr.String()
	e, ok := s.observed[key]
	if !ok {
		e = &observedEntry{lastId: id}
		s.observed[key] = e
	}
	e.lastId = id
	e.lastActivity = now
	e.hits++
	if e.hits >= s.cfg.HitThreshold {
		e.expiresAt = now.Add(s.cfg.BanDuration)
	} else {
		e.expiresAt = now.Add(s.cfg.ObservationPeriod)
	}
}

// LastKnownId returns the last id observed at addr, if any.
func (s *SuspiciousNodeTracker) LastKnownId(addr *net.UDPAddr) (Id, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.observed[addr.String()]
	if !ok {
		return Id{}, false
	}
	return e.lastId, true
}

// IsSuspicious reports whether addr's host is banned, or its last
// observed id disagrees with expectedId.
func (s *SuspiciousNodeTracker) IsSuspicious(addr *net.UDPAddr, expectedId Id) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	host := hostOf(addr)
	if exp, ok := s.banned[host]; ok && s.nowFn().Before(exp) {
		return true
	}
	if e, ok := s.observed[addr.String()]; ok && e.lastId != expectedId {
		return true
	}
	return false
}

// IsHostBanned reports whether host currently carries an unexpired ban.
func (s *SuspiciousNodeTracker) IsHostBanned(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.banned[host]
	return ok && s.nowFn().Before(exp)
}

// BannedCount reports how many hosts currently carry an unexpired ban.
func (s *SuspiciousNodeTracker) BannedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	count := 0
	for _, exp := range s.banned {
		if now.Before(exp) {
			count++
		}
	}
	return count
}

// Purge removes expired observed and banned entries, and promotes any
// observed entry whose hit count has reached the threshold into the
// banned map. Promoted entries remain in the observed map so surveillance
// continues. Call periodically (recommended every two minutes).
func (s *SuspiciousNodeTracker) Purge() (promoted []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	for host, exp := range s.banned {
		if !now.Before(exp) {
			delete(s.banned, host)
		}
	}
	for addrStr, e := range s.observed {
		if e.hits >= s.cfg.HitThreshold {
			host, _, err := net.SplitHostPort(addrStr)
			if err != nil {
				host = addrStr
			}
			if _, already := s.banned[host]; !already {
				promoted = append(promoted, host)
				s.log.WithField("host", host).Warn("promoting suspicious node to ban list")
			}
			s.banned[host] = now.Add(s.cfg.BanDuration)
			continue
		}
		if !now.Before(e.expiresAt) {
			delete(s.observed, addrStr)
		}
	}
	return promoted
}
