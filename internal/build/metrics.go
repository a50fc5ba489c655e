package build

import (
	"sync"
	"time"
)

// Metrics tracks compile outcomes.
type Metrics struct {
	mutex sync.RWMutex
	snap  MetricsSnapshot
}

// MetricsSnapshot is a copy of the counters safe to serialize.
type MetricsSnapshot struct {
	Compiles        int64         `json:"compiles"`
	Failures        int64         `json:"failures"`
	CacheHits       int64         `json:"cache_hits"`
	Bundles         int64         `json:"bundles"`
	LastBundleAt    time.Time     `json:"last_bundle_at,omitempty"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

// NewMetrics creates an empty tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCompile records one CompileOne call.
func (m *Metrics) RecordCompile(d time.Duration, cacheHit bool, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.snap.Compiles++
	m.snap.TotalDuration += d
	if cacheHit {
		m.snap.CacheHits++
	}
	if err != nil {
		m.snap.Failures++
	}
	m.snap.AverageDuration = m.snap.TotalDuration / time.Duration(m.snap.Compiles)
}

// RecordBundle records a successfully written bundle.
func (m *Metrics) RecordBundle(at time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.snap.Bundles++
	m.snap.LastBundleAt = at
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.snap
}

// CacheHitRate returns cache hits as a percentage of compiles.
func (m *Metrics) CacheHitRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.snap.Compiles == 0 {
		return 0.0
	}

	return float64(m.snap.CacheHits) / float64(m.snap.Compiles) * 100.0
}
