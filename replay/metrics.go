package replay

import (
	"sync"
	"sync/atomic"
)

// ReplayMetrics holds the replay's monotonic, non-negative counters,
// readable at any time via Snapshot. The counters are atomics and the
// per-kind error map is guarded by its own mutex, so Snapshot never races
// with concurrent emission.
type ReplayMetrics struct {
	bufferedItems       atomic.Uint64
	emittedBackfill     atomic.Uint64
	emittedLive         atomic.Uint64
	emittedReconnect    atomic.Uint64
	discardedDuplicates atomic.Uint64

	errorsMu   sync.Mutex
	errorsByKind map[ErrorKind]uint64
}

// NewReplayMetrics creates a zeroed metrics set.
func NewReplayMetrics() *ReplayMetrics {
	return &ReplayMetrics{errorsByKind: make(map[ErrorKind]uint64)}
}

func (m *ReplayMetrics) setBuffered(v uint64)        { m.bufferedItems.Store(v) }
func (m *ReplayMetrics) addBackfill(n uint64)        { m.emittedBackfill.Add(n) }
func (m *ReplayMetrics) addLive(n uint64)            { m.emittedLive.Add(n) }
func (m *ReplayMetrics) addReconnect(n uint64)       { m.emittedReconnect.Add(n) }
func (m *ReplayMetrics) addDiscardedDuplicates(n uint64) { m.discardedDuplicates.Add(n) }

// addError increments the per-kind error counter that backs
// internal/metrics' replay_errors_total{kind}.
func (m *ReplayMetrics) addError(kind ErrorKind) {
	m.errorsMu.Lock()
	m.errorsByKind[kind]++
	m.errorsMu.Unlock()
}

// Snapshot returns a point-in-time, immutable copy of the counters.
func (m *ReplayMetrics) Snapshot() ReplayMetricsSnapshot {
	m.errorsMu.Lock()
	errors := make(map[ErrorKind]uint64, len(m.errorsByKind))
	for k, v := range m.errorsByKind {
		errors[k] = v
	}
	m.errorsMu.Unlock()

	return ReplayMetricsSnapshot{
		BufferedItems:       m.bufferedItems.Load(),
		EmittedBackfill:     m.emittedBackfill.Load(),
		EmittedLive:         m.emittedLive.Load(),
		EmittedReconnect:    m.emittedReconnect.Load(),
		DiscardedDuplicates: m.discardedDuplicates.Load(),
		ErrorsByKind:        errors,
	}
}
