// Package metrics exposes a replay.ReplayMetrics snapshot as Prometheus
// collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helius-labs/replay-engine/go/replay"
)

// Registry wraps the Prometheus collectors the replay engine reports on,
// sourced from a replay.ReplayMetrics snapshot (and, optionally, an account
// replay's PageAssembler eviction count) each time the caller invokes
// Sample; a scrape itself does not refresh them.
type Registry struct {
	source    *replay.ReplayMetrics
	assembler *replay.PageAssembler

	bufferedItems       prometheus.Gauge
	emittedBackfill     prometheus.Counter
	emittedLive         prometheus.Counter
	emittedReconnect    prometheus.Counter
	discardedDuplicates prometheus.Counter
	errorsByKind        *prometheus.CounterVec
	pageAssemblyEvictions prometheus.Counter

	lastSnapshot      replay.ReplayMetricsSnapshot
	lastEvictions     uint64
}

// NewRegistry creates Prometheus collectors backed by source. Pass a
// non-nil assembler to also report replay_page_assembly_evictions_total
// (account replay owns its own PageAssembler, separate from source).
func NewRegistry(source *replay.ReplayMetrics, assembler *replay.PageAssembler) *Registry {
	return &Registry{
		source:    source,
		assembler: assembler,
		bufferedItems: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "replay_buffered_items",
			Help: "Number of items currently buffered in the live dedup buffer",
		}),
		emittedBackfill: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_emitted_backfill_total",
			Help: "Total number of items emitted from the backfill phase",
		}),
		emittedLive: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_emitted_live_total",
			Help: "Total number of items emitted from the live subfeed",
		}),
		emittedReconnect: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_emitted_reconnect_total",
			Help: "Total number of items emitted from a mini-backfill during reconnect",
		}),
		discardedDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_discarded_duplicates_total",
			Help: "Total number of items discarded as duplicates during handover",
		}),
		errorsByKind: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "replay_errors_total",
			Help: "Total number of replay errors, by kind",
		}, []string{"kind"}),
		pageAssemblyEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_page_assembly_evictions_total",
			Help: "Total number of PageAssembler entries evicted by quota or timeout",
		}),
	}
}

// Sample pulls the latest snapshot from source and advances the
// Prometheus collectors by the delta since the previous sample. Counters
// in ReplayMetrics are monotonic, so the delta is always non-negative.
func (r *Registry) Sample() {
	snap := r.source.Snapshot()

	r.bufferedItems.Set(float64(snap.BufferedItems))
	r.emittedBackfill.Add(float64(snap.EmittedBackfill - r.lastSnapshot.EmittedBackfill))
	r.emittedLive.Add(float64(snap.EmittedLive - r.lastSnapshot.EmittedLive))
	r.emittedReconnect.Add(float64(snap.EmittedReconnect - r.lastSnapshot.EmittedReconnect))
	r.discardedDuplicates.Add(float64(snap.DiscardedDuplicates - r.lastSnapshot.DiscardedDuplicates))

	for kind, count := range snap.ErrorsByKind {
		prev := r.lastSnapshot.ErrorsByKind[kind]
		if count > prev {
			r.errorsByKind.WithLabelValues(string(kind)).Add(float64(count - prev))
		}
	}

	if r.assembler != nil {
		evictions := r.assembler.Evictions()
		r.pageAssemblyEvictions.Add(float64(evictions - r.lastEvictions))
		r.lastEvictions = evictions
	}

	r.lastSnapshot = snap
}

// Handler returns an HTTP handler exposing the Prometheus registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
