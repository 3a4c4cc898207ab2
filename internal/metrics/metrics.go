// Package metrics registers Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multireplica/xcp/pkg/xcp"
)

// Metrics holds every collector the engine reports against. Callers create
// one per process and pass it into the copy loop that observes a Ctx.
type Metrics struct {
	ChunksTotal            *prometheus.CounterVec
	BytesTransferredTotal  *prometheus.CounterVec
	StealsTotal            *prometheus.CounterVec
	DuplicateDiscardsTotal prometheus.Counter
	SourceEfficiency       *prometheus.GaugeVec
	LiveSources            prometheus.Gauge
	FailedSources          prometheus.Gauge
}

// StealCase labels the five-case stealing protocol for the xcp_steals_total
// counter.
type StealCase string

const (
	StealCaseVictimDone      StealCase = "victim_done"
	StealCaseVictimError     StealCase = "victim_error"
	StealCaseBlockFraction   StealCase = "block_fraction"
	StealCaseStolenTakeover  StealCase = "stolen_takeover"
	StealCaseOngoingDuplicate StealCase = "ongoing_duplicate"
)

// New creates and registers every collector under the given namespace. The
// namespace is typically the process name ("xcp").
func New(namespace string) *Metrics {
	m := &Metrics{
		ChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks delivered to the copy consumer, by source id.",
		}, []string{"source"}),
		BytesTransferredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Bytes transferred, by source id.",
		}, []string{"source"}),
		StealsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steals_total",
			Help:      "Work-stealing events, by case.",
		}, []string{"case"}),
		DuplicateDiscardsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_discards_total",
			Help:      "Chunks discarded because they were already delivered under beware_dups.",
		}),
		SourceEfficiency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_efficiency",
			Help:      "Current efficiency indicator per source (higher means less efficient).",
		}, []string{"source"}),
		LiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sources",
			Help:      "Number of sources currently participating in the copy.",
		}),
		FailedSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_sources",
			Help:      "Number of sources that latched to an error and hold work pending takeover.",
		}),
	}

	prometheus.MustRegister(
		m.ChunksTotal,
		m.BytesTransferredTotal,
		m.StealsTotal,
		m.DuplicateDiscardsTotal,
		m.SourceEfficiency,
		m.LiveSources,
		m.FailedSources,
	)

	return m
}

// ObserveChunk records one delivered chunk from the given source.
func (m *Metrics) ObserveChunk(sourceID string, chunk *xcp.Chunk) {
	if chunk == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(sourceID).Inc()
	m.BytesTransferredTotal.WithLabelValues(sourceID).Add(float64(chunk.Length()))
}

// ObserveSteal records one work-stealing event.
func (m *Metrics) ObserveSteal(c StealCase) {
	m.StealsTotal.WithLabelValues(string(c)).Inc()
}

// ObserveDuplicate records one duplicate chunk discarded under beware_dups.
func (m *Metrics) ObserveDuplicate() {
	m.DuplicateDiscardsTotal.Inc()
}

// ObserveSnapshot refreshes the gauges from a Ctx.Snapshot.
func (m *Metrics) ObserveSnapshot(snap xcp.Snapshot) {
	m.LiveSources.Set(float64(snap.LiveSources))
	m.FailedSources.Set(float64(snap.FailedSources))
	for _, src := range snap.Sources {
		m.SourceEfficiency.WithLabelValues(src.ID).Set(src.Efficiency)
	}
}

// Handler returns the HTTP handler that serves the registry in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
