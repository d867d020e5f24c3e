package tsreplay

import "github.com/prometheus/client_golang/prometheus"

// Metrics observes a running Engine's pacing behavior. Pass Collectors() to
// a prometheus.Registry (or register them individually) and construct with
// NewMetrics so all fields are non-nil.
type Metrics struct {
	PacketsEmitted   prometheus.Counter
	QueueOverflows   prometheus.Counter
	BlocksSkipped    prometheus.Counter
	SyncResets       prometheus.Counter
	TimeTravelEvents prometheus.Counter
	SyncDiffMS       prometheus.Gauge
}

// NewMetrics builds a Metrics with the given constant labels applied to
// every collector (e.g. {"file": filename}).
func NewMetrics(constLabels prometheus.Labels) *Metrics {
	return &Metrics{
		PacketsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tsreplay",
			Name:        "packets_emitted_total",
			Help:        "TS payloads pushed to the handoff queue.",
			ConstLabels: constLabels,
		}),
		QueueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tsreplay",
			Name:        "queue_overflows_total",
			Help:        "Payloads dropped because the handoff queue was full.",
			ConstLabels: constLabels,
		}),
		BlocksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tsreplay",
			Name:        "blocks_skipped_total",
			Help:        "PCR blocks skipped for having an out-of-range block time.",
			ConstLabels: constLabels,
		}),
		SyncResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tsreplay",
			Name:        "sync_resets_total",
			Help:        "Drift accumulator resets caused by a host clock jump.",
			ConstLabels: constLabels,
		}),
		TimeTravelEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tsreplay",
			Name:        "time_travel_total",
			Help:        "Backwards wall-clock steps observed by the pacing loop.",
			ConstLabels: constLabels,
		}),
		SyncDiffMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tsreplay",
			Name:        "sync_diff_milliseconds",
			Help:        "Signed gap between stream time and wall-clock time since the last reset.",
			ConstLabels: constLabels,
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PacketsEmitted, m.QueueOverflows, m.BlocksSkipped,
		m.SyncResets, m.TimeTravelEvents, m.SyncDiffMS,
	}
}
