// Package metrics defines the Prometheus collectors of the recommender service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amnesia"

// Request outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors. Create it with New.
type Metrics struct {
	// Requests counts change requests.
	// Labels: outcome (applied, malformed, failed)
	Requests *prometheus.CounterVec

	// StepDuration measures the time from accepting a request to having its diffs collected.
	StepDuration prometheus.Histogram

	// BarrierSteps is the number of operator invocations needed to drain one logical time.
	BarrierSteps prometheus.Histogram

	// Diffs counts emitted diff records.
	// Labels: collection
	Diffs *prometheus.CounterVec

	// TraceUpdates is the number of updates retained by the trace of each collection after
	// compaction.
	// Labels: collection
	TraceUpdates *prometheus.GaugeVec

	// LogicalTime is the last logical time whose diffs were collected.
	LogicalTime prometheus.Gauge

	// Peers is the number of connected peers.
	Peers prometheus.Gauge

	// BroadcastFailures counts peers dropped because a diff record could not be delivered.
	BroadcastFailures prometheus.Counter

	// MirrorFailures counts failed writes to the recommendation mirror.
	MirrorFailures prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg creates unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total change requests by outcome",
		}, []string{"outcome"}),

		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Time to apply a change request and collect its diffs",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),

		BarrierSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "barrier_steps",
			Help:      "Operator invocations needed to drain a logical time",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		Diffs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "diffs_total",
			Help:      "Total diff records emitted by collection",
		}, []string{"collection"}),

		TraceUpdates: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trace_updates",
			Help:      "Updates retained by the trace of each collection",
		}, []string{"collection"}),

		LogicalTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "logical_time",
			Help:      "Last collected logical time",
		}),

		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "peers",
			Help:      "Connected peers",
		}),

		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "broadcast_failures_total",
			Help:      "Total peers dropped on delivery failure",
		}),

		MirrorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "failures_total",
			Help:      "Total failed writes to the recommendation mirror",
		}),
	}
}
