package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RoutesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcore_routes_active",
			Help: "Routes currently held in a table role.",
		},
		[]string{"afi", "safi", "role"},
	)

	DecisionChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_decision_changes_total",
			Help: "Best-path winner transitions (add/replace/delete).",
		},
		[]string{"afi", "safi", "kind"},
	)

	DampingSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_damping_suppressed_total",
			Help: "Routes that crossed the cutoff threshold and were suppressed.",
		},
		[]string{"afi", "safi"},
	)

	DampingReuseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_damping_reuse_total",
			Help: "Suppressed routes released back to the decision process.",
		},
		[]string{"afi", "safi"},
	)

	DampingFigureOfMerit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcore_damping_figure_of_merit",
			Help: "Current flap figure-of-merit for a damped prefix.",
		},
		[]string{"afi", "safi", "prefix"},
	)

	FanoutQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcore_fanout_queue_depth",
			Help: "Entries between a branch's read cursor and the queue head.",
		},
		[]string{"afi", "safi", "peer"},
	)

	FanoutResetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_fanout_reset_total",
			Help: "Branches reset for queue overflow or stuck-cursor detection.",
		},
		[]string{"afi", "safi", "peer", "reason"},
	)

	DumpEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_dump_entries_total",
			Help: "Snapshot entries delivered by a table dump.",
		},
		[]string{"afi", "safi", "peer"},
	)

	DumpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpcore_dump_duration_seconds",
			Help:    "Wall time from dump start to completion.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"afi", "safi"},
	)

	AggregateContributorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpcore_aggregate_contributors",
			Help: "Contributor count backing an announced aggregate.",
		},
		[]string{"afi", "safi", "prefix"},
	)

	RibOutBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpcore_ribout_batch_size",
			Help:    "Prefixes grouped into one UPDATE-shaped batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
		[]string{"afi", "safi"},
	)

	AuditWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpcore_audit_write_duration_seconds",
			Help:    "Audit sink batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	EventFeedPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_eventfeed_published_total",
			Help: "Events republished to the outbound event feed.",
		},
		[]string{"afi", "safi", "kind"},
	)

	EventFeedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpcore_eventfeed_errors_total",
			Help: "Event feed publish failures.",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Calls after the
// first are no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		RoutesActive,
		DecisionChangesTotal,
		DampingSuppressedTotal,
		DampingReuseTotal,
		DampingFigureOfMerit,
		FanoutQueueDepth,
		FanoutResetTotal,
		DumpEntriesTotal,
		DumpDuration,
		AggregateContributorsTotal,
		RibOutBatchSize,
		AuditWriteDuration,
		EventFeedPublishedTotal,
		EventFeedErrorsTotal,
	)
}
