package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock metrics
	LockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferro_node_lock_conflicts_total",
			Help: "Total number of exclusive acquisitions that hit an existing reservation",
		},
	)

	LockAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferro_node_lock_acquire_duration_seconds",
			Help:    "Time spent acquiring node reservations, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Allocation metrics
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferro_allocations_total",
			Help: "Total number of processed allocations by outcome",
		},
		[]string{"outcome"},
	)

	AllocationCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferro_allocation_candidates",
			Help:    "Number of candidate nodes surviving the database filter per allocation",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Step metrics
	StepsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferro_steps_executed_total",
			Help: "Total number of executed steps by phase and result",
		},
		[]string{"phase", "result"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferro_step_duration_seconds",
			Help:    "Step execution duration in seconds by phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Phase metrics
	PhasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferro_phases_total",
			Help: "Total number of orchestration phases by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(LockConflictsTotal)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationCandidates)
	prometheus.MustRegister(StepsExecutedTotal)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(PhasesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
