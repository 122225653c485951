package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagechain"

var (
	// BackendCalls counts backend attempts by backend and result kind.
	BackendCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "calls_total",
		Help:      "Total number of backend transform attempts",
	}, []string{"backend", "result"})

	// BackendRetries counts retries scheduled after quota errors.
	BackendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "retries_total",
		Help:      "Total number of retries scheduled after retryable backend errors",
	}, []string{"backend"})

	// Failovers counts moves from an exhausted backend to the next one.
	Failovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "failover",
		Name:      "total",
		Help:      "Total number of failovers away from a quota-exhausted backend",
	}, []string{"backend"})

	// StepDuration observes wall time per (image, step) attempt.
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "step_duration_seconds",
		Help:      "The latency distributions of workflow steps",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2.0, 12),
	}, []string{"outcome"})

	// Runs counts finished runs by terminal status.
	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "runs_total",
		Help:      "Total number of finished runs",
	}, []string{"status"})

	// SimulatedCost accumulates the metered cost of successful steps.
	SimulatedCost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "simulated_cost_total",
		Help:      "Total simulated cost of successful steps",
	})

	// SimulatedCredits accumulates the metered credits of successful steps.
	SimulatedCredits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "simulated_credits_total",
		Help:      "Total simulated credits of successful steps",
	})

	// PoolRuns tracks runs waiting for or holding a run-pool slot.
	PoolRuns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "runs",
		Help:      "Runs in the run pool by state",
	}, []string{"state"})

	// FolderBatches counts hot-folder batches by folder and result.
	FolderBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batches_total",
		Help:      "Total number of hot-folder batches",
	}, []string{"folder", "result"})
)

// InitMetrics registers all metrics in this package.
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(BackendCalls)
	registry.MustRegister(BackendRetries)
	registry.MustRegister(Failovers)
	registry.MustRegister(StepDuration)
	registry.MustRegister(Runs)
	registry.MustRegister(SimulatedCost)
	registry.MustRegister(SimulatedCredits)
	registry.MustRegister(FolderBatches)
	registry.MustRegister(PoolRuns)
}
