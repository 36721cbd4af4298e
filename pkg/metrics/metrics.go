package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellar_pools_total",
			Help: "Total number of pools by health state",
		},
		[]string{"health"},
	)

	PoolFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellar_pool_free_bytes",
			Help: "Free space estimate per pool",
		},
		[]string{"pool"},
	)

	// Snapshot metrics
	SnapshotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellar_snapshots_total",
			Help: "Current number of snapshots per dataset",
		},
		[]string{"dataset"},
	)

	SnapshotsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_snapshots_created_total",
			Help: "Total snapshots created per dataset",
		},
		[]string{"dataset"},
	)

	SnapshotCreateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_snapshot_create_failures_total",
			Help: "Total failed snapshot creations per dataset",
		},
		[]string{"dataset"},
	)

	SnapshotsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_snapshots_pruned_total",
			Help: "Total snapshots deleted by retention per dataset",
		},
		[]string{"dataset"},
	)

	PruneBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellar_prune_blocked_total",
			Help: "Deletions blocked because the snapshot serves as an incremental basis",
		},
	)

	// Transfer metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellar_transfer_jobs_total",
			Help: "Transfer jobs by state",
		},
		[]string{"state"},
	)

	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_transfer_bytes_total",
			Help: "Bytes streamed to targets per pool",
		},
		[]string{"pool"},
	)

	TransferRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellar_transfer_retries_total",
			Help: "Transient transfer failures that triggered a retry",
		},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellar_transfer_duration_seconds",
			Help:    "Wall time of completed transfer attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"pool"},
	)

	// Supervisor metrics
	ReconcileCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cellar_reconcile_cycles_total",
			Help: "Supervisor reconciliation cycles",
		},
	)

	JobsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_jobs_recovered_total",
			Help: "Interrupted jobs resolved at recovery by outcome",
		},
		[]string{"outcome"},
	)

	WorkerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellar_worker_restarts_total",
			Help: "Background task restarts by task name",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolFreeBytes)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotsCreated)
	prometheus.MustRegister(SnapshotCreateFailures)
	prometheus.MustRegister(SnapshotsPruned)
	prometheus.MustRegister(PruneBlocked)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TransferBytes)
	prometheus.MustRegister(TransferRetries)
	prometheus.MustRegister(TransferDuration)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(JobsRecovered)
	prometheus.MustRegister(WorkerRestarts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
