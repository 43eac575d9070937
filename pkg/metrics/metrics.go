package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chain/volume inventory metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vstorage_volumes_total",
			Help: "Total number of volumes by backend kind and chain role",
		},
		[]string{"backend", "role"},
	)

	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vstorage_domains_total",
			Help: "Total number of storage domains by backend kind and class",
		},
		[]string{"backend", "class"},
	)

	// Chain engine (C8) operation metrics
	ChainOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstorage_chain_operations_total",
			Help: "Total number of chain engine operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	ChainOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vstorage_chain_operation_duration_seconds",
			Help:    "Time taken by chain engine operations, by operation name",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"operation"},
	)

	// LVM command layer (C1.1) metrics
	LVMCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstorage_lvm_commands_total",
			Help: "Total number of lvm command invocations by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	LVMCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vstorage_lvm_command_duration_seconds",
			Help:    "Time taken by lvm command invocations, by verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	LVMFilterRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vstorage_lvm_filter_rebuilds_total",
			Help: "Total number of LVM device filter rebuilds triggered by a stale-filter retry",
		},
	)

	// Cluster lock (C2) metrics
	ClusterLeaseAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstorage_cluster_lease_acquisitions_total",
			Help: "Total number of cluster lease acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	ClusterLeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vstorage_cluster_leases_held",
			Help: "Number of cluster leases currently held by this host",
		},
	)

	// Resource manager (C3) metrics
	ResourceLockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vstorage_resource_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a namespaced resource lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"namespace", "mode"},
	)

	ResourceLocksHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vstorage_resource_locks_held",
			Help: "Number of resource locks currently held, by namespace and mode",
		},
		[]string{"namespace", "mode"},
	)

	// Task & recovery (C4) metrics
	TaskRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstorage_task_recoveries_total",
			Help: "Total number of recovery steps executed on task abort, by outcome",
		},
		[]string{"outcome"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vstorage_tasks_in_flight",
			Help: "Number of host API operations currently running under a task",
		},
	)

	// Reconciliation (C8.6) metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vstorage_reconciliation_duration_seconds",
			Help:    "Time taken for a chain reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vstorage_reconciliation_cycles_total",
			Help: "Total number of chain reconciliation cycles completed",
		},
	)

	ReconciliationDriftTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vstorage_reconciliation_drift_total",
			Help: "Total number of chain entries corrected by reconciliation, by field",
		},
		[]string{"field"},
	)
)

func init() {
	prometheus.MustRegister(
		VolumesTotal,
		DomainsTotal,
		ChainOperationsTotal,
		ChainOperationDuration,
		LVMCommandsTotal,
		LVMCommandDuration,
		LVMFilterRebuildsTotal,
		ClusterLeaseAcquisitionsTotal,
		ClusterLeasesHeld,
		ResourceLockWaitDuration,
		ResourceLocksHeld,
		TaskRecoveriesTotal,
		TasksInFlight,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		ReconciliationDriftTotal,
	)
}

// Handler returns the Prometheus HTTP handler. The chain engine itself
// never opens a listener; a host process embedding it mounts this at
// its own /metrics path.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
