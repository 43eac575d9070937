/*
Package metrics defines and registers the chain engine's Prometheus
instrumentation: volume/domain inventory gauges, per-operation counters
and histograms for the chain engine (C8), the LVM command layer (C1.1),
the cluster lock (C2), the resource manager (C3), task recovery (C4),
and chain reconciliation (C8.6).

# Usage

Updating gauges and counters:

	metrics.VolumesTotal.WithLabelValues("block", "leaf").Set(12)
	metrics.ClusterLeaseAcquisitionsTotal.WithLabelValues("ok").Inc()

Recording a histogram observation with the Timer helper:

	timer := metrics.NewTimer()
	_, err := engine.Snapshot(tk, params)
	timer.ObserveDurationVec(metrics.ChainOperationDuration, "snapshot")

Exposing the registry:

	http.Handle("/metrics", metrics.Handler())

The chain engine never opens its own listener — a host process
embedding the engine mounts Handler() at whatever path fits its own
API surface.

# Design

All metrics are registered once in init() via prometheus.MustRegister,
so a duplicate registration panics at process start rather than
silently dropping a metric. Labels are kept low-cardinality (backend
kind, operation name, outcome) — never a domain/image/volume UUID,
which belongs in logs via internal/obslog, not in a metric label.
*/
package metrics
