// Package metrics holds the Prometheus collectors exported by hpa-replica-sync
// and the admin HTTP server that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Namespace prefixes every metric owned by this module.
const Namespace = "hpa_replica_sync"

// Result label values for EnqueueTotal.
const (
	EnqueueAdded    = "added"
	EnqueueMerged   = "merged"
	EnqueueFiltered = "filtered"
	EnqueueDropped  = "dropped"
)

// Result label values for TargetPatches.
const (
	PatchApplied   = "applied"
	PatchConverged = "converged"
	PatchFailed    = "failed"
	PatchDryRun    = "dry_run"
)

// Registry is the registry all collectors in this package are registered with.
var Registry = prometheus.NewRegistry()

var (
	// ReconcileTotal counts processed work items by outcome.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconcile_total",
		Help:      "Number of processed work items, by controller and outcome.",
	}, []string{"controller", "outcome"})

	// ReconcileDuration observes how long processing one work item took.
	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent processing one work item.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"controller"})

	// EnqueueTotal counts informer events by what happened to their key.
	EnqueueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "enqueue_total",
		Help:      "Number of events seen by the enqueuer, by source and result.",
	}, []string{"source", "result"})

	// TargetPatches counts replica decisions against the target resource.
	TargetPatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "target_patches_total",
		Help:      "Replica decisions against the target resource, by result.",
	}, []string{"result"})

	// DesiredReplicas is the last desired replica count read from the autoscaler.
	DesiredReplicas = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "desired_replicas",
		Help:      "Desired replicas last reported by the autoscaler.",
	}, []string{"namespace", "name"})

	// TargetReplicas is the last replica count observed or written on the target.
	TargetReplicas = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "target_replicas",
		Help:      "Replicas last observed on, or written to, the target resource.",
	}, []string{"namespace", "name"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ReconcileTotal,
		ReconcileDuration,
		EnqueueTotal,
		TargetPatches,
		DesiredReplicas,
		TargetReplicas,
		workqueueDepth,
		workqueueAdds,
		workqueueLatency,
		workqueueWorkDuration,
		workqueueUnfinished,
		workqueueLongestRunning,
		workqueueRetries,
	)
}
