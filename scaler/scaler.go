// Package scaler copies an autoscaler's desired replica count into a replica
// field of another resource.
package scaler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/hpa-replica-sync/controller"
	"github.com/imjasonh/hpa-replica-sync/metrics"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
)

// DefaultRetryInterval is how long to wait before looking for a missing
// target again.
const DefaultRetryInterval = time.Minute

// TargetClient reads and patches the scaled resource.
// generic.Client[*unstructured.Unstructured] satisfies it.
type TargetClient interface {
	Get(ctx context.Context, namespace, name string, opts *metav1.GetOptions) (*unstructured.Unstructured, error)
	Patch(ctx context.Context, namespace, name string, pt types.PatchType, data []byte, opts *metav1.PatchOptions) (*unstructured.Unstructured, error)
}

// Options configures a Reconciler.
type Options struct {
	// Namespace of the target. If empty, the autoscaler's namespace is used.
	Namespace string

	// Name of the target resource.
	Name string

	// ReplicasPath is the field holding the replica count, e.g.
	// []string{"spec", "kafka", "replicas"}.
	ReplicasPath []string

	// AllowScaleToZero lets a desired count of 0 through. Otherwise an
	// autoscaler without a recommendation is skipped.
	AllowScaleToZero bool

	// DryRun sends patches with server-side dry run.
	DryRun bool

	// RetryInterval is how long to wait before retrying a missing target.
	RetryInterval time.Duration
}

// Reconciler implements controller.Reconciler for autoscalers.
type Reconciler struct {
	client           TargetClient
	namespace        string
	name             string
	path             []string
	allowScaleToZero bool
	dryRun           bool
	retryInterval    time.Duration
}

var _ controller.Reconciler[*autoscalingv2.HorizontalPodAutoscaler] = (*Reconciler)(nil)

// New returns a Reconciler writing to the target described by opts.
func New(client TargetClient, opts Options) (*Reconciler, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("target name is required")
	}
	if len(opts.ReplicasPath) == 0 {
		return nil, fmt.Errorf("replicas path is required")
	}
	for _, p := range opts.ReplicasPath {
		if p == "" {
			return nil, fmt.Errorf("replicas path %q has an empty segment", strings.Join(opts.ReplicasPath, "."))
		}
	}
	r := &Reconciler{
		client:           client,
		namespace:        opts.Namespace,
		name:             opts.Name,
		path:             opts.ReplicasPath,
		allowScaleToZero: opts.AllowScaleToZero,
		dryRun:           opts.DryRun,
		retryInterval:    opts.RetryInterval,
	}
	if r.retryInterval <= 0 {
		r.retryInterval = DefaultRetryInterval
	}
	return r, nil
}

// Reconcile makes the target's replica field equal the autoscaler's
// desired replicas. It writes nothing when they already agree.
func (r *Reconciler) Reconcile(ctx context.Context, hpa *autoscalingv2.HorizontalPodAutoscaler) error {
	namespace := r.namespace
	if namespace == "" {
		namespace = hpa.Namespace
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("target", namespace+"/"+r.name))

	desired := int64(hpa.Status.DesiredReplicas)
	metrics.DesiredReplicas.WithLabelValues(hpa.Namespace, hpa.Name).Set(float64(desired))
	if desired < 1 && !r.allowScaleToZero {
		clog.InfoContext(ctx, "autoscaler has no replica recommendation yet, skipping",
			"desired", desired, "current", hpa.Status.CurrentReplicas)
		return nil
	}

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		return r.sync(ctx, namespace, desired)
	})
}

// sync performs one read-decide-write pass against the target.
func (r *Reconciler) sync(ctx context.Context, namespace string, desired int64) error {
	target, err := r.client.Get(ctx, namespace, r.name, &metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		clog.WarnContext(ctx, "target not found, will retry", "after", r.retryInterval)
		return controller.RequeueAfter(r.retryInterval)
	}
	if err != nil {
		return fmt.Errorf("fetching target %s/%s: %w", namespace, r.name, err)
	}

	current, err := Replicas(target, r.path)
	if err != nil {
		metrics.TargetPatches.WithLabelValues(metrics.PatchFailed).Inc()
		return controller.PermanentError(fmt.Errorf("target %s/%s: %w", namespace, r.name, err))
	}
	metrics.TargetReplicas.WithLabelValues(namespace, r.name).Set(float64(current))

	if current == desired {
		clog.DebugContext(ctx, "target already has desired replicas", "replicas", current)
		metrics.TargetPatches.WithLabelValues(metrics.PatchConverged).Inc()
		return nil
	}

	patch, err := ReplicasPatch(r.path, desired, target.GetResourceVersion())
	if err != nil {
		return controller.PermanentError(err)
	}
	opts := &metav1.PatchOptions{}
	if r.dryRun {
		opts.DryRun = []string{metav1.DryRunAll}
	}
	if _, err := r.client.Patch(ctx, namespace, r.name, types.MergePatchType, patch, opts); err != nil {
		metrics.TargetPatches.WithLabelValues(metrics.PatchFailed).Inc()
		return fmt.Errorf("patching target %s/%s: %w", namespace, r.name, err)
	}

	if r.dryRun {
		clog.InfoContext(ctx, "dry run: would scale target", "from", current, "to", desired)
		metrics.TargetPatches.WithLabelValues(metrics.PatchDryRun).Inc()
		return nil
	}
	clog.InfoContext(ctx, "scaled target", "from", current, "to", desired)
	metrics.TargetPatches.WithLabelValues(metrics.PatchApplied).Inc()
	metrics.TargetReplicas.WithLabelValues(namespace, r.name).Set(float64(desired))
	return nil
}
