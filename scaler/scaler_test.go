package scaler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/imjasonh/hpa-replica-sync/controller"
	"github.com/imjasonh/hpa-replica-sync/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

var kafkaGR = schema.GroupResource{Group: "kafka.strimzi.io", Resource: "kafkas"}

// fakeTarget is an in-memory TargetClient holding a single object.
type fakeTarget struct {
	obj *unstructured.Unstructured

	getErr    error
	patchErrs []error

	gets    int
	patches []patchCall
}

type patchCall struct {
	namespace, name string
	pt              types.PatchType
	data            map[string]any
	dryRun          []string
}

func (f *fakeTarget) Get(ctx context.Context, namespace, name string, opts *metav1.GetOptions) (*unstructured.Unstructured, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.obj == nil || f.obj.GetNamespace() != namespace || f.obj.GetName() != name {
		return nil, apierrors.NewNotFound(kafkaGR, name)
	}
	return f.obj.DeepCopy(), nil
}

func (f *fakeTarget) Patch(ctx context.Context, namespace, name string, pt types.PatchType, data []byte, opts *metav1.PatchOptions) (*unstructured.Unstructured, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	f.patches = append(f.patches, patchCall{namespace: namespace, name: name, pt: pt, data: m, dryRun: opts.DryRun})
	if len(f.patchErrs) > 0 {
		err := f.patchErrs[0]
		f.patchErrs = f.patchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(opts.DryRun) > 0 {
		return f.obj.DeepCopy(), nil
	}
	if n, found, _ := unstructured.NestedFieldNoCopy(m, kafkaPath...); found {
		if err := unstructured.SetNestedField(f.obj.Object, int64(n.(float64)), kafkaPath...); err != nil {
			return nil, err
		}
	}
	return f.obj.DeepCopy(), nil
}

func newKafka(namespace, name string, replicas int64) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "kafka.strimzi.io/v1beta1",
		"kind":       "Kafka",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"spec": map[string]any{
			"kafka": map[string]any{
				"replicas": replicas,
				"version":  "2.4.0",
			},
			"zookeeper": map[string]any{"replicas": int64(3)},
		},
	}}
	return u
}

func newHPA(namespace, name string, current, desired int32) *autoscalingv2.HorizontalPodAutoscaler {
	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status: autoscalingv2.HorizontalPodAutoscalerStatus{
			CurrentReplicas: current,
			DesiredReplicas: desired,
		},
	}
}

func newReconciler(t *testing.T, client TargetClient, mod func(*Options)) *Reconciler {
	t.Helper()
	opts := Options{Name: "my-cluster", ReplicasPath: kafkaPath}
	if mod != nil {
		mod(&opts)
	}
	r, err := New(client, opts)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNewValidates(t *testing.T) {
	for _, opts := range []Options{
		{ReplicasPath: kafkaPath},
		{Name: "my-cluster"},
		{Name: "my-cluster", ReplicasPath: []string{"spec", "", "replicas"}},
	} {
		if _, err := New(&fakeTarget{}, opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}

// The autoscaler wants more brokers than the target has: one patch, then
// nothing on a repeat.
func TestReconcileScalesUp(t *testing.T) {
	ctx := context.Background()
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, nil)
	applied := testutil.ToFloat64(metrics.TargetPatches.WithLabelValues(metrics.PatchApplied))

	if err := r.Reconcile(ctx, newHPA("kafka", "kafka-hpa", 3, 5)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(target.patches))
	}
	p := target.patches[0]
	if p.pt != types.MergePatchType {
		t.Errorf("expected merge patch, got %s", p.pt)
	}
	if p.namespace != "kafka" || p.name != "my-cluster" {
		t.Errorf("patched %s/%s", p.namespace, p.name)
	}
	want := map[string]any{"spec": map[string]any{"kafka": map[string]any{"replicas": float64(5)}}}
	if diff := cmp.Diff(want, p.data); diff != "" {
		t.Errorf("unexpected patch (-want +got):\n%s", diff)
	}

	got, _ := Replicas(target.obj, kafkaPath)
	if got != 5 {
		t.Errorf("expected target at 5 replicas, got %d", got)
	}
	if d := testutil.ToFloat64(metrics.TargetPatches.WithLabelValues(metrics.PatchApplied)) - applied; d != 1 {
		t.Errorf("expected applied counter to grow by 1, got %v", d)
	}
	if v := testutil.ToFloat64(metrics.TargetReplicas.WithLabelValues("kafka", "my-cluster")); v != 5 {
		t.Errorf("expected target replicas gauge 5, got %v", v)
	}

	// Idempotent on repeat.
	if err := r.Reconcile(ctx, newHPA("kafka", "kafka-hpa", 5, 5)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 1 {
		t.Errorf("expected no further patches, got %d", len(target.patches))
	}
}

func TestReconcileScenarios(t *testing.T) {
	tests := []struct {
		name             string
		current, desired int32
		replicas         int64
		wantPatches      int
	}{
		{name: "scale up", current: 3, desired: 5, replicas: 3, wantPatches: 1},
		{name: "already equal", current: 4, desired: 4, replicas: 4, wantPatches: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			target := &fakeTarget{obj: newKafka("ns", "my-cluster", tt.replicas)}
			r := newReconciler(t, target, nil)
			hpa := newHPA("ns", "kafka-hpa", tt.current, tt.desired)

			if err := r.Reconcile(ctx, hpa); err != nil {
				t.Fatal(err)
			}
			if len(target.patches) != tt.wantPatches {
				t.Fatalf("expected %d patches, got %d", tt.wantPatches, len(target.patches))
			}
			if got, _ := Replicas(target.obj, kafkaPath); got != int64(tt.desired) {
				t.Errorf("expected target at %d replicas, got %d", tt.desired, got)
			}

			// Reconciling the same autoscaler again writes nothing.
			if err := r.Reconcile(ctx, hpa); err != nil {
				t.Fatal(err)
			}
			if len(target.patches) != tt.wantPatches {
				t.Errorf("expected no patch on repeat, got %d total", len(target.patches))
			}
		})
	}
}

func TestReconcileScalesDown(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 6)}
	r := newReconciler(t, target, nil)

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 6, 4)); err != nil {
		t.Fatal(err)
	}
	if got, _ := Replicas(target.obj, kafkaPath); got != 4 {
		t.Errorf("expected target at 4 replicas, got %d", got)
	}
}

// Everything already agrees: no writes at all.
func TestReconcileConverged(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, nil)

	for i := 0; i < 3; i++ {
		if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 3)); err != nil {
			t.Fatal(err)
		}
	}
	if len(target.patches) != 0 {
		t.Errorf("expected no patches, got %d", len(target.patches))
	}
}

// The current replica count of the autoscaler does not matter, only desired.
func TestReconcileIgnoresCurrentReplicas(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, nil)

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 7, 3)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 0 {
		t.Errorf("expected no patches, got %d", len(target.patches))
	}
}

func TestReconcileSendsResourceVersion(t *testing.T) {
	obj := newKafka("kafka", "my-cluster", 3)
	obj.SetResourceVersion("1234")
	target := &fakeTarget{obj: obj}
	r := newReconciler(t, target, nil)

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 4)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(target.patches))
	}
	rv, _, _ := unstructured.NestedString(target.patches[0].data, "metadata", "resourceVersion")
	if rv != "1234" {
		t.Errorf("expected resourceVersion precondition 1234, got %q", rv)
	}
}

func TestReconcileRetriesConflicts(t *testing.T) {
	target := &fakeTarget{
		obj:       newKafka("kafka", "my-cluster", 3),
		patchErrs: []error{apierrors.NewConflict(kafkaGR, "my-cluster", errors.New("object modified"))},
	}
	r := newReconciler(t, target, nil)

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5)); err != nil {
		t.Fatal(err)
	}
	if target.gets != 2 {
		t.Errorf("expected target to be re-read after conflict, got %d gets", target.gets)
	}
	if len(target.patches) != 2 {
		t.Errorf("expected 2 patch attempts, got %d", len(target.patches))
	}
	if got, _ := Replicas(target.obj, kafkaPath); got != 5 {
		t.Errorf("expected target at 5 replicas, got %d", got)
	}
}

func TestReconcileNoRecommendation(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, nil)

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 0, 0)); err != nil {
		t.Fatal(err)
	}
	if target.gets != 0 || len(target.patches) != 0 {
		t.Errorf("expected target untouched, got %d gets and %d patches", target.gets, len(target.patches))
	}
}

func TestReconcileScaleToZero(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, func(o *Options) { o.AllowScaleToZero = true })

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 0)); err != nil {
		t.Fatal(err)
	}
	if got, _ := Replicas(target.obj, kafkaPath); got != 0 {
		t.Errorf("expected target at 0 replicas, got %d", got)
	}
}

func TestReconcileDryRun(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3)}
	r := newReconciler(t, target, func(o *Options) { o.DryRun = true })

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(target.patches))
	}
	if diff := cmp.Diff([]string{metav1.DryRunAll}, target.patches[0].dryRun); diff != "" {
		t.Errorf("unexpected dry run (-want +got):\n%s", diff)
	}
	if got, _ := Replicas(target.obj, kafkaPath); got != 3 {
		t.Errorf("expected target left at 3 replicas, got %d", got)
	}
}

func TestReconcileTargetNotFound(t *testing.T) {
	target := &fakeTarget{obj: newKafka("kafka", "other-cluster", 3)}
	r := newReconciler(t, target, func(o *Options) { o.RetryInterval = 30 * time.Second })

	err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5))
	if got := controller.GetRequeueDuration(err); got != 30*time.Second {
		t.Errorf("expected requeue after 30s, got %v (err %v)", got, err)
	}
	if len(target.patches) != 0 {
		t.Errorf("expected no patches, got %d", len(target.patches))
	}
}

func TestReconcileTargetNamespace(t *testing.T) {
	target := &fakeTarget{obj: newKafka("brokers", "my-cluster", 3)}
	r := newReconciler(t, target, func(o *Options) { o.Namespace = "brokers" })

	if err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 4)); err != nil {
		t.Fatal(err)
	}
	if len(target.patches) != 1 || target.patches[0].namespace != "brokers" {
		t.Errorf("expected one patch in namespace brokers, got %+v", target.patches)
	}
}

func TestReconcileMissingField(t *testing.T) {
	obj := newKafka("kafka", "my-cluster", 3)
	unstructured.RemoveNestedField(obj.Object, kafkaPath...)
	target := &fakeTarget{obj: obj}
	r := newReconciler(t, target, nil)

	err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5))
	if !controller.IsPermanentError(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if len(target.patches) != 0 {
		t.Errorf("expected no patches, got %d", len(target.patches))
	}
}

func TestReconcileTransientErrors(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("get", func(t *testing.T) {
		r := newReconciler(t, &fakeTarget{getErr: boom}, nil)
		err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5))
		if !errors.Is(err, boom) {
			t.Errorf("expected wrapped error, got %v", err)
		}
		if controller.OutcomeOf(err) != controller.OutcomeTransientFailure {
			t.Errorf("expected transient outcome, got %s", controller.OutcomeOf(err))
		}
	})

	t.Run("patch", func(t *testing.T) {
		target := &fakeTarget{obj: newKafka("kafka", "my-cluster", 3), patchErrs: []error{boom}}
		r := newReconciler(t, target, nil)
		err := r.Reconcile(context.Background(), newHPA("kafka", "kafka-hpa", 3, 5))
		if !errors.Is(err, boom) {
			t.Errorf("expected wrapped error, got %v", err)
		}
		if controller.OutcomeOf(err) != controller.OutcomeTransientFailure {
			t.Errorf("expected transient outcome, got %s", controller.OutcomeOf(err))
		}
		if got, _ := Replicas(target.obj, kafkaPath); got != 3 {
			t.Errorf("expected target unchanged, got %d", got)
		}
	})
}
