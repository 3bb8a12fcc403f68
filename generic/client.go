package generic

import (
	"context"
	"fmt"
	"reflect"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
)

// Client is a type-safe client for a single resource kind.
//
// Typed objects (e.g. *autoscalingv2.HorizontalPodAutoscaler) are converted
// to and from their unstructured form; *unstructured.Unstructured is passed
// through untouched, which makes the same client usable for custom
// resources without generated types.
type Client[T runtime.Object] interface {
	// GVR returns the resource this client operates on.
	GVR() schema.GroupVersionResource

	Get(ctx context.Context, namespace, name string, opts *metav1.GetOptions) (T, error)
	List(ctx context.Context, namespace string, opts *metav1.ListOptions) ([]T, error)
	Patch(ctx context.Context, namespace, name string, pt types.PatchType, data []byte, opts *metav1.PatchOptions) (T, error)

	// Inform starts a namespace-scoped informer and returns a lister backed by
	// its cache. It does not wait for the cache to sync; callers should wait
	// on Lister.HasSynced before trusting the lister.
	Inform(ctx context.Context, handler InformerHandler[T], opts *InformOptions) (*Lister[T], error)
}

// NewClient creates a new generic client for the given GroupVersionResource.
func NewClient[T runtime.Object](gvr schema.GroupVersionResource, config *rest.Config) (Client[T], error) {
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	return NewClientForDynamic[T](gvr, dyn), nil
}

// NewClientForDynamic creates a generic client on top of an existing dynamic
// client. This is mostly useful for sharing one connection between several
// resource kinds, and for tests using k8s.io/client-go/dynamic/fake.
func NewClientForDynamic[T runtime.Object](gvr schema.GroupVersionResource, dyn dynamic.Interface) Client[T] {
	return &client[T]{gvr: gvr, dyn: dyn}
}

type client[T runtime.Object] struct {
	gvr schema.GroupVersionResource
	dyn dynamic.Interface
}

var _ Client[*unstructured.Unstructured] = (*client[*unstructured.Unstructured])(nil)

func (c *client[T]) GVR() schema.GroupVersionResource { return c.gvr }

func (c *client[T]) resource(namespace string) dynamic.ResourceInterface {
	if namespace == "" {
		return c.dyn.Resource(c.gvr)
	}
	return c.dyn.Resource(c.gvr).Namespace(namespace)
}

func (c *client[T]) Get(ctx context.Context, namespace, name string, opts *metav1.GetOptions) (T, error) {
	var zero T
	if opts == nil {
		opts = &metav1.GetOptions{}
	}
	u, err := c.resource(namespace).Get(ctx, name, *opts)
	if err != nil {
		return zero, err
	}
	return fromUnstructured[T](u)
}

func (c *client[T]) List(ctx context.Context, namespace string, opts *metav1.ListOptions) ([]T, error) {
	if opts == nil {
		opts = &metav1.ListOptions{}
	}
	ul, err := c.resource(namespace).List(ctx, *opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ul.Items))
	for i := range ul.Items {
		t, err := fromUnstructured[T](&ul.Items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *client[T]) Patch(ctx context.Context, namespace, name string, pt types.PatchType, data []byte, opts *metav1.PatchOptions) (T, error) {
	var zero T
	if opts == nil {
		opts = &metav1.PatchOptions{}
	}
	u, err := c.resource(namespace).Patch(ctx, name, pt, data, *opts)
	if err != nil {
		return zero, err
	}
	return fromUnstructured[T](u)
}

// newObject allocates a new instance of the type T points to.
func newObject[T runtime.Object]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return zero, fmt.Errorf("type %T must be a pointer type (e.g., *corev1.Pod, not corev1.Pod)", zero)
	}
	obj, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("cannot allocate %T", zero)
	}
	return obj, nil
}

// fromUnstructured converts u into T.
func fromUnstructured[T runtime.Object](u *unstructured.Unstructured) (T, error) {
	var zero T
	if u == nil {
		return zero, fmt.Errorf("nil object")
	}
	if t, ok := any(u).(T); ok {
		return t, nil
	}
	t, err := newObject[T]()
	if err != nil {
		return zero, err
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), t); err != nil {
		return zero, fmt.Errorf("converting %s %s/%s to %T: %w", u.GetKind(), u.GetNamespace(), u.GetName(), zero, err)
	}
	return t, nil
}

// convert accepts whatever an informer hands out and returns it as T.
func convert[T runtime.Object](obj any) (T, error) {
	var zero T
	switch o := obj.(type) {
	case T:
		return o, nil
	case *unstructured.Unstructured:
		return fromUnstructured[T](o)
	default:
		return zero, fmt.Errorf("unexpected object type %T", obj)
	}
}
