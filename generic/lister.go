package generic

import (
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/cache"
)

// Lister is a read-only, type-safe view over an informer's cache.
// It never talks to the API server. Typed objects are converted on every
// read; *unstructured.Unstructured objects are handed out as cached and must
// not be mutated.
type Lister[T runtime.Object] struct {
	genericLister cache.GenericLister
	hasSynced     cache.InformerSynced
}

// NamespaceLister is a Lister restricted to one namespace.
type NamespaceLister[T runtime.Object] struct {
	genericNamespaceLister cache.GenericNamespaceLister
}

// NewLister creates a lister over an existing indexer. The indexer is
// considered synced from the start.
func NewLister[T runtime.Object](indexer cache.Indexer, resource schema.GroupResource) *Lister[T] {
	return &Lister[T]{
		genericLister: cache.NewGenericLister(indexer, resource),
		hasSynced:     func() bool { return true },
	}
}

// HasSynced reports whether the initial list of the backing informer has
// been delivered to the cache.
func (l *Lister[T]) HasSynced() bool {
	return l.hasSynced()
}

// List returns all cached objects that match the selector.
func (l *Lister[T]) List(selector labels.Selector) ([]T, error) {
	objs, err := l.genericLister.List(selector)
	if err != nil {
		return nil, err
	}
	return convertAll[T](objs)
}

// Get returns the cluster-scoped object with the given name.
// For namespaced resources, use ByNamespace(namespace).Get(name).
func (l *Lister[T]) Get(name string) (T, error) {
	var zero T
	obj, err := l.genericLister.Get(name)
	if err != nil {
		return zero, err
	}
	return convert[T](obj)
}

// ByNamespace returns a namespace-scoped lister.
func (l *Lister[T]) ByNamespace(namespace string) *NamespaceLister[T] {
	return &NamespaceLister[T]{
		genericNamespaceLister: l.genericLister.ByNamespace(namespace),
	}
}

// List returns all cached objects in the namespace that match the selector.
func (nl *NamespaceLister[T]) List(selector labels.Selector) ([]T, error) {
	objs, err := nl.genericNamespaceLister.List(selector)
	if err != nil {
		return nil, err
	}
	return convertAll[T](objs)
}

// Get returns the object with the given name in the namespace. If it is not
// cached, the error satisfies apierrors.IsNotFound.
func (nl *NamespaceLister[T]) Get(name string) (T, error) {
	var zero T
	obj, err := nl.genericNamespaceLister.Get(name)
	if err != nil {
		return zero, err
	}
	return convert[T](obj)
}

func convertAll[T runtime.Object](objs []runtime.Object) ([]T, error) {
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		t, err := convert[T](obj)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
