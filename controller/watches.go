package controller

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/hpa-replica-sync/generic"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/cache"
)

// Source is a secondary event stream feeding a Controller's queue.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Start begins watching and calls enqueue with keys of the controller's
	// primary type. The returned function reports when the source's cache
	// has synced.
	Start(ctx context.Context, opts *generic.InformOptions, enqueue func(key string)) (cache.InformerSynced, error)
}

// Mapped returns a Source that watches objects through client and enqueues
// the keys mapFn returns for each added or updated object. Deletes are
// ignored.
func Mapped[O runtime.Object](name string, client generic.Client[O], mapFn func(obj O) []string) Source {
	return &mapped[O]{name: name, client: client, mapFn: mapFn}
}

type mapped[O runtime.Object] struct {
	name   string
	client generic.Client[O]
	mapFn  func(O) []string
}

func (m *mapped[O]) Name() string { return m.name }

func (m *mapped[O]) Start(ctx context.Context, opts *generic.InformOptions, enqueue func(key string)) (cache.InformerSynced, error) {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("source", m.name))
	forward := func(obj O) {
		for _, key := range m.mapFn(obj) {
			clog.DebugContext(ctx, "enqueuing for source change", "key", key)
			enqueue(key)
		}
	}
	lister, err := m.client.Inform(ctx, generic.InformerHandler[O]{
		OnAdd: func(key string, obj O) {
			forward(obj)
		},
		OnUpdate: func(key string, oldObj, newObj O) {
			forward(newObj)
		},
		OnError: func(obj any, err error) {
			clog.ErrorContext(ctx, "source informer error", "error", err)
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	return lister.HasSynced, nil
}

// MatchName returns a filter accepting only objects named exactly name.
func MatchName[T runtime.Object](name string) func(obj T) bool {
	return func(obj T) bool {
		m, err := getObjectMetaFromObject(obj)
		if err != nil {
			return false
		}
		return m.GetName() == name
	}
}

// MapNameTo returns a map function for Mapped that enqueues key whenever the
// object named exactly name changes.
func MapNameTo[O runtime.Object](name, key string) func(obj O) []string {
	match := MatchName[O](name)
	return func(obj O) []string {
		if !match(obj) {
			return nil
		}
		return []string{key}
	}
}

// getObjectMetaFromObject extracts metav1.Object from a runtime.Object
func getObjectMetaFromObject(obj runtime.Object) (metav1.Object, error) {
	if m, ok := obj.(metav1.Object); ok {
		return m, nil
	}

	// Try to get via accessor (handles wrapped objects)
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return accessor, nil
}
