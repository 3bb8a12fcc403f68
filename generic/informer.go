package generic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"
)

// DefaultResyncPeriod is how often informers replay their full cache to
// handlers when InformOptions.ResyncPeriod is unset.
const DefaultResyncPeriod = 10 * time.Minute

// InformerHandler receives typed notifications from an informer.
// Any nil callback is skipped.
type InformerHandler[T runtime.Object] struct {
	OnAdd    func(key string, obj T)
	OnUpdate func(key string, oldObj, newObj T)
	OnDelete func(key string, obj T)
	// OnError is called when an object cannot be converted to T, and when
	// the underlying watch fails (obj is nil in that case). Routine watch
	// endings, such as an expired resource version, are not reported.
	OnError func(obj any, err error)
}

// InformOptions configures an informer started with Client.Inform.
type InformOptions struct {
	// Namespace restricts the informer to a single namespace.
	// If empty, all namespaces are watched.
	Namespace string

	// ListOptions are applied to every list and watch call.
	ListOptions metav1.ListOptions

	// ResyncPeriod overrides DefaultResyncPeriod.
	ResyncPeriod *time.Duration
}

func (c *client[T]) Inform(ctx context.Context, handler InformerHandler[T], opts *InformOptions) (*Lister[T], error) {
	if opts == nil {
		opts = &InformOptions{}
	}
	resync := DefaultResyncPeriod
	if opts.ResyncPeriod != nil {
		resync = *opts.ResyncPeriod
	}

	tweak := func(lo *metav1.ListOptions) {
		if opts.ListOptions.LabelSelector != "" {
			lo.LabelSelector = opts.ListOptions.LabelSelector
		}
		if opts.ListOptions.FieldSelector != "" {
			lo.FieldSelector = opts.ListOptions.FieldSelector
		}
	}

	gi := dynamicinformer.NewFilteredDynamicInformer(c.dyn, c.gvr, opts.Namespace, resync,
		cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc}, tweak)
	inf := gi.Informer()

	if handler.OnError != nil {
		if err := inf.SetWatchErrorHandler(watchErrorHandler(c.gvr.String(), handler.OnError)); err != nil {
			return nil, fmt.Errorf("setting watch error handler for %s: %w", c.gvr, err)
		}
	}

	if _, err := inf.AddEventHandler(toResourceEventHandler(handler)); err != nil {
		return nil, fmt.Errorf("adding event handler for %s: %w", c.gvr, err)
	}

	go inf.Run(ctx.Done())

	return &Lister[T]{
		genericLister: gi.Lister(),
		hasSynced:     inf.HasSynced,
	}, nil
}

// toResourceEventHandler adapts a typed handler to cache.ResourceEventHandler.
func toResourceEventHandler[T runtime.Object](h InformerHandler[T]) cache.ResourceEventHandler {
	onError := func(obj any, err error) {
		if h.OnError != nil {
			h.OnError(obj, err)
		}
	}
	return cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			if h.OnAdd == nil {
				return
			}
			key, err := cache.MetaNamespaceKeyFunc(obj)
			if err != nil {
				onError(obj, err)
				return
			}
			t, err := convert[T](obj)
			if err != nil {
				onError(obj, err)
				return
			}
			h.OnAdd(key, t)
		},
		UpdateFunc: func(oldObj, newObj any) {
			if h.OnUpdate == nil {
				return
			}
			key, err := cache.MetaNamespaceKeyFunc(newObj)
			if err != nil {
				onError(newObj, err)
				return
			}
			o, err := convert[T](oldObj)
			if err != nil {
				onError(oldObj, err)
				return
			}
			n, err := convert[T](newObj)
			if err != nil {
				onError(newObj, err)
				return
			}
			h.OnUpdate(key, o, n)
		},
		DeleteFunc: func(obj any) {
			if h.OnDelete == nil {
				return
			}
			key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
			if err != nil {
				onError(obj, err)
				return
			}
			if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				obj = tombstone.Obj
			}
			t, err := convert[T](obj)
			if err != nil {
				onError(obj, err)
				return
			}
			h.OnDelete(key, t)
		},
	}
}

// watchErrorHandler reports watch failures to onError, skipping the ones
// the reflector recovers from by relisting or rewatching.
func watchErrorHandler(resource string, onError func(obj any, err error)) cache.WatchErrorHandler {
	return func(_ *cache.Reflector, err error) {
		if isRoutineWatchError(err) {
			return
		}
		onError(nil, fmt.Errorf("watching %s: %w", resource, err))
	}
}

func isRoutineWatchError(err error) bool {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case apierrors.IsResourceExpired(err), apierrors.IsGone(err):
		return true
	}
	return false
}
