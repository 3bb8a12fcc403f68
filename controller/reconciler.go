package controller

import (
	"context"

	"k8s.io/apimachinery/pkg/runtime"
)

// Reconciler is the interface for reconciling objects of type T.
//
// The controller looks obj up in its cache at dequeue time; obj reflects the
// latest cached state, not the event that enqueued it. obj is a private
// copy and may be freely read, but changes to it are not persisted:
// reconcilers act on other resources through their own clients.
//
// Returned errors control requeueing:
//   - nil: done, the item's backoff is reset
//   - RequeueAfter(d): reconcile again after d
//   - PermanentError(err): logged and dropped
//   - anything else: logged and retried with exponential backoff
type Reconciler[T runtime.Object] interface {
	Reconcile(ctx context.Context, obj T) error
}

// ReconcilerFunc is an adapter to allow ordinary functions to be used as Reconcilers.
// If f is a function with the appropriate signature, ReconcilerFunc[T](f) is a
// Reconciler[T] that calls f.
type ReconcilerFunc[T runtime.Object] func(ctx context.Context, obj T) error

// Reconcile calls f(ctx, obj).
func (f ReconcilerFunc[T]) Reconcile(ctx context.Context, obj T) error {
	return f(ctx, obj)
}
