package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/hpa-replica-sync/generic"
	"github.com/imjasonh/hpa-replica-sync/metrics"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"
)

const (
	defaultName             = "controller"
	defaultQueueCapacity    = 1024
	defaultMaxRetries       = 10
	defaultCacheSyncTimeout = 2 * time.Minute
)

// Options configures a Controller.
type Options[T runtime.Object] struct {
	// Name identifies the controller in logs and queue metrics.
	Name string

	// Namespace limits the controller to a specific namespace.
	// If empty, the controller watches all namespaces.
	Namespace string

	// Filter decides which add/update events are relevant. Events for
	// objects it rejects never reach the queue. If nil, every event is
	// enqueued.
	Filter func(obj T) bool

	// ResyncPeriod is how often the informers replay their caches.
	// Defaults to generic.DefaultResyncPeriod.
	ResyncPeriod time.Duration

	// CacheSyncTimeout bounds how long Run waits for the initial list.
	CacheSyncTimeout time.Duration

	// QueueCapacity is the maximum number of pending keys. Keys added while
	// the queue is full are dropped; the next event or resync re-adds them.
	QueueCapacity int

	// MaxRetries is how many times a failing key is requeued with backoff
	// before it is dropped. Zero means 10; negative disables retries.
	MaxRetries int

	// RateLimiter paces retries of failing keys. If nil, the client-go
	// default controller rate limiter is used.
	RateLimiter workqueue.TypedRateLimiter[string]

	// Sources are secondary informers whose events enqueue keys of T.
	Sources []Source
}

// Controller runs a single reconciliation worker for resources of type T.
//
// Informer callbacks only compute keys and enqueue them. The one worker
// re-reads each key from the cache when it is dequeued, so a burst of
// events for the same object collapses into one reconcile of its latest
// state.
type Controller[T runtime.Object] struct {
	client     generic.Client[T]
	reconciler Reconciler[T]
	queue      workqueue.TypedRateLimitingInterface[string]

	name             string
	namespace        string
	filter           func(T) bool
	resync           time.Duration
	cacheSyncTimeout time.Duration
	queueCapacity    int
	maxRetries       int
	sources          []Source

	lister *generic.Lister[T]
	synced atomic.Bool

	// pending mirrors the keys added through enqueue that no worker has
	// picked up yet.
	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a new Controller with the given client, reconciler, and options.
func New[T runtime.Object](client generic.Client[T], reconciler Reconciler[T], opts *Options[T]) *Controller[T] {
	if opts == nil {
		opts = &Options[T]{}
	}
	c := &Controller[T]{
		client:           client,
		reconciler:       reconciler,
		name:             opts.Name,
		namespace:        opts.Namespace,
		filter:           opts.Filter,
		resync:           opts.ResyncPeriod,
		cacheSyncTimeout: opts.CacheSyncTimeout,
		queueCapacity:    opts.QueueCapacity,
		maxRetries:       opts.MaxRetries,
		sources:          opts.Sources,
		pending:          make(map[string]struct{}),
	}
	if c.name == "" {
		c.name = defaultName
	}
	if c.resync <= 0 {
		c.resync = generic.DefaultResyncPeriod
	}
	if c.cacheSyncTimeout <= 0 {
		c.cacheSyncTimeout = defaultCacheSyncTimeout
	}
	if c.queueCapacity < 1 {
		c.queueCapacity = defaultQueueCapacity
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	} else if c.maxRetries == 0 {
		c.maxRetries = defaultMaxRetries
	}

	rl := opts.RateLimiter
	if rl == nil {
		rl = workqueue.DefaultTypedControllerRateLimiter[string]()
	}
	c.queue = workqueue.NewTypedRateLimitingQueueWithConfig(rl, workqueue.TypedRateLimitingQueueConfig[string]{
		Name:            c.name,
		MetricsProvider: metrics.WorkqueueProvider(),
	})
	return c
}

// HasSynced reports whether the controller's caches finished their initial
// list. It is false until Run has waited for them.
func (c *Controller[T]) HasSynced() bool {
	return c.synced.Load()
}

// Run starts the informers, waits for their caches to sync, and processes
// work items until ctx is canceled. It returns an error only if the caches
// could not be started or synced.
//
// On cancellation no new items are dequeued; an item already being
// reconciled runs to completion before Run returns.
func (c *Controller[T]) Run(ctx context.Context) error {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("controller", c.name))

	// Informers stop with this context, including on early error returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.queue.ShutDown()

	clog.InfoContext(ctx, "starting controller",
		"resource", c.client.GVR().String(),
		"namespace", c.namespace)

	informOpts := &generic.InformOptions{
		Namespace:    c.namespace,
		ResyncPeriod: &c.resync,
	}

	lister, err := c.client.Inform(ctx, generic.InformerHandler[T]{
		OnAdd: func(key string, obj T) {
			c.enqueueObject(ctx, "add", key, obj)
		},
		OnUpdate: func(key string, oldObj, newObj T) {
			c.enqueueObject(ctx, "update", key, newObj)
		},
		OnDelete: func(key string, obj T) {
			// Nothing to compensate: a deleted object just stops producing work.
			clog.DebugContext(ctx, "ignoring delete", "key", key)
		},
		OnError: func(obj any, err error) {
			clog.WarnContext(ctx, "informer error", "error", err)
		},
	}, informOpts)
	if err != nil {
		return fmt.Errorf("starting %s informer: %w", c.client.GVR(), err)
	}
	c.lister = lister

	synced := []cache.InformerSynced{lister.HasSynced}
	for _, src := range c.sources {
		s, err := src.Start(ctx, informOpts, func(key string) {
			c.enqueue(ctx, src.Name(), key)
		})
		if err != nil {
			return fmt.Errorf("starting source %s: %w", src.Name(), err)
		}
		synced = append(synced, s)
	}

	clog.InfoContext(ctx, "waiting for cache sync", "timeout", c.cacheSyncTimeout)
	syncCtx, syncCancel := context.WithTimeout(ctx, c.cacheSyncTimeout)
	ok := cache.WaitForNamedCacheSync(c.name, syncCtx.Done(), synced...)
	syncCancel()
	if !ok {
		if ctx.Err() != nil {
			clog.InfoContext(ctx, "shut down before caches synced")
			return nil
		}
		return fmt.Errorf("timed out after %v waiting for %s caches to sync", c.cacheSyncTimeout, c.name)
	}
	c.synced.Store(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c.processNextItem(ctx) {
		}
	}()

	<-ctx.Done()
	clog.InfoContext(ctx, "shutting down controller")
	c.queue.ShutDown()
	wg.Wait()
	return nil
}

// enqueueObject applies the relevance filter to a primary event.
func (c *Controller[T]) enqueueObject(ctx context.Context, event, key string, obj T) {
	if key == "" {
		return
	}
	if c.filter != nil && !c.filter(obj) {
		metrics.EnqueueTotal.WithLabelValues(c.name, metrics.EnqueueFiltered).Inc()
		return
	}
	clog.DebugContext(ctx, "resource changed", "event", event, "key", key)
	c.enqueue(ctx, c.name, key)
}

// enqueue adds key to the queue unless it is already pending or the queue
// is full.
func (c *Controller[T]) enqueue(ctx context.Context, source, key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[key]; ok {
		metrics.EnqueueTotal.WithLabelValues(source, metrics.EnqueueMerged).Inc()
		return
	}
	if c.queue.Len() >= c.queueCapacity {
		clog.WarnContext(ctx, "work queue full, dropping key", "key", key, "source", source, "capacity", c.queueCapacity)
		metrics.EnqueueTotal.WithLabelValues(source, metrics.EnqueueDropped).Inc()
		return
	}
	c.pending[key] = struct{}{}
	c.queue.Add(key)
	metrics.EnqueueTotal.WithLabelValues(source, metrics.EnqueueAdded).Inc()
}

// dequeued forgets that key is pending.
func (c *Controller[T]) dequeued(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// processNextItem processes one item from the queue.
func (c *Controller[T]) processNextItem(ctx context.Context) bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)
	c.dequeued(key)

	if ctx.Err() != nil {
		return false
	}

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("key", key))
	start := time.Now()
	// The reconcile itself is not canceled by shutdown; it completes or fails.
	err := c.processItem(context.WithoutCancel(ctx), key)
	c.handleResult(ctx, key, err, time.Since(start))
	return true
}

// processItem looks the key up in the cache and calls the reconciler.
func (c *Controller[T]) processItem(ctx context.Context, key string) error {
	namespace, name, err := SplitKey(key)
	if err != nil {
		return err
	}

	obj, err := c.lister.ByNamespace(namespace).Get(name)
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrObjectVanished, key)
	}
	if err != nil {
		return fmt.Errorf("reading %s from cache: %w", key, err)
	}

	copied, ok := obj.DeepCopyObject().(T)
	if !ok {
		return PermanentError(fmt.Errorf("unexpected object type %T", obj))
	}
	return c.reconciler.Reconcile(ctx, copied)
}

// handleResult decides what happens to key after it was processed.
func (c *Controller[T]) handleResult(ctx context.Context, key string, err error, took time.Duration) {
	outcome := OutcomeOf(err)
	metrics.ReconcileTotal.WithLabelValues(c.name, string(outcome)).Inc()
	metrics.ReconcileDuration.WithLabelValues(c.name).Observe(took.Seconds())

	switch outcome {
	case OutcomeSuccess:
		clog.DebugContext(ctx, "successfully processed item", "duration", took)
		c.queue.Forget(key)

	case OutcomeInvalidKey:
		clog.ErrorContext(ctx, "dropping malformed work item", "error", err)
		c.queue.Forget(key)

	case OutcomeVanished:
		clog.InfoContext(ctx, "object no longer exists, skipping")
		c.queue.Forget(key)

	case OutcomePermanentFailure:
		clog.ErrorContext(ctx, "permanent error, not retrying", "error", err)
		c.queue.Forget(key)

	case OutcomeRequeued:
		d := max(GetRequeueDuration(err), 0)
		clog.InfoContext(ctx, "requeueing after duration", "duration", d, "reason", err)
		c.queue.Forget(key)
		c.queue.AddAfter(key, d)

	default:
		if c.queue.NumRequeues(key) < c.maxRetries {
			clog.ErrorContext(ctx, "error processing item, requeueing", "error", err, "retries", c.queue.NumRequeues(key))
			c.queue.AddRateLimited(key)
			return
		}
		clog.ErrorContext(ctx, "max retries exceeded, dropping item", "error", err, "retries", c.maxRetries)
		c.queue.Forget(key)
	}
}

// SplitKey decodes a "<namespace>/<name>" work item key. Keys that do not
// yield both a namespace and a name return an error wrapping ErrInvalidKey.
func SplitKey(key string) (namespace, name string, err error) {
	namespace, name, err = cache.SplitMetaNamespaceKey(key)
	if err != nil || namespace == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return namespace, name, nil
}
