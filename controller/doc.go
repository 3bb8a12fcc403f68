// Package controller provides a generic single-worker Kubernetes controller
// built on the typed clients from github.com/imjasonh/hpa-replica-sync/generic.
//
// # Basic Usage
//
// To create a controller, you need a generic client and a reconciler:
//
//	client, _ := generic.NewClient[*autoscalingv2.HorizontalPodAutoscaler](gvr, config)
//
//	ctrl := controller.New(client, controller.ReconcilerFunc[*autoscalingv2.HorizontalPodAutoscaler](
//	    func(ctx context.Context, hpa *autoscalingv2.HorizontalPodAutoscaler) error {
//	        // Reconciliation logic
//	        return nil
//	    }), &controller.Options[*autoscalingv2.HorizontalPodAutoscaler]{
//	    Namespace: "kafka",
//	    Filter:    controller.MatchName[*autoscalingv2.HorizontalPodAutoscaler]("kafka-hpa"),
//	})
//
//	ctrl.Run(ctx)
//
// # Work Queue
//
// Informer callbacks never reconcile. They filter the event, then add the
// object's "<namespace>/<name>" key to a bounded, rate-limited queue. A key
// already pending is not added twice. One worker drains the queue, so at most
// one reconcile runs at a time, and it always reads the latest cached state.
//
// Secondary resources can feed the queue through a Source, see Mapped.
//
// # Error Handling
//
// The controller supports special error types for controlling requeue behavior:
//
//	return controller.RequeueAfter(5 * time.Second)  // Requeue after delay
//	return controller.PermanentError(err)             // Don't retry
//
// Regular errors result in exponential backoff retries, up to
// Options.MaxRetries. Malformed keys and objects that vanished from the cache
// are dropped without calling the reconciler.
package controller
