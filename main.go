// Command hpa-replica-sync keeps the replica field of a custom resource,
// such as a Strimzi Kafka cluster, equal to the desired replicas of a
// HorizontalPodAutoscaler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/hpa-replica-sync/config"
	"github.com/imjasonh/hpa-replica-sync/controller"
	"github.com/imjasonh/hpa-replica-sync/generic"
	"github.com/imjasonh/hpa-replica-sync/metrics"
	"github.com/imjasonh/hpa-replica-sync/scaler"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/workqueue"
)

const controllerName = "hpa-replica-sync"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = clog.WithLogger(ctx, clog.New(handler))

	if err := run(ctx, cfg); err != nil {
		clog.ErrorContext(ctx, "exiting", "error", err)
		stop()
		os.Exit(1)
	}
	clog.InfoContext(ctx, "controller stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	cc := cfg.ClientConfig()
	restConfig, err := cc.ClientConfig()
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("creating dynamic client: %w", err)
	}

	namespace := cfg.ResolveNamespace(cc, os.Getenv)
	hpaKey := namespace + "/" + cfg.HPAName
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("namespace", namespace))

	hpas := generic.NewClientForDynamic[*autoscalingv2.HorizontalPodAutoscaler](config.HPAResource, dyn)
	targets := generic.NewClientForDynamic[*unstructured.Unstructured](cfg.TargetResource(), dyn)

	reconciler, err := scaler.New(targets, scaler.Options{
		Namespace:        namespace,
		Name:             cfg.TargetName,
		ReplicasPath:     cfg.ReplicaFields(),
		AllowScaleToZero: cfg.AllowScaleToZero,
		DryRun:           cfg.DryRun,
		RetryInterval:    cfg.TargetRetryInterval,
	})
	if err != nil {
		return err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	opts := &controller.Options[*autoscalingv2.HorizontalPodAutoscaler]{
		Name:             controllerName,
		Namespace:        namespace,
		Filter:           controller.MatchName[*autoscalingv2.HorizontalPodAutoscaler](cfg.HPAName),
		ResyncPeriod:     cfg.ResyncPeriod,
		CacheSyncTimeout: cfg.CacheSyncTimeout,
		QueueCapacity:    cfg.QueueCapacity,
		MaxRetries:       maxRetries,
		RateLimiter:      workqueue.NewTypedItemExponentialFailureRateLimiter[string](cfg.BackoffBase, cfg.BackoffMax),
	}
	if cfg.WatchTarget {
		opts.Sources = append(opts.Sources, controller.Mapped("target", targets,
			controller.MapNameTo[*unstructured.Unstructured](cfg.TargetName, hpaKey)))
	}
	ctrl := controller.New(hpas, reconciler, opts)

	clog.InfoContext(ctx, "syncing replicas",
		"hpa", hpaKey,
		"target", cfg.TargetKindVersion().String()+" "+namespace+"/"+cfg.TargetName,
		"path", cfg.ReplicasPath,
		"dryRun", cfg.DryRun)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx)
	})
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, ctrl.HasSynced)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}
	return g.Wait()
}
