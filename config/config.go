// Package config loads hpa-replica-sync settings from flags and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/tools/clientcmd"
)

// Flag names.
const (
	HPAName             = "hpa-name"
	TargetName          = "target-name"
	TargetGroup         = "target-group"
	TargetVersion       = "target-version"
	TargetKind          = "target-kind"
	TargetPlural        = "target-plural"
	ReplicasPath        = "replicas-path"
	Namespace           = "namespace"
	Kubeconfig          = "kubeconfig"
	ResyncPeriod        = "resync-period"
	CacheSyncTimeout    = "cache-sync-timeout"
	QueueCapacity       = "queue-capacity"
	MaxRetries          = "max-retries"
	BackoffBase         = "backoff-base"
	BackoffMax          = "backoff-max"
	TargetRetryInterval = "target-retry-interval"
	WatchTarget         = "watch-target"
	AllowScaleToZero    = "allow-scale-to-zero"
	DryRun              = "dry-run"
	MetricsAddr         = "metrics-addr"
	LogLevel            = "log-level"
	LogFormat           = "log-format"
)

// envAliases are environment variables read in addition to the flag's own
// upper-snake-case name, earliest first.
var envAliases = map[string][]string{
	HPAName:    {"KAFKA_HPA_NAME"},
	TargetName: {"KAFKA_CLUSTER_NAME"},
}

// HPAResource is the autoscaler resource the controller watches.
var HPAResource = schema.GroupVersionResource{Group: "autoscaling", Version: "v2", Resource: "horizontalpodautoscalers"}

// Config is the fully resolved configuration. It is not modified after Load.
type Config struct {
	HPAName             string
	TargetName          string
	TargetGroup         string
	TargetVersion       string
	TargetKind          string
	TargetPlural        string
	ReplicasPath        string
	Namespace           string
	Kubeconfig          string
	ResyncPeriod        time.Duration
	CacheSyncTimeout    time.Duration
	QueueCapacity       int
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	TargetRetryInterval time.Duration
	WatchTarget         bool
	AllowScaleToZero    bool
	DryRun              bool
	MetricsAddr         string
	LogLevel            string
	LogFormat           string
}

// InitFlags registers every setting on flags.
func InitFlags(flags *pflag.FlagSet) {
	flags.String(HPAName, "", "Name of the HorizontalPodAutoscaler to follow (env KAFKA_HPA_NAME)")
	flags.String(TargetName, "", "Name of the resource whose replicas are set (env KAFKA_CLUSTER_NAME)")
	flags.String(TargetGroup, "kafka.strimzi.io", "API group of the target resource")
	flags.String(TargetVersion, "v1beta1", "API version of the target resource")
	flags.String(TargetKind, "Kafka", "Kind of the target resource")
	flags.String(TargetPlural, "kafkas", "Plural resource name of the target")
	flags.String(ReplicasPath, "spec.kafka.replicas", "Dotted path of the replica field in the target")
	flags.String(Namespace, "", "Namespace to watch; detected from the kubeconfig or service account if empty")
	flags.String(Kubeconfig, "", "Path to a kubeconfig; in-cluster or default loading rules if empty")
	flags.Duration(ResyncPeriod, 10*time.Minute, "How often informers replay their caches")
	flags.Duration(CacheSyncTimeout, 2*time.Minute, "How long to wait for the initial cache sync")
	flags.Int(QueueCapacity, 1024, "Maximum number of pending work items")
	flags.Int(MaxRetries, 10, "Times a failing item is retried before it is dropped")
	flags.Duration(BackoffBase, 500*time.Millisecond, "Initial retry backoff")
	flags.Duration(BackoffMax, 5*time.Minute, "Maximum retry backoff")
	flags.Duration(TargetRetryInterval, time.Minute, "How long to wait before looking for a missing target again")
	flags.Bool(WatchTarget, true, "Watch the target and revert changes to its replica field")
	flags.Bool(AllowScaleToZero, false, "Propagate a desired replica count of zero")
	flags.Bool(DryRun, false, "Send patches with server-side dry run")
	flags.String(MetricsAddr, ":8080", "Address for /metrics, /healthz and /readyz; empty disables")
	flags.String(LogLevel, "info", "Log level: debug, info, warn or error")
	flags.String(LogFormat, "text", "Log format: text or json")
}

// BindEnv binds the flag's own environment variable plus any aliases.
func BindEnv(vp *viper.Viper, name string) error {
	if name == Kubeconfig {
		// clientcmd's default loading rules already honor KUBECONFIG,
		// including path lists.
		return nil
	}
	env := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return vp.BindEnv(append([]string{name}, append(envAliases[name], env)...)...)
}

// Load parses args, overlays the environment, and validates the result.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("hpa-replica-sync", pflag.ContinueOnError)
	InitFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	vp := viper.New()
	if err := vp.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := BindEnv(vp, f.Name); err != nil {
			bindErr = fmt.Errorf("binding env for %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return FromViper(vp)
}

// FromViper builds a Config from vp and validates it.
func FromViper(vp *viper.Viper) (*Config, error) {
	c := &Config{
		HPAName:             strings.TrimSpace(vp.GetString(HPAName)),
		TargetName:          strings.TrimSpace(vp.GetString(TargetName)),
		TargetGroup:         vp.GetString(TargetGroup),
		TargetVersion:       vp.GetString(TargetVersion),
		TargetKind:          vp.GetString(TargetKind),
		TargetPlural:        vp.GetString(TargetPlural),
		ReplicasPath:        vp.GetString(ReplicasPath),
		Namespace:           strings.TrimSpace(vp.GetString(Namespace)),
		Kubeconfig:          vp.GetString(Kubeconfig),
		ResyncPeriod:        vp.GetDuration(ResyncPeriod),
		CacheSyncTimeout:    vp.GetDuration(CacheSyncTimeout),
		QueueCapacity:       vp.GetInt(QueueCapacity),
		MaxRetries:          vp.GetInt(MaxRetries),
		BackoffBase:         vp.GetDuration(BackoffBase),
		BackoffMax:          vp.GetDuration(BackoffMax),
		TargetRetryInterval: vp.GetDuration(TargetRetryInterval),
		WatchTarget:         vp.GetBool(WatchTarget),
		AllowScaleToZero:    vp.GetBool(AllowScaleToZero),
		DryRun:              vp.GetBool(DryRun),
		MetricsAddr:         vp.GetString(MetricsAddr),
		LogLevel:            vp.GetString(LogLevel),
		LogFormat:           vp.GetString(LogFormat),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.HPAName == "" {
		errs = append(errs, fmt.Errorf("--%s (or KAFKA_HPA_NAME) is required", HPAName))
	}
	if c.TargetName == "" {
		errs = append(errs, fmt.Errorf("--%s (or KAFKA_CLUSTER_NAME) is required", TargetName))
	}
	if c.TargetGroup != "" {
		for _, msg := range validation.IsDNS1123Subdomain(c.TargetGroup) {
			errs = append(errs, fmt.Errorf("--%s: %s", TargetGroup, msg))
		}
	}
	if c.TargetVersion == "" {
		errs = append(errs, fmt.Errorf("--%s is required", TargetVersion))
	}
	if c.TargetKind == "" {
		errs = append(errs, fmt.Errorf("--%s is required", TargetKind))
	}
	if c.TargetPlural == "" {
		errs = append(errs, fmt.Errorf("--%s is required", TargetPlural))
	} else if c.TargetPlural != strings.ToLower(c.TargetPlural) {
		errs = append(errs, fmt.Errorf("--%s must be lowercase: %q", TargetPlural, c.TargetPlural))
	}
	if c.ReplicasPath == "" {
		errs = append(errs, fmt.Errorf("--%s is required", ReplicasPath))
	} else {
		for _, p := range strings.Split(c.ReplicasPath, ".") {
			if p == "" {
				errs = append(errs, fmt.Errorf("--%s %q has an empty segment", ReplicasPath, c.ReplicasPath))
				break
			}
		}
	}
	if c.Namespace != "" {
		for _, msg := range validation.IsDNS1123Label(c.Namespace) {
			errs = append(errs, fmt.Errorf("--%s: %s", Namespace, msg))
		}
	}

	for name, d := range map[string]time.Duration{
		ResyncPeriod:        c.ResyncPeriod,
		CacheSyncTimeout:    c.CacheSyncTimeout,
		BackoffBase:         c.BackoffBase,
		BackoffMax:          c.BackoffMax,
		TargetRetryInterval: c.TargetRetryInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("--%s must be positive, got %v", name, d))
		}
	}
	if c.BackoffBase > c.BackoffMax {
		errs = append(errs, fmt.Errorf("--%s (%v) exceeds --%s (%v)", BackoffBase, c.BackoffBase, BackoffMax, c.BackoffMax))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("--%s must be at least 1, got %d", QueueCapacity, c.QueueCapacity))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("--%s must not be negative, got %d", MaxRetries, c.MaxRetries))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("--%s must be text or json, got %q", LogFormat, c.LogFormat))
	}
	return errors.Join(errs...)
}

// TargetResource is the resource whose replica field is written.
func (c *Config) TargetResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: c.TargetGroup, Version: c.TargetVersion, Resource: c.TargetPlural}
}

// TargetKindVersion is the kind matching TargetResource.
func (c *Config) TargetKindVersion() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: c.TargetGroup, Version: c.TargetVersion, Kind: c.TargetKind}
}

// ReplicaFields splits ReplicasPath into its segments.
func (c *Config) ReplicaFields() []string {
	return strings.Split(c.ReplicasPath, ".")
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("--%s: %w", LogLevel, err)
	}
	return l, nil
}

// ClientConfig returns the kubeconfig loader for Kubeconfig, falling back
// to the in-cluster config and the default loading rules.
func (c *Config) ClientConfig() clientcmd.ClientConfig {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = c.Kubeconfig
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})
}

// namespacer is the part of clientcmd.ClientConfig that detects a namespace.
type namespacer interface {
	Namespace() (string, bool, error)
}

// ResolveNamespace picks the namespace to watch: the configured one, else
// the one named by the kubeconfig context or service account, else
// KUBERNETES_NAMESPACE, else "default".
func (c *Config) ResolveNamespace(detected namespacer, getenv func(string) string) string {
	if c.Namespace != "" {
		return c.Namespace
	}
	if detected != nil {
		// clientcmd reports "default" when nothing chose a namespace.
		if ns, overridden, err := detected.Namespace(); err == nil && ns != "" && (overridden || ns != "default") {
			return ns
		}
	}
	if ns := strings.TrimSpace(getenv("KUBERNETES_NAMESPACE")); ns != "" {
		return ns
	}
	return "default"
}
