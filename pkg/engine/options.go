package engine

import (
	"github.com/smilemakc/checkwave/pkg/models"
)

// Options configures one run.
type Options struct {
	// Event is the inbound trigger the run executes for.
	Event models.EventTrigger

	// Checks restricts the selection; empty means every configured check
	// that runs on the event and passes the tag filter.
	Checks []string

	// PR is the input context.
	PR *models.PullRequestInfo

	// MaxParallelism caps concurrent steps per level (0 = default).
	MaxParallelism int

	// FailFast stops launching new steps once a failure is seen.
	FailFast bool

	// MaxLoops bounds the run-wide routing budget. Zero means "use the
	// config document or the default"; a negative value disables routing.
	MaxLoops int

	// DefaultMaxRuns is the per-check run cap when a check does not set
	// max_runs (0 = unlimited).
	DefaultMaxRuns int

	// GlobalFailIf is evaluated against every successful step result.
	GlobalFailIf string

	// RoutingDefaults apply to checks without their own on_fail hook.
	RoutingDefaults *models.RoutingDefaults

	// StrictMode makes the facade return an error when any provider or
	// promise error issue survived to the end of the run.
	StrictMode bool

	// Debug enables provider debug metadata.
	Debug bool

	// CLIMode marks runs started from the command line.
	CLIMode bool

	// MemoryNamespace overrides the default memory namespace.
	MemoryNamespace string
}

// DefaultRunOptions returns options with engine defaults.
func DefaultRunOptions() *Options {
	return &Options{
		Event:          models.EventManual,
		MaxParallelism: DefaultMaxParallelism,
	}
}

// resolveMaxLoops computes the effective routing budget; zero disables
// routing.
func (o *Options) resolveMaxLoops(cfg *models.RunConfig) int {
	switch {
	case o.MaxLoops > 0:
		return o.MaxLoops
	case o.MaxLoops < 0:
		return 0
	case cfg != nil:
		return cfg.Routing.EffectiveMaxLoops(DefaultMaxLoops)
	default:
		return DefaultMaxLoops
	}
}

// normalize fills unset fields and folds the run-config document into the
// options. Explicit option values win over the document.
func (o *Options) normalize(cfg *models.RunConfig) {
	if o.Event == "" {
		o.Event = models.EventManual
	}
	if cfg == nil {
		if o.MaxParallelism <= 0 {
			o.MaxParallelism = DefaultMaxParallelism
		}
		return
	}

	if o.MaxParallelism <= 0 {
		if cfg.MaxParallelism > 0 {
			o.MaxParallelism = cfg.MaxParallelism
		} else {
			o.MaxParallelism = DefaultMaxParallelism
		}
	}
	if !o.FailFast {
		o.FailFast = cfg.FailFast
	}
	if o.GlobalFailIf == "" {
		o.GlobalFailIf = cfg.FailIf
	}
	if o.RoutingDefaults == nil && cfg.Routing.Defaults != nil {
		o.RoutingDefaults = cfg.Routing.Defaults
	}
	if o.DefaultMaxRuns == 0 {
		o.DefaultMaxRuns = cfg.Limits.MaxRunsPerCheck
	}
	if o.MemoryNamespace == "" {
		if ns, ok := cfg.Memory["namespace"].(string); ok {
			o.MemoryNamespace = ns
		}
	}
}
