package models

// RunConfig is the parsed form of the top-level configuration document.
type RunConfig struct {
	Version        string                  `yaml:"version" json:"version"`
	Checks         map[string]*CheckConfig `yaml:"checks" json:"checks"`
	Routing        RoutingConfig           `yaml:"routing" json:"routing"`
	MaxParallelism int                     `yaml:"max_parallelism" json:"max_parallelism,omitempty"`
	FailFast       bool                    `yaml:"fail_fast" json:"fail_fast,omitempty"`
	FailIf         string                  `yaml:"fail_if" json:"fail_if,omitempty"`
	TagFilter      *TagFilter              `yaml:"tag_filter" json:"tag_filter,omitempty"`
	Limits         Limits                  `yaml:"limits" json:"limits,omitempty"`
	Memory         map[string]any          `yaml:"memory" json:"memory,omitempty"`
	Output         map[string]any          `yaml:"output" json:"output,omitempty"`
}

// RoutingConfig bounds and defaults for the routing engine.
type RoutingConfig struct {
	MaxLoops int              `yaml:"max_loops" json:"max_loops,omitempty"`
	Defaults *RoutingDefaults `yaml:"defaults" json:"defaults,omitempty"`

	// maxLoopsSet distinguishes "max_loops: 0" from an absent key.
	maxLoopsSet bool
}

// RoutingDefaults apply to checks that do not declare their own hooks.
type RoutingDefaults struct {
	OnFail *Hook `yaml:"on_fail" json:"on_fail,omitempty"`
}

// TagFilter selects checks by tag membership.
type TagFilter struct {
	Include []string `yaml:"include" json:"include,omitempty"`
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
}

// Matches reports whether a check with the given tags passes the filter.
func (f *TagFilter) Matches(tags []string) bool {
	if f == nil {
		return true
	}
	has := make(map[string]bool, len(tags))
	for _, t := range tags {
		has[t] = true
	}
	for _, exclude := range f.Exclude {
		if has[exclude] {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, include := range f.Include {
		if has[include] {
			return true
		}
	}
	return false
}

// Limits caps per-run resource usage.
type Limits struct {
	MaxRunsPerCheck int `yaml:"max_runs_per_check" json:"max_runs_per_check,omitempty"`
}

// EffectiveMaxLoops resolves the routing loop budget.
func (r RoutingConfig) EffectiveMaxLoops(fallback int) int {
	if r.MaxLoops > 0 {
		return r.MaxLoops
	}
	if r.MaxLoops == 0 && r.maxLoopsSet {
		return 0
	}
	return fallback
}

func (r *RoutingConfig) UnmarshalYAML(unmarshal func(any) error) error {
	var probe struct {
		MaxLoops *int             `yaml:"max_loops"`
		Defaults *RoutingDefaults `yaml:"defaults"`
	}
	if err := unmarshal(&probe); err != nil {
		return err
	}
	if probe.MaxLoops != nil {
		r.MaxLoops = *probe.MaxLoops
		r.maxLoopsSet = true
	}
	r.Defaults = probe.Defaults
	return nil
}
