package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FanoutMode controls how routed targets fan over a forEach parent's items.
type FanoutMode string

const (
	FanoutDefault FanoutMode = "default"
	FanoutMap     FanoutMode = "map"
	FanoutReduce  FanoutMode = "reduce"
)

// TagOneShot forbids re-execution of a check within a single run.
const TagOneShot = "one_shot"

// RetryConfig configures on_fail retries for a check.
type RetryConfig struct {
	Max    int    `yaml:"max" json:"max"`
	Mode   string `yaml:"mode" json:"mode"` // "fixed" or "exponential"
	BaseMs int    `yaml:"base_ms" json:"base_ms"`
}

// RetryModeExponential doubles the base delay with each attempt.
const RetryModeExponential = "exponential"

// Hook declares routing behavior for on_success / on_fail / on_finish.
// Retry is only honored on on_fail.
type Hook struct {
	Run       []string     `yaml:"run" json:"run,omitempty"`
	RunJS     string       `yaml:"run_js" json:"run_js,omitempty"`
	Goto      string       `yaml:"goto" json:"goto,omitempty"`
	GotoJS    string       `yaml:"goto_js" json:"goto_js,omitempty"`
	GotoEvent EventTrigger `yaml:"goto_event" json:"goto_event,omitempty"`
	Retry     *RetryConfig `yaml:"retry" json:"retry,omitempty"`
}

// IsEmpty reports whether the hook declares nothing.
func (h *Hook) IsEmpty() bool {
	return h == nil || (len(h.Run) == 0 && h.RunJS == "" && h.Goto == "" && h.GotoJS == "" && h.Retry == nil)
}

// CheckConfig is the static declaration of a single check.
// Keys not recognized here pass through to the provider via Params.
type CheckConfig struct {
	ID                string         `yaml:"-" json:"id"`
	Type              string         `yaml:"type" json:"type"`
	Group             string         `yaml:"group" json:"group,omitempty"`
	DependsOn         []string       `yaml:"depends_on" json:"depends_on,omitempty"`
	On                []EventTrigger `yaml:"on" json:"on,omitempty"`
	If                string         `yaml:"if" json:"if,omitempty"`
	FailIf            string         `yaml:"fail_if" json:"fail_if,omitempty"`
	ForEach           bool           `yaml:"forEach" json:"for_each,omitempty"`
	Fanout            FanoutMode     `yaml:"fanout" json:"fanout,omitempty"`
	Tags              []string       `yaml:"tags" json:"tags,omitempty"`
	ContinueOnFailure bool           `yaml:"continue_on_failure" json:"continue_on_failure,omitempty"`
	MaxRuns           int            `yaml:"max_runs" json:"max_runs,omitempty"`
	OnSuccess         *Hook          `yaml:"on_success" json:"on_success,omitempty"`
	OnFail            *Hook          `yaml:"on_fail" json:"on_fail,omitempty"`
	OnFinish          *Hook          `yaml:"on_finish" json:"on_finish,omitempty"`
	Params            map[string]any `yaml:"-" json:"params,omitempty"`
}

// knownCheckKeys are the YAML keys consumed by the core; everything else
// lands in Params for the provider.
var knownCheckKeys = map[string]bool{
	"type": true, "group": true, "depends_on": true, "on": true,
	"if": true, "fail_if": true, "forEach": true, "fanout": true,
	"tags": true, "continue_on_failure": true, "max_runs": true,
	"on_success": true, "on_fail": true, "on_finish": true,
}

// UnmarshalYAML decodes the known fields and collects unknown keys into Params.
func (c *CheckConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain CheckConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = CheckConfig(p)

	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for key := range raw {
		if knownCheckKeys[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		c.Params = raw
	}
	return nil
}

// HasTag reports whether the check carries the given tag.
func (c *CheckConfig) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsOneShot reports whether the check may only run once per run.
func (c *CheckConfig) IsOneShot() bool { return c.HasTag(TagOneShot) }

// RunsOn reports whether the check is eligible for the given event.
// An empty trigger set means "any event".
func (c *CheckConfig) RunsOn(event EventTrigger) bool {
	if len(c.On) == 0 {
		return true
	}
	for _, on := range c.On {
		if on == event {
			return true
		}
	}
	return false
}

// EffectiveFanout resolves the default fanout mode.
func (c *CheckConfig) EffectiveFanout() FanoutMode {
	if c.Fanout == "" {
		return FanoutDefault
	}
	return c.Fanout
}

// Validate checks the static declaration for structural problems.
func (c *CheckConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("check %q: %w", c.ID, ErrInvalidCheckType)
	}
	if c.MaxRuns < 0 {
		return fmt.Errorf("check %q: max_runs must be >= 0", c.ID)
	}
	switch c.Fanout {
	case "", FanoutDefault, FanoutMap, FanoutReduce:
	default:
		return fmt.Errorf("check %q: unknown fanout mode %q", c.ID, c.Fanout)
	}
	return nil
}
