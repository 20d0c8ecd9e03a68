package models

import "strings"

// Severity classifies how serious an issue is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric ordering for severities (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// IsFailure returns true for severities that soft-fail a step.
func (s Severity) IsFailure() bool {
	return s == SeverityError || s == SeverityCritical
}

// Issue is a single finding produced by a check.
// RuleID is always namespaced by the producing check id (<checkId>/<localId>).
type Issue struct {
	File        string   `json:"file,omitempty" yaml:"file,omitempty"`
	Line        int      `json:"line,omitempty" yaml:"line,omitempty"`
	EndLine     int      `json:"end_line,omitempty" yaml:"end_line,omitempty"`
	Severity    Severity `json:"severity" yaml:"severity"`
	RuleID      string   `json:"rule_id" yaml:"rule_id"`
	Message     string   `json:"message" yaml:"message"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	CheckName   string   `json:"check_name,omitempty" yaml:"check_name,omitempty"`
	Group       string   `json:"group,omitempty" yaml:"group,omitempty"`
	Schema      string   `json:"schema,omitempty" yaml:"schema,omitempty"`
	Template    string   `json:"template,omitempty" yaml:"template,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
	Replacement string   `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// Rule id suffixes that gate descendants when present on a dependency result.
var gatingFatalSuffixes = []string{
	"command/execution_error",
	"command/timeout",
	"command/transform_js_error",
	"command/transform_error",
	"/forEach/iteration_error",
	"forEach/undefined_output",
	"_fail_if",
	"/global_fail_if",
}

// IsGatingFatal reports whether the issue suppresses dependents.
// Generic severity-only errors are not gating-fatal; they propagate as
// issues but do not stop downstream checks.
func (i Issue) IsGatingFatal() bool {
	for _, suffix := range gatingFatalSuffixes {
		if strings.HasSuffix(i.RuleID, suffix) {
			return true
		}
	}
	return false
}

// SkipMarkerSuffix is appended to a check id to form the synthesized
// rule id recorded for a skipped step.
const SkipMarkerSuffix = "/__skipped"

// IsSkipMarker reports whether the issue is the synthesized skip record.
func (i Issue) IsSkipMarker() bool {
	return strings.HasSuffix(i.RuleID, SkipMarkerSuffix)
}
