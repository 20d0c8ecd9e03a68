package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
)

// ForEachPreviewLimit caps how many stringified items a preview keeps.
const ForEachPreviewLimit = 3

// CheckStats holds per-check counters and timings for one run.
type CheckStats struct {
	CheckName            string                  `json:"check_name"`
	TotalRuns            int                     `json:"total_runs"`
	SuccessfulRuns       int                     `json:"successful_runs"`
	FailedRuns           int                     `json:"failed_runs"`
	Skipped              bool                    `json:"skipped"`
	SkipReason           string                  `json:"skip_reason,omitempty"`
	SkipCondition        string                  `json:"skip_condition,omitempty"`
	TotalDuration        time.Duration           `json:"total_duration"`
	ProviderDurationMs   int64                   `json:"provider_duration_ms"`
	PerIterationDuration []time.Duration         `json:"per_iteration_duration,omitempty"`
	IssuesFound          int                     `json:"issues_found"`
	IssuesBySeverity     map[models.Severity]int `json:"issues_by_severity"`
	OutputsProduced      int                     `json:"outputs_produced"`
	ErrorMessage         string                  `json:"error_message,omitempty"`
	ForEachPreview       []string                `json:"for_each_preview,omitempty"`
}

// Recorder tracks per-check statistics. Rows are created lazily on first
// consideration; parallel tasks only touch their own row.
type Recorder struct {
	mu     sync.Mutex
	checks map[string]*CheckStats
	order  []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{checks: make(map[string]*CheckStats)}
}

// row returns (creating if needed) the stats row for a check.
// Caller must hold the lock.
func (r *Recorder) row(checkID string) *CheckStats {
	stats, ok := r.checks[checkID]
	if !ok {
		stats = &CheckStats{
			CheckName:        checkID,
			IssuesBySeverity: make(map[models.Severity]int),
		}
		r.checks[checkID] = stats
		r.order = append(r.order, checkID)
	}
	return stats
}

// Init ensures a stats row exists for the check.
func (r *Recorder) Init(checkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(checkID)
}

// RecordSkip marks a check skipped. A check that already executed is never
// re-marked: an earlier run wins over a later skip.
func (r *Recorder) RecordSkip(checkID, reason, condition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.row(checkID)
	if stats.TotalRuns > 0 {
		return
	}
	stats.Skipped = true
	stats.SkipReason = reason
	stats.SkipCondition = condition
}

// RecordIterationStart clears any earlier skip flag and returns the start
// timestamp for the iteration.
func (r *Recorder) RecordIterationStart(checkID string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.row(checkID)
	stats.Skipped = false
	stats.SkipReason = ""
	stats.SkipCondition = ""
	return time.Now()
}

// RecordIterationComplete updates counters, durations and issue tallies for
// one finished step attempt.
func (r *Recorder) RecordIterationComplete(checkID string, started time.Time, result *models.StepResult, execErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.row(checkID)
	elapsed := time.Since(started)

	stats.TotalRuns++
	stats.TotalDuration += elapsed
	stats.PerIterationDuration = append(stats.PerIterationDuration, elapsed)

	failed := execErr != nil || (result != nil && result.HasFailureIssue())
	if failed {
		stats.FailedRuns++
		if execErr != nil {
			stats.ErrorMessage = execErr.Error()
		}
	} else {
		stats.SuccessfulRuns++
	}

	if result != nil {
		stats.IssuesFound += len(result.Issues)
		for _, issue := range result.Issues {
			stats.IssuesBySeverity[issue.Severity]++
		}
		if result.Output != nil {
			stats.OutputsProduced++
		}
	}
}

// AddProviderDuration accumulates raw provider time for the check.
func (r *Recorder) AddProviderDuration(checkID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(checkID).ProviderDurationMs += d.Milliseconds()
}

// RecordForEachPreview stores a short stringified preview of the fan-out
// items produced by a forEach parent.
func (r *Recorder) RecordForEachPreview(checkID string, items []any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.row(checkID)
	preview := make([]string, 0, ForEachPreviewLimit+1)
	for i, item := range items {
		if i >= ForEachPreviewLimit {
			preview = append(preview, fmt.Sprintf("...%d more", len(items)-ForEachPreviewLimit))
			break
		}
		preview = append(preview, stringifyItem(item))
	}
	stats.ForEachPreview = preview
}

// Get returns a copy of the stats row for a check, or nil when absent.
func (r *Recorder) Get(checkID string) *CheckStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.checks[checkID]
	if !ok {
		return nil
	}
	copied := *stats
	return &copied
}

// All returns the stats rows in first-consideration order.
func (r *Recorder) All() []*CheckStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CheckStats, 0, len(r.order))
	for _, id := range r.order {
		copied := *r.checks[id]
		out = append(out, &copied)
	}
	return out
}

// TotalExecutions sums TotalRuns across all checks.
func (r *Recorder) TotalExecutions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, stats := range r.checks {
		total += stats.TotalRuns
	}
	return total
}

func stringifyItem(item any) string {
	switch v := item.(type) {
	case string:
		return v
	default:
		encoded, err := json.Marshal(item)
		if err != nil {
			return fmt.Sprintf("%v", item)
		}
		return string(encoded)
	}
}
