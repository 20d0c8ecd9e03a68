package engine

import (
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
)

// CheckResult is one check's final contribution to the grouped output.
type CheckResult struct {
	CheckName string          `json:"check_name"`
	Content   string          `json:"content,omitempty"`
	Group     string          `json:"group"`
	Output    any             `json:"output,omitempty"`
	Issues    []models.Issue  `json:"issues"`
	Debug     map[string]any  `json:"debug,omitempty"`
}

// GroupedResults groups check results for rendering.
type GroupedResults map[string][]CheckResult

// Statistics is the run-level aggregate over the per-check stats.
type Statistics struct {
	TotalExecutions  int                     `json:"total_executions"`
	TotalIssues      int                     `json:"total_issues"`
	IssuesBySeverity map[models.Severity]int `json:"issues_by_severity"`
	TotalDuration    time.Duration           `json:"total_duration"`
	Checks           []*CheckStats           `json:"checks"`
	Plan             PlanStats               `json:"plan"`
}

// RunResult is what the engine facade returns: grouped results, statistics
// and the per-check outputs history.
type RunResult struct {
	Results    GroupedResults   `json:"results"`
	Statistics *Statistics      `json:"statistics"`
	History    map[string][]any `json:"history"`
}

// aggregate assembles the final run result from the journal, the stats
// recorder and the history.
func (r *run) aggregate() *RunResult {
	grouped := make(GroupedResults)

	// Read final root results without an event filter so entries from
	// goto_event overrides are included.
	view := NewContextView(r.journal, r.sessionID, r.journal.BeginSnapshot(), models.RootScope, "")

	for _, stats := range r.stats.All() {
		id := stats.CheckName
		result := view.Get(id)
		if result == nil {
			continue
		}

		cfg := r.configCheck(id)
		group := DefaultGroup
		if cfg != nil && cfg.Group != "" {
			group = cfg.Group
		}

		content := result.Content
		if cfg != nil && r.engine.renderer != nil {
			template, _ := cfg.Params["template"].(string)
			rendered, err := r.engine.renderer.Render(id, result, template)
			if err != nil {
				result.AddIssue(models.Issue{
					Severity:  models.SeverityWarning,
					RuleID:    id + "/" + models.RuleRenderErrorSuffix,
					Message:   "render failed: " + err.Error(),
					CheckName: id,
				})
			} else if rendered != "" {
				content = rendered
			}
		}

		grouped[group] = append(grouped[group], CheckResult{
			CheckName: id,
			Content:   content,
			Group:     group,
			Output:    result.Output,
			Issues:    result.Issues,
			Debug:     result.Debug,
		})
	}

	return &RunResult{
		Results:    grouped,
		Statistics: r.statistics(),
		History:    r.history.Snapshot(),
	}
}

func (r *run) statistics() *Statistics {
	stats := &Statistics{
		IssuesBySeverity: make(map[models.Severity]int),
		Checks:           r.stats.All(),
		Plan:             r.plan.Stats,
	}
	for _, check := range stats.Checks {
		stats.TotalExecutions += check.TotalRuns
		stats.TotalIssues += check.IssuesFound
		stats.TotalDuration += check.TotalDuration
		for severity, count := range check.IssuesBySeverity {
			stats.IssuesBySeverity[severity] += count
		}
	}
	return stats
}
