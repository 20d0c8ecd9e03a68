package engine

import (
	"strings"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
)

// commitResult namespaces issues, appends the entry to the journal, updates
// the wave results and tracks the outputs history. Fan-out executions track
// history through the fan-out engine instead, with per-item annotations.
func (r *run) commitResult(rc *runCtx, result *models.StepResult, rawOutput any) {
	if result == nil {
		return
	}
	namespaceIssues(rc.id, result.Issues)

	r.journal.Commit(&JournalEntry{
		SessionID: r.sessionID,
		Scope:     rc.scope,
		CheckID:   rc.id,
		Event:     rc.event,
		Result:    result,
		RawOutput: rawOutput,
	})

	if rc.scope.IsRoot() {
		r.setResult(rc.id, result)
	}

	if rc.foreach == nil && !result.IsForEach && result.Output != nil {
		r.history.Append(rc.id, result.Output)
	}
}

// namespaceIssues prefixes rule ids with the producing check id. Rule ids
// already namespaced, fail_if markers and the global marker stay untouched.
func namespaceIssues(checkID string, issues []models.Issue) {
	now := time.Now().UnixMilli()
	for i := range issues {
		issue := &issues[i]
		if issue.CheckName == "" {
			issue.CheckName = checkID
		}
		if issue.Timestamp == 0 {
			issue.Timestamp = now
		}
		if issue.RuleID == "" {
			issue.RuleID = checkID + "/" + models.RuleErrorSuffix
			continue
		}
		if issue.RuleID == models.RuleGlobalFailIf ||
			strings.HasSuffix(issue.RuleID, "_fail_if") ||
			strings.HasPrefix(issue.RuleID, checkID+"/") {
			continue
		}
		issue.RuleID = checkID + "/" + issue.RuleID
	}
}
