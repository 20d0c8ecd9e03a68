package engine

import (
	"github.com/smilemakc/checkwave/pkg/models"
)

// ContextView is a read-only projection over the journal at a given scope,
// snapshot and event. It resolves the latest visible result per check with
// scope fallback: exact scope first, then the longest committed prefix,
// finally the root scope.
//
// ContextView implements provider.DepView.
type ContextView struct {
	journal   *Journal
	sessionID string
	snapshot  int64
	scope     models.ScopePath
	event     models.EventTrigger
}

// NewContextView creates a view pinned to a snapshot.
func NewContextView(journal *Journal, sessionID string, snapshot int64, scope models.ScopePath, event models.EventTrigger) *ContextView {
	return &ContextView{
		journal:   journal,
		sessionID: sessionID,
		snapshot:  snapshot,
		scope:     scope,
		event:     event,
	}
}

// Get resolves the latest entry for id visible to the current scope.
func (v *ContextView) Get(id string) *models.StepResult {
	if entry := v.resolve(id); entry != nil {
		return entry.Result
	}
	return nil
}

// GetRaw returns the untransformed provider output for id, exposed to
// expressions via the outputs_raw namespace.
func (v *ContextView) GetRaw(id string) any {
	if entry := v.resolve(id); entry != nil {
		return entry.RawOutput
	}
	return nil
}

// Outputs returns checkId -> output for every visible check.
func (v *ContextView) Outputs() map[string]any {
	out := make(map[string]any)
	for id := range v.visibleIDs() {
		if result := v.Get(id); result != nil {
			out[id] = result.Output
		}
	}
	return out
}

// RawOutputs returns checkId -> raw provider output for every visible check.
func (v *ContextView) RawOutputs() map[string]any {
	out := make(map[string]any)
	for id := range v.visibleIDs() {
		out[id] = v.GetRaw(id)
	}
	return out
}

// Scope returns the scope the view projects under.
func (v *ContextView) Scope() models.ScopePath { return v.scope }

// resolve applies the scope fallback rule. Among entries for the candidate
// scope the highest seq wins.
func (v *ContextView) resolve(id string) *JournalEntry {
	entries := v.journal.Visible(v.sessionID, v.snapshot, v.event)

	if entry := latestAtScope(entries, id, v.scope); entry != nil {
		return entry
	}
	for _, prefix := range v.scope.Prefixes() {
		if entry := latestAtScope(entries, id, prefix); entry != nil {
			return entry
		}
	}
	return nil
}

func latestAtScope(entries []*JournalEntry, id string, scope models.ScopePath) *JournalEntry {
	var latest *JournalEntry
	for _, entry := range entries {
		if entry.CheckID != id || !entry.Scope.Equal(scope) {
			continue
		}
		if latest == nil || entry.Seq > latest.Seq {
			latest = entry
		}
	}
	return latest
}

func (v *ContextView) visibleIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, entry := range v.journal.Visible(v.sessionID, v.snapshot, v.event) {
		ids[entry.CheckID] = struct{}{}
	}
	return ids
}
