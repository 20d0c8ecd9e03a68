package engine

import (
	"testing"

	"github.com/smilemakc/checkwave/pkg/models"
)

func TestJournal_CommitAssignsSequence(t *testing.T) {
	t.Parallel()

	journal := NewJournal()

	first := journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{}})
	second := journal.Commit(&JournalEntry{SessionID: "s", CheckID: "b", Result: &models.StepResult{}})

	if first != 1 || second != 2 {
		t.Errorf("expected seqs 1 and 2, got: %d and %d", first, second)
	}
	if journal.Commit(nil) != 0 {
		t.Error("expected nil commit to be ignored")
	}
}

func TestJournal_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{Output: "first"}})

	snapshot := journal.BeginSnapshot()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "b", Result: &models.StepResult{Output: "late"}})

	visible := journal.Visible("s", snapshot, "")
	if len(visible) != 1 {
		t.Fatalf("expected 1 visible entry at snapshot, got: %d", len(visible))
	}
	if visible[0].CheckID != "a" {
		t.Errorf("expected entry for a, got: %s", visible[0].CheckID)
	}
}

func TestJournal_EventFilter(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Event: models.EventPRUpdated, Result: &models.StepResult{}})
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "b", Event: models.EventIssueComment, Result: &models.StepResult{}})
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "c", Result: &models.StepResult{}})

	visible := journal.Visible("s", journal.BeginSnapshot(), models.EventPRUpdated)
	if len(visible) != 2 {
		t.Fatalf("expected pr_updated plus eventless entries, got: %d", len(visible))
	}
}

func TestJournal_SessionFilter(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "mine", CheckID: "a", Result: &models.StepResult{}})
	journal.Commit(&JournalEntry{SessionID: "other", CheckID: "a", Result: &models.StepResult{}})

	if got := len(journal.Visible("mine", journal.BeginSnapshot(), "")); got != 1 {
		t.Errorf("expected 1 entry for session, got: %d", got)
	}
}

func TestContextView_LatestEntryWins(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{Output: "old"}})
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{Output: "new"}})

	view := NewContextView(journal, "s", journal.BeginSnapshot(), models.RootScope, "")
	if got := view.Get("a").Output; got != "new" {
		t.Errorf("expected latest entry, got: %v", got)
	}
}

func TestContextView_ScopeFallback(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Scope: models.RootScope, Result: &models.StepResult{Output: "root"}})
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "b", Scope: models.ItemScope("p", 0), Result: &models.StepResult{Output: "item0"}})

	itemView := NewContextView(journal, "s", journal.BeginSnapshot(), models.ItemScope("p", 0), "")

	// Exact scope match.
	if got := itemView.Get("b").Output; got != "item0" {
		t.Errorf("expected item-scoped result, got: %v", got)
	}
	// Fallback to root for checks without an item-scoped entry.
	if got := itemView.Get("a").Output; got != "root" {
		t.Errorf("expected root fallback, got: %v", got)
	}

	// A sibling item scope must not see index 0's entry.
	siblingView := NewContextView(journal, "s", journal.BeginSnapshot(), models.ItemScope("p", 1), "")
	if siblingView.Get("b") != nil {
		t.Error("expected no result for b at sibling scope")
	}
}

func TestContextView_NestedScopePrefix(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	outer := models.ItemScope("p", 1)
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Scope: outer, Result: &models.StepResult{Output: "outer"}})

	nested := outer.Child("q", 2)
	view := NewContextView(journal, "s", journal.BeginSnapshot(), nested, "")
	if got := view.Get("a").Output; got != "outer" {
		t.Errorf("expected longest-prefix fallback, got: %v", got)
	}
}

func TestContextView_RawOutputs(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{
		SessionID: "s",
		CheckID:   "a",
		Result:    &models.StepResult{Output: "transformed"},
		RawOutput: "raw",
	})

	view := NewContextView(journal, "s", journal.BeginSnapshot(), models.RootScope, "")
	if got := view.GetRaw("a"); got != "raw" {
		t.Errorf("expected raw output, got: %v", got)
	}
	if got := view.Outputs()["a"]; got != "transformed" {
		t.Errorf("expected transformed output, got: %v", got)
	}
}

func TestContextView_RepeatedReadsAreStable(t *testing.T) {
	t.Parallel()

	journal := NewJournal()
	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{Output: 1}})

	view := NewContextView(journal, "s", journal.BeginSnapshot(), models.RootScope, "")
	first := view.Get("a")

	journal.Commit(&JournalEntry{SessionID: "s", CheckID: "a", Result: &models.StepResult{Output: 2}})

	if second := view.Get("a"); second != first {
		t.Error("expected repeated reads at the same snapshot to resolve identically")
	}
}
