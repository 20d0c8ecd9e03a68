package engine

import (
	"context"
	"testing"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
)

// TestForEach_DependentRunsPerItem: a direct dependent of a forEach parent
// executes once per item and aggregates by index.
func TestForEach_DependentRunsPerItem(t *testing.T) {
	t.Parallel()

	child := &mockProvider{
		executeFn: func(_ context.Context, input *provider.StepInput, _ provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
			item, _ := input.ForEachItem.(string)
			return &models.StepResult{Issues: []models.Issue{}, Output: "processed-" + item}, nil
		},
	}

	eng := newTestEngine(map[string]provider.Provider{
		"list":  outputProvider([]any{"x", "y", "z"}),
		"child": child,
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) { c.ForEach = true }),
		check("worker", "child", func(c *models.CheckConfig) { c.DependsOn = []string{"parent"} }),
	)

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if child.calls() != 3 {
		t.Errorf("expected 3 per-item executions, got: %d", child.calls())
	}

	worker := checkResultFor(result, "worker")
	if worker == nil {
		t.Fatal("expected worker result")
	}
	outputs, ok := worker.Output.([]any)
	if !ok || len(outputs) != 3 {
		t.Fatalf("expected 3 aggregated outputs, got: %v", worker.Output)
	}
	if outputs[1] != "processed-y" {
		t.Errorf("expected index-stable aggregation, got: %v", outputs)
	}

	// Per-item scopes were used.
	child.mu.Lock()
	defer child.mu.Unlock()
	for _, input := range child.inputs {
		if input.Scope.IsRoot() {
			t.Error("expected item scope, got root")
		}
	}
}

// TestForEach_AggregateShapeInvariant: the dependent's aggregated output
// holds one entry per item of the parent's array.
func TestForEach_AggregateShapeInvariant(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(map[string]provider.Provider{
		"list":  outputProvider([]any{"a", "b"}),
		"child": &mockProvider{},
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) { c.ForEach = true }),
		check("worker", "child", func(c *models.CheckConfig) { c.DependsOn = []string{"parent"} }),
	)

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	worker := checkResultFor(result, "worker")
	if worker == nil {
		t.Fatal("expected worker result")
	}

	view := worker.Output.([]any)
	if len(view) != 2 {
		t.Fatalf("expected 2 outputs, got: %d", len(view))
	}
}

// TestForEach_FatalMaskGatesDescendants: a gating-fatal per-item failure in
// the middle of the chain suppresses that index for descendants.
func TestForEach_FatalMaskGatesDescendants(t *testing.T) {
	t.Parallel()

	grandchild := &mockProvider{}

	eng := newTestEngine(map[string]provider.Provider{
		"list": outputProvider([]any{"good", "bad", "good"}),
		"middle": &mockProvider{
			executeFn: func(_ context.Context, input *provider.StepInput, _ provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
				if input.ForEachItem == "bad" {
					return &models.StepResult{Issues: []models.Issue{{
						Severity: models.SeverityError,
						RuleID:   "command/execution_error",
						Message:  "item failed",
					}}}, nil
				}
				return &models.StepResult{Issues: []models.Issue{}, Output: "ok"}, nil
			},
		},
		"leaf": grandchild,
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) { c.ForEach = true }),
		check("mid", "middle", func(c *models.CheckConfig) { c.DependsOn = []string{"parent"} }),
		check("deep", "leaf", func(c *models.CheckConfig) { c.DependsOn = []string{"mid"} }),
	)

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	mid := checkResultFor(result, "mid")
	if mid == nil {
		t.Fatal("expected mid result")
	}
	if findIssueBySuffix(mid.Issues, "command/execution_error") == nil {
		t.Errorf("expected the fatal item issue in the aggregate, got: %v", mid.Issues)
	}

	// deep ran only for the two non-fatal indices.
	if grandchild.calls() != 2 {
		t.Errorf("expected 2 descendant executions, got: %d", grandchild.calls())
	}
}

// TestForEach_AggregateItemsMask exercises the mask computation directly:
// gating-fatal issues and the parent-side fail_if both mark an index fatal.
func TestForEach_AggregateItemsMask(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(nil)
	r := newRun(eng, runConfig(), &ExecutionPlan{
		Checks:     map[string]*models.CheckConfig{},
		Deps:       map[string][]DepGroup{},
		Dependents: map[string][]string{},
	}, DefaultRunOptions(), "session")

	parentCfg := check("parent", "test", func(c *models.CheckConfig) {
		c.ForEach = true
		c.FailIf = "output && output.score < 5"
	})

	items := []any{"a", "b", "c"}
	itemResults := []*models.StepResult{
		{Issues: []models.Issue{}, Output: map[string]any{"score": 9}},
		{Issues: []models.Issue{{Severity: models.SeverityError, RuleID: "worker/command/timeout"}}, Output: map[string]any{"score": 9}},
		{Issues: []models.Issue{}, Output: map[string]any{"score": 2}},
	}

	aggregate := r.aggregateItems(parentCfg, "worker", items, itemResults)

	if len(aggregate.ForEachFatalMask) != len(items) {
		t.Fatalf("expected mask length %d, got: %d", len(items), len(aggregate.ForEachFatalMask))
	}
	want := []bool{false, true, true}
	for i := range want {
		if aggregate.ForEachFatalMask[i] != want[i] {
			t.Errorf("mask[%d]: expected %v, got %v", i, want[i], aggregate.ForEachFatalMask[i])
		}
	}
	if len(aggregate.ForEachItemResults) != len(items) {
		t.Errorf("expected item results length %d, got: %d", len(items), len(aggregate.ForEachItemResults))
	}
	if len(aggregate.Issues) != 1 {
		t.Errorf("expected concatenated issues, got: %v", aggregate.Issues)
	}
}

// TestForEach_NonArrayOutput: a forEach parent producing a non-array gets
// the undefined-output issue and gates its dependents.
func TestForEach_NonArrayOutput(t *testing.T) {
	t.Parallel()

	child := &mockProvider{}
	eng := newTestEngine(map[string]provider.Provider{
		"scalar": outputProvider("not-an-array"),
		"child":  child,
	})

	cfg := runConfig(
		check("parent", "scalar", func(c *models.CheckConfig) { c.ForEach = true }),
		check("worker", "child", func(c *models.CheckConfig) { c.DependsOn = []string{"parent"} }),
	)

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	parent := checkResultFor(result, "parent")
	if parent == nil {
		t.Fatal("expected parent result")
	}
	if findIssueBySuffix(parent.Issues, models.RuleForEachUndefined) == nil {
		t.Errorf("expected forEach/undefined_output issue, got: %v", parent.Issues)
	}
	if child.calls() != 0 {
		t.Errorf("expected worker to be gated, got %d calls", child.calls())
	}
	if stats := statsFor(result, "worker"); stats == nil || stats.SkipReason != SkipReasonDependencyFailed {
		t.Errorf("expected dependency_failed skip, got: %+v", stats)
	}
}

// TestForEach_HistoryAnnotations: parent waves append an aggregate plus a
// marker; per-item child outputs are annotated, missing outputs synthesized.
func TestForEach_HistoryAnnotations(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(map[string]provider.Provider{
		"list": outputProvider([]any{"a", "b"}),
		"child": &mockProvider{
			executeFn: func(_ context.Context, input *provider.StepInput, _ provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
				if input.ForEachItem == "b" {
					// No output for the second item.
					return &models.StepResult{Issues: []models.Issue{}}, nil
				}
				return &models.StepResult{Issues: []models.Issue{}, Output: map[string]any{"is_valid": true}}, nil
			},
		},
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) { c.ForEach = true }),
		check("worker", "child", func(c *models.CheckConfig) { c.DependsOn = []string{"parent"} }),
	)

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	parentHistory := result.History["parent"]
	if len(parentHistory) != 2 {
		t.Fatalf("expected aggregate plus marker in parent history, got: %v", parentHistory)
	}
	marker, ok := parentHistory[1].(map[string]any)
	if !ok || marker[HistoryKeyLastLoop] != true {
		t.Errorf("expected last_loop marker, got: %v", parentHistory[1])
	}

	workerHistory := result.History["worker"]
	if len(workerHistory) != 2 {
		t.Fatalf("expected one history entry per item, got: %v", workerHistory)
	}

	first, ok := workerHistory[0].(map[string]any)
	if !ok || first[HistoryKeyParent] != "parent" || first["is_valid"] != true {
		t.Errorf("expected annotated per-item entry, got: %v", workerHistory[0])
	}

	missing, ok := workerHistory[1].(map[string]any)
	if !ok || missing["reason"] != "missing" || missing["is_valid"] != false {
		t.Errorf("expected synthesized missing record, got: %v", workerHistory[1])
	}
}

