package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
)

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()

	flaky := &mockProvider{
		executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
			return nil, errors.New("transient failure")
		},
	}
	attempts := 0
	flaky.executeFn = func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient failure")
		}
		return &models.StepResult{Issues: []models.Issue{}, Output: "recovered"}, nil
	}

	eng := newTestEngine(map[string]provider.Provider{"flaky": flaky})

	cfg := runConfig(check("a", "flaky", func(c *models.CheckConfig) {
		c.OnFail = &models.Hook{Retry: &models.RetryConfig{Max: 2, BaseMs: 1}}
	}))

	result, err := eng.ExecuteChecks(context.Background(), cfg, DefaultRunOptions())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected 2 attempts, got: %d", attempts)
	}
	a := checkResultFor(result, "a")
	if a == nil || a.Output != "recovered" {
		t.Errorf("expected recovered output, got: %+v", a)
	}
	if stats := statsFor(result, "a"); stats == nil || stats.TotalRuns != 2 {
		t.Errorf("expected both attempts recorded, got: %+v", stats)
	}
}

func TestRetry_DeterministicJitter(t *testing.T) {
	t.Parallel()

	retry := &models.RetryConfig{Max: 3, Mode: models.RetryModeExponential, BaseMs: 100}

	first := retryDelay(retry, 2, "step", "repo")
	second := retryDelay(retry, 2, "step", "repo")
	if first != second {
		t.Errorf("expected deterministic delay, got: %v and %v", first, second)
	}

	// Exponential mode doubles the base component per attempt; the jitter
	// component stays fixed for a given seed.
	base := retryDelay(retry, 1, "step", "repo")
	if first-base != 100*time.Millisecond {
		t.Errorf("expected attempt 2 to add one base delay, got: %v vs %v", first, base)
	}
}

// TestOnFailGoto_NextWaveLoop: the on_fail goto collapses to the target,
// which re-runs in the next wave together with its revived dependents,
// bounded by the routing budget.
func TestOnFailGoto_NextWaveLoop(t *testing.T) {
	t.Parallel()

	ask := &mockProvider{}
	refine := &mockProvider{
		executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
			return &models.StepResult{Issues: []models.Issue{}, Output: map[string]any{"refined": false}}, nil
		},
	}

	eng := newTestEngine(map[string]provider.Provider{"ask": ask, "refine": refine})

	cfg := runConfig(
		check("ask", "ask"),
		check("refine", "refine", func(c *models.CheckConfig) {
			c.DependsOn = []string{"ask"}
			c.FailIf = "output.refined !== true"
			c.OnFail = &models.Hook{Goto: "ask"}
		}),
	)

	opts := DefaultRunOptions()
	opts.MaxLoops = 2

	result, err := eng.ExecuteChecks(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Wave 0 plus two budgeted correction waves.
	if got := statsFor(result, "ask").TotalRuns; got != 3 {
		t.Errorf("expected ask to run 3 times, got: %d", got)
	}
	if got := statsFor(result, "refine").TotalRuns; got != 3 {
		t.Errorf("expected refine to run 3 times, got: %d", got)
	}

	refineResult := checkResultFor(result, "refine")
	if findIssueBySuffix(refineResult.Issues, models.RuleLoopBudgetExceeded) == nil {
		t.Errorf("expected loop budget issue once the budget is spent, got: %v", refineResult.Issues)
	}
}

// TestOneBounceGuard: a per-item execution must not bounce control through
// its own goto hooks.
func TestOneBounceGuard_SuppressesGotoFromForeach(t *testing.T) {
	t.Parallel()

	escape := &mockProvider{}
	eng := newTestEngine(map[string]provider.Provider{
		"list": outputProvider([]any{"a"}),
		"failing": &mockProvider{
			executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
				return &models.StepResult{Issues: []models.Issue{{
					Severity: models.SeverityError,
					RuleID:   "command/execution_error",
					Message:  "bad item",
				}}}, nil
			},
		},
		"escape": escape,
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) { c.ForEach = true }),
		check("worker", "failing", func(c *models.CheckConfig) {
			c.DependsOn = []string{"parent"}
			c.OnFail = &models.Hook{Goto: "rescue"}
		}),
		check("rescue", "escape"),
	)

	opts := DefaultRunOptions()
	opts.Checks = []string{"parent", "worker"}

	_, err := eng.ExecuteChecks(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if escape.calls() != 0 {
		t.Errorf("expected goto suppressed under fan-out, got %d rescue calls", escape.calls())
	}
}

// TestOnFinish_GotoSuppressedWhenAllValid: the goto back to the parent is
// dropped once every per-item verdict in the last wave is valid.
func TestOnFinish_GotoSuppressedWhenAllValid(t *testing.T) {
	t.Parallel()

	parent := outputProvider([]any{"a", "b"})
	eng := newTestEngine(map[string]provider.Provider{
		"list": parent,
		"validator": &mockProvider{
			executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
				return &models.StepResult{Issues: []models.Issue{}, Output: map[string]any{"is_valid": true}}, nil
			},
		},
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) {
			c.ForEach = true
			c.OnFinish = &models.Hook{Goto: "parent"}
		}),
		check("validate", "validator", func(c *models.CheckConfig) {
			c.DependsOn = []string{"parent"}
		}),
	)

	opts := DefaultRunOptions()
	opts.Checks = []string{"parent", "validate"}

	result, err := eng.ExecuteChecks(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if got := statsFor(result, "parent").TotalRuns; got != 1 {
		t.Errorf("expected single parent run with all-valid verdict, got: %d", got)
	}
}

// TestOnFinish_RouteBudget: an always-invalid validator keeps routing the
// parent until the per-parent on_finish budget runs out.
func TestOnFinish_RouteBudget(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(map[string]provider.Provider{
		"list": outputProvider([]any{"a"}),
		"validator": &mockProvider{
			executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
				return &models.StepResult{Issues: []models.Issue{}, Output: map[string]any{"is_valid": false}}, nil
			},
		},
	})

	cfg := runConfig(
		check("parent", "list", func(c *models.CheckConfig) {
			c.ForEach = true
			c.OnFinish = &models.Hook{Goto: "parent"}
		}),
		check("validate", "validator", func(c *models.CheckConfig) {
			c.DependsOn = []string{"parent"}
		}),
	)

	opts := DefaultRunOptions()
	opts.Checks = []string{"parent", "validate"}
	opts.MaxLoops = 2

	result, err := eng.ExecuteChecks(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// One initial run plus one budgeted correction wave.
	if got := statsFor(result, "parent").TotalRuns; got != 2 {
		t.Errorf("expected 2 parent runs, got: %d", got)
	}

	parentResult := checkResultFor(result, "parent")
	if findIssueBySuffix(parentResult.Issues, models.RuleLoopBudgetExceeded) == nil {
		t.Errorf("expected on_finish budget issue, got: %v", parentResult.Issues)
	}
}

// TestRunJS_SchedulesTargets: run_js returning a list schedules each id.
func TestRunJS_SchedulesTargets(t *testing.T) {
	t.Parallel()

	extra := &mockProvider{}
	eng := newTestEngine(map[string]provider.Provider{
		"log":   &mockProvider{},
		"extra": extra,
	})

	cfg := runConfig(
		check("a", "log", func(c *models.CheckConfig) {
			c.OnSuccess = &models.Hook{RunJS: `output ? ["helper"] : []`}
		}),
		check("helper", "extra"),
	)

	opts := DefaultRunOptions()
	opts.Checks = []string{"a"}

	_, err := eng.ExecuteChecks(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if extra.calls() != 1 {
		t.Errorf("expected run_js target to execute once, got: %d", extra.calls())
	}
}

func TestClassifyErrorSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    models.Severity
	}{
		{"connection reset", models.SeverityError},
		{"401 unauthorized", models.SeverityCritical},
		{"rate limit exceeded", models.SeverityCritical},
		{"invalid api key", models.SeverityCritical},
	}
	for _, tt := range tests {
		if got := classifyErrorSeverity(errors.New(tt.message)); got != tt.want {
			t.Errorf("classifyErrorSeverity(%q): expected %s, got: %s", tt.message, tt.want, got)
		}
	}
}
