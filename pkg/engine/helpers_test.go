package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// mockProvider records invocations and delegates to executeFn.
type mockProvider struct {
	executeFn func(ctx context.Context, input *provider.StepInput, deps provider.DepView, execCtx *provider.ExecContext) (*models.StepResult, error)

	mu        sync.Mutex
	callCount int32
	inputs    []*provider.StepInput
}

func (m *mockProvider) Execute(ctx context.Context, input *provider.StepInput, deps provider.DepView, execCtx *provider.ExecContext) (*models.StepResult, error) {
	atomic.AddInt32(&m.callCount, 1)
	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()

	if m.executeFn != nil {
		return m.executeFn(ctx, input, deps, execCtx)
	}
	return &models.StepResult{Issues: []models.Issue{}, Output: map[string]any{"ok": true}}, nil
}

func (m *mockProvider) calls() int {
	return int(atomic.LoadInt32(&m.callCount))
}

// outputProvider returns a fixed output for every execution.
func outputProvider(output any) *mockProvider {
	return &mockProvider{
		executeFn: func(context.Context, *provider.StepInput, provider.DepView, *provider.ExecContext) (*models.StepResult, error) {
			return &models.StepResult{Issues: []models.Issue{}, Output: output}, nil
		},
	}
}

// newTestEngine builds an engine with the given providers registered under
// type "test" plus any extra types.
func newTestEngine(providers map[string]provider.Provider) *Engine {
	registry := provider.NewRegistry()
	for checkType, p := range providers {
		_ = registry.Register(checkType, p)
	}

	logger := zerolog.Nop()
	return New(Config{
		Registry:  registry,
		Evaluator: sandbox.New(logger),
		Logger:    logger,
	})
}

// check builds a CheckConfig for tests.
func check(id, checkType string, mutate ...func(*models.CheckConfig)) *models.CheckConfig {
	cfg := &models.CheckConfig{ID: id, Type: checkType}
	for _, fn := range mutate {
		fn(cfg)
	}
	return cfg
}

// runConfig assembles a RunConfig from check configs.
func runConfig(checks ...*models.CheckConfig) *models.RunConfig {
	cfg := &models.RunConfig{Checks: make(map[string]*models.CheckConfig, len(checks))}
	for _, c := range checks {
		cfg.Checks[c.ID] = c
	}
	return cfg
}

// findIssueBySuffix returns the first issue whose rule id ends with suffix.
func findIssueBySuffix(issues []models.Issue, suffix string) *models.Issue {
	for i := range issues {
		if len(issues[i].RuleID) >= len(suffix) &&
			issues[i].RuleID[len(issues[i].RuleID)-len(suffix):] == suffix {
			return &issues[i]
		}
	}
	return nil
}

// checkResultFor extracts one check's result from the grouped output.
func checkResultFor(result *RunResult, id string) *CheckResult {
	for _, group := range result.Results {
		for i := range group {
			if group[i].CheckName == id {
				return &group[i]
			}
		}
	}
	return nil
}

// statsFor extracts one check's stats row.
func statsFor(result *RunResult, id string) *CheckStats {
	for _, stats := range result.Statistics.Checks {
		if stats.CheckName == id {
			return stats
		}
	}
	return nil
}
