// Package engine implements the check-execution core: dependency planning,
// wave scheduling, fan-out, routing and the execution journal.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smilemakc/checkwave/pkg/memory"
	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// Config wires the engine's collaborators. Zero fields get safe defaults.
type Config struct {
	Registry  *provider.Registry
	Memory    memory.Store
	Renderer  Renderer
	Analyzer  Analyzer
	Telemetry Telemetry
	Evaluator *sandbox.Evaluator
	Logger    zerolog.Logger
}

// Engine is the facade owning run lifecycle and collaborator wiring.
type Engine struct {
	registry  *provider.Registry
	memory    memory.Store
	renderer  Renderer
	analyzer  Analyzer
	telemetry Telemetry
	evaluator *sandbox.Evaluator
	logger    zerolog.Logger
}

// New creates an engine, filling unset collaborators with defaults.
func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = provider.NewRegistry()
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewInMemoryStore()
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = NoopAnalyzer{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NoopTelemetry{}
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = sandbox.New(cfg.Logger)
	}
	return &Engine{
		registry:  cfg.Registry,
		memory:    cfg.Memory,
		renderer:  cfg.Renderer,
		analyzer:  cfg.Analyzer,
		telemetry: cfg.Telemetry,
		evaluator: cfg.Evaluator,
		logger:    cfg.Logger,
	}
}

// Registry exposes the provider registry, e.g. for webhook context fan-out.
func (e *Engine) Registry() *provider.Registry { return e.registry }

// ExecuteChecks runs the selected checks against the run config and returns
// the aggregated result. A run always returns a result object; fatal
// planning errors yield a single synthesized issue and no executions.
func (e *Engine) ExecuteChecks(ctx context.Context, config *models.RunConfig, opts *Options) (*RunResult, error) {
	if opts == nil {
		opts = DefaultRunOptions()
	}
	opts.normalize(config)

	if config == nil || len(config.Checks) == 0 {
		return emptyRunResult(), nil
	}
	for id, cfg := range config.Checks {
		if cfg == nil {
			return emptyRunResult(), fmt.Errorf("%w: check %q is empty", models.ErrInvalidConfig, id)
		}
		if cfg.ID == "" {
			cfg.ID = id
		}
	}

	selected := e.selectChecks(config, opts)
	if len(selected) == 0 {
		return emptyRunResult(), nil
	}

	plan, err := BuildPlan(selected, config.Checks, opts.Event)
	if err != nil {
		return planningFailure(err), err
	}

	sessionID := uuid.New().String()
	e.logger.Info().
		Str("session", sessionID).
		Str("event", string(opts.Event)).
		Int("checks", plan.Stats.TotalChecks).
		Int("levels", plan.Stats.ParallelLevels).
		Msg("starting run")

	r := newRun(e, config, plan, opts, sessionID)
	r.execute(ctx)

	result := r.aggregate()
	e.logStatistics(result.Statistics)

	if opts.StrictMode {
		if issue := findStrictModeIssue(result); issue != nil {
			return result, fmt.Errorf("%w: %s: %s", models.ErrExecutionFailed, issue.RuleID, issue.Message)
		}
	}
	return result, nil
}

// ExecuteGroupedChecks runs the named checks against a PR context; the
// shape matches what renderers consume.
func (e *Engine) ExecuteGroupedChecks(ctx context.Context, pr *models.PullRequestInfo, checks []string, config *models.RunConfig, opts *Options) (*RunResult, error) {
	if opts == nil {
		opts = DefaultRunOptions()
	}
	opts.PR = pr
	opts.Checks = checks
	return e.ExecuteChecks(ctx, config, opts)
}

// selectChecks resolves the run selection: the explicit list as-is, or
// every configured check that matches the event and the tag filter.
func (e *Engine) selectChecks(config *models.RunConfig, opts *Options) []string {
	if len(opts.Checks) > 0 {
		var selected []string
		for _, id := range opts.Checks {
			if _, ok := config.Checks[id]; ok {
				selected = append(selected, id)
			} else {
				e.logger.Warn().Str("check", id).Msg("selected check is not configured")
			}
		}
		return selected
	}

	var selected []string
	for id, cfg := range config.Checks {
		if !cfg.RunsOn(opts.Event) {
			continue
		}
		if !config.TagFilter.Matches(cfg.Tags) {
			continue
		}
		selected = append(selected, id)
	}
	sort.Strings(selected)
	return selected
}

func (e *Engine) logStatistics(stats *Statistics) {
	e.logger.Info().
		Int("executions", stats.TotalExecutions).
		Int("issues", stats.TotalIssues).
		Dur("duration", stats.TotalDuration).
		Msg("run complete")
}

// planningFailure wraps a planner error into the single-issue result shape.
func planningFailure(err error) *RunResult {
	ruleID := models.RuleDependencyError
	if _, ok := err.(*CycleError); ok {
		ruleID = models.RuleCircularDependency
	}

	result := emptyRunResult()
	result.Results[DefaultGroup] = []CheckResult{{
		CheckName: "planner",
		Group:     DefaultGroup,
		Issues: []models.Issue{{
			Severity: models.SeverityCritical,
			RuleID:   ruleID,
			Message:  err.Error(),
		}},
	}}
	result.Statistics.TotalIssues = 1
	result.Statistics.IssuesBySeverity[models.SeverityCritical] = 1
	return result
}

func emptyRunResult() *RunResult {
	return &RunResult{
		Results: make(GroupedResults),
		Statistics: &Statistics{
			IssuesBySeverity: make(map[models.Severity]int),
		},
		History: make(map[string][]any),
	}
}

// findStrictModeIssue scans for provider or promise errors that strict mode
// escalates to a run failure.
func findStrictModeIssue(result *RunResult) *models.Issue {
	for _, group := range result.Results {
		for _, check := range group {
			for i := range check.Issues {
				issue := &check.Issues[i]
				if strings.HasSuffix(issue.RuleID, "/"+models.RuleErrorSuffix) ||
					strings.HasSuffix(issue.RuleID, "/"+models.RulePromiseErrorSuffix) {
					return issue
				}
			}
		}
	}
	return nil
}
