package engine

import (
	"context"

	"github.com/smilemakc/checkwave/pkg/models"
)

// Renderer turns a step result into displayable content. Render errors are
// surfaced as <check>/render-error issues without failing the run.
type Renderer interface {
	Render(checkID string, result *models.StepResult, template string) (string, error)
}

// Analyzer elevates an issue-thread context to a PR diff context when
// routing re-targets a PR-class event from an issue event.
type Analyzer interface {
	ElevateContext(ctx context.Context, pr *models.PullRequestInfo, event models.EventTrigger) (*models.PullRequestInfo, error)
}

// Telemetry receives execution spans. Implementations must be safe to call
// from parallel tasks and must never call back into the scheduler.
type Telemetry interface {
	EmitSpan(name string, attrs map[string]any)
}

// NoopAnalyzer leaves the context untouched.
type NoopAnalyzer struct{}

func (NoopAnalyzer) ElevateContext(_ context.Context, pr *models.PullRequestInfo, _ models.EventTrigger) (*models.PullRequestInfo, error) {
	return pr, nil
}

// NoopTelemetry drops all spans.
type NoopTelemetry struct{}

func (NoopTelemetry) EmitSpan(string, map[string]any) {}
