package builtin

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
)

// LogProvider records a message and produces a small structured output.
// Mostly used as routing scaffolding and in tests.
type LogProvider struct {
	logger zerolog.Logger
}

// NewLogProvider creates a new log provider.
func NewLogProvider(logger zerolog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Execute logs the configured message and returns it as output.
// An explicit "output" param takes precedence as the produced output value.
func (p *LogProvider) Execute(_ context.Context, input *provider.StepInput, _ provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
	message := input.Params.StringOr("message", input.CheckID)

	event := p.logger.Info()
	if input.Params.StringOr("level", "info") == "debug" {
		event = p.logger.Debug()
	}
	event.
		Str("check", input.CheckID).
		Str("scope", input.Scope.String()).
		Msg(message)

	var output any = map[string]any{"message": message}
	if v, ok := input.Params.Value("output"); ok {
		output = v
	}

	return &models.StepResult{Issues: []models.Issue{}, Output: output}, nil
}
