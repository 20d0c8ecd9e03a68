package builtin

import (
	"context"
	"fmt"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// ScriptProvider evaluates a sandboxed JS snippet; the snippet's value
// becomes the step output.
//
// Params:
//   - content: the JS source (required)
type ScriptProvider struct {
	evaluator *sandbox.Evaluator
}

// NewScriptProvider creates a new script provider.
func NewScriptProvider(evaluator *sandbox.Evaluator) *ScriptProvider {
	return &ScriptProvider{evaluator: evaluator}
}

// Validate checks the static params.
func (p *ScriptProvider) Validate(params provider.Params) error {
	return params.Require("content")
}

// Execute evaluates the snippet with the dependency view in scope.
func (p *ScriptProvider) Execute(_ context.Context, input *provider.StepInput, deps provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
	content, err := input.Params.String("content")
	if err != nil {
		return nil, err
	}

	scope := map[string]any{
		"outputs":     deps.Outputs(),
		"outputs_raw": deps.RawOutputs(),
		"pr":          input.PR.AsMap(),
		"env":         sandbox.SafeEnv(),
		"event":       map[string]any{"name": string(input.Event)},
	}
	if input.HasForEachItem {
		scope["item"] = input.ForEachItem
	}

	output, err := p.evaluator.Evaluate(content, scope)
	if err != nil {
		return nil, fmt.Errorf("script evaluation: %w", err)
	}

	return &models.StepResult{Issues: []models.Issue{}, Output: output}, nil
}
