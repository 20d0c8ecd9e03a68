package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// Local rule ids emitted by the command provider. The engine namespaces
// them by check id on commit.
const (
	ruleCommandExecution   = "command/execution_error"
	ruleCommandTimeout     = "command/timeout"
	ruleCommandTransform   = "command/transform_error"
	ruleCommandTransformJS = "command/transform_js_error"
)

// CommandProvider runs a shell command and optionally transforms its output.
//
// Params:
//   - exec: the command line (required)
//   - timeout_ms: per-invocation timeout
//   - stdin: literal stdin content
//   - transform: expr expression applied to the parsed output
//   - transform_js: sandboxed JS applied to the parsed output
type CommandProvider struct {
	evaluator  *sandbox.Evaluator
	transforms *sandbox.Transformer
}

// NewCommandProvider creates a new command provider.
func NewCommandProvider(evaluator *sandbox.Evaluator) *CommandProvider {
	return &CommandProvider{
		evaluator:  evaluator,
		transforms: sandbox.NewTransformer(sandbox.DefaultTransformCapacity),
	}
}

// Validate checks the static params.
func (p *CommandProvider) Validate(params provider.Params) error {
	return params.Require("exec")
}

// Execute runs the command. Failures surface as issues rather than errors so
// routing can react to them; the rule ids used here are gating-fatal.
func (p *CommandProvider) Execute(ctx context.Context, input *provider.StepInput, deps provider.DepView, _ *provider.ExecContext) (*models.StepResult, error) {
	command, err := input.Params.String("exec")
	if err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, input.Params.DurationMs("timeout_ms", time.Minute))
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	if stdin := input.Params.StringOr("stdin", ""); stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := &models.StepResult{Issues: []models.Issue{}}

	runErr := cmd.Run()
	if runErr != nil {
		ruleID := ruleCommandExecution
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			ruleID = ruleCommandTimeout
		}
		result.AddIssue(models.Issue{
			Severity:  models.SeverityError,
			RuleID:    ruleID,
			Message:   fmt.Sprintf("command failed: %v: %s", runErr, stderr.String()),
			CheckName: input.CheckID,
		})
		return result, nil
	}

	output := parseCommandOutput(stdout.Bytes())

	if transformJS := input.Params.StringOr("transform_js", ""); transformJS != "" {
		transformed, err := p.evaluator.Evaluate(transformJS, map[string]any{
			"output":  output,
			"outputs": deps.Outputs(),
			"env":     sandbox.SafeEnv(),
		})
		if err != nil {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    ruleCommandTransformJS,
				Message:   fmt.Sprintf("transform_js failed: %v", err),
				CheckName: input.CheckID,
			})
			return result, nil
		}
		output = transformed
	} else if transform := input.Params.StringOr("transform", ""); transform != "" {
		transformed, err := p.transforms.Run(transform, map[string]any{
			"output":  output,
			"outputs": deps.Outputs(),
		})
		if err != nil {
			result.AddIssue(models.Issue{
				Severity:  models.SeverityError,
				RuleID:    ruleCommandTransform,
				Message:   fmt.Sprintf("transform failed: %v", err),
				CheckName: input.CheckID,
			})
			return result, nil
		}
		output = transformed
	}

	result.Output = output
	return result, nil
}

// parseCommandOutput decodes stdout as JSON when possible, otherwise
// returns the trimmed text.
func parseCommandOutput(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(trimmed)
}
