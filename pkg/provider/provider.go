// Package provider defines the contract between the engine and the code
// that actually runs a step, plus the registry keyed by check type.
//
// Built-in providers include:
//   - log: records a message, useful for routing scaffolding
//   - command: runs a shell command with optional transform / transform_js
//   - http_fetch: makes an HTTP request with an optional jq filter
//   - script: evaluates a sandboxed JS snippet into an output
//   - ai: chat-completion against an OpenAI-compatible API
//
// Custom providers can be registered at runtime using the Registry.
package provider

import (
	"context"

	"github.com/smilemakc/checkwave/pkg/models"
)

// DepView is the read-only dependency projection a provider receives.
// Implemented by the engine's snapshot-backed context view.
type DepView interface {
	// Get resolves the latest visible result for a dependency.
	Get(id string) *models.StepResult

	// GetRaw returns the untransformed provider output for a dependency.
	GetRaw(id string) any

	// Outputs returns checkId -> output for every visible dependency.
	Outputs() map[string]any

	// RawOutputs returns checkId -> raw output for every visible dependency.
	RawOutputs() map[string]any
}

// StepInput carries everything a provider needs to run one step attempt.
type StepInput struct {
	CheckID string
	Check   *models.CheckConfig

	// Params are the provider-specific config keys passed through opaquely.
	Params Params

	Event models.EventTrigger
	Scope models.ScopePath
	PR    *models.PullRequestInfo

	// ForEachItem is set when the step runs under an item scope.
	ForEachItem    any
	HasForEachItem bool
}

// ExecContext carries run-level execution metadata.
type ExecContext struct {
	SessionID string

	// ReuseSessionID requests AI-session continuity with a prior step.
	ReuseSessionID string

	CLIMode bool
	Debug   bool

	// History is a read-only reference to the outputs history map, made
	// available for template rendering inside the provider.
	History map[string][]any
}

// Provider executes steps of one check type.
type Provider interface {
	Execute(ctx context.Context, input *StepInput, deps DepView, execCtx *ExecContext) (*models.StepResult, error)
}

// WebhookAware is implemented by providers that accept webhook payload
// context before a run.
type WebhookAware interface {
	SetWebhookContext(payload map[string]any)
}

// Validator is implemented by providers that can statically validate their
// per-check params.
type Validator interface {
	Validate(params Params) error
}
