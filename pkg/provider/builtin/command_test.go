package builtin

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

type stubDeps struct {
	outputs map[string]any
}

func (s *stubDeps) Get(string) *models.StepResult { return nil }
func (s *stubDeps) GetRaw(string) any             { return nil }
func (s *stubDeps) Outputs() map[string]any {
	if s.outputs == nil {
		return map[string]any{}
	}
	return s.outputs
}
func (s *stubDeps) RawOutputs() map[string]any { return s.Outputs() }

func newCommandProvider() *CommandProvider {
	return NewCommandProvider(sandbox.New(zerolog.Nop()))
}

func stepInput(id string, params provider.Params) *provider.StepInput {
	return &provider.StepInput{CheckID: id, Params: params, Event: models.EventManual}
}

func TestCommandProvider_JSONOutput(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("build", provider.Params{"exec": `echo '{"status": "ok", "count": 2}'`}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)

	output, ok := result.Output.(map[string]any)
	require.True(t, ok, "expected decoded JSON, got %T", result.Output)
	assert.Equal(t, "ok", output["status"])
	assert.EqualValues(t, 2, output["count"])
}

func TestCommandProvider_PlainTextOutput(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("greet", provider.Params{"exec": "echo hello"}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
}

func TestCommandProvider_ExecutionError(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("broken", provider.Params{"exec": "exit 3"}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, ruleCommandExecution, result.Issues[0].RuleID)
	assert.True(t, result.Issues[0].IsGatingFatal())
}

func TestCommandProvider_Timeout(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("slow", provider.Params{"exec": "sleep 5", "timeout_ms": 50}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, ruleCommandTimeout, result.Issues[0].RuleID)
}

func TestCommandProvider_TransformJS(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("items", provider.Params{
			"exec":         `echo '["a", "b"]'`,
			"transform_js": "output.map(function(v) { return v.toUpperCase(); })",
		}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)

	list, ok := result.Output.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"A", "B"}, list)
}

func TestCommandProvider_TransformJSError(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("items", provider.Params{
			"exec":         "echo hi",
			"transform_js": "not valid js {{",
		}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, ruleCommandTransformJS, result.Issues[0].RuleID)
}

func TestCommandProvider_TransformExpr(t *testing.T) {
	t.Parallel()

	result, err := newCommandProvider().Execute(context.Background(),
		stepInput("count", provider.Params{
			"exec":      `echo '{"n": 4}'`,
			"transform": `output["n"] * 2`,
		}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)
	assert.EqualValues(t, 8, result.Output)
}

func TestCommandProvider_Validate(t *testing.T) {
	t.Parallel()

	p := newCommandProvider()
	assert.Error(t, p.Validate(provider.Params{}))
	assert.NoError(t, p.Validate(provider.Params{"exec": "true"}))
}

func TestLogProvider_Output(t *testing.T) {
	t.Parallel()

	p := NewLogProvider(zerolog.Nop())

	result, err := p.Execute(context.Background(),
		stepInput("note", provider.Params{"message": "done"}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"message": "done"}, result.Output)

	custom, err := p.Execute(context.Background(),
		stepInput("note", provider.Params{"output": []any{"a", "b"}}),
		&stubDeps{}, &provider.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, custom.Output)
}

func TestScriptProvider_UsesDepView(t *testing.T) {
	t.Parallel()

	p := NewScriptProvider(sandbox.New(zerolog.Nop()))

	result, err := p.Execute(context.Background(),
		&provider.StepInput{
			CheckID: "agg",
			Params:  provider.Params{"content": "({n: outputs_raw.list.length})"},
			Event:   models.EventManual,
		},
		&stubDeps{outputs: map[string]any{"list": []any{"a", "b", "c"}}},
		&provider.ExecContext{})
	require.NoError(t, err)

	output, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, output["n"])
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()

	registry := provider.NewRegistry()
	require.NoError(t, RegisterBuiltins(registry, sandbox.New(zerolog.Nop()), zerolog.Nop()))

	for _, checkType := range []string{"log", "command", "http_fetch", "script", "ai"} {
		assert.Contains(t, registry.Types(), checkType)
	}
}
