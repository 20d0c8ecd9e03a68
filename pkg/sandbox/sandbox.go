// Package sandbox evaluates user-provided expressions for `if`, `fail_if`,
// `run_js` and `goto_js` hooks.
//
// Expressions run in a fresh goja runtime per evaluation. The runtime has no
// host, network, or filesystem access; the only names visible to an
// expression are the enumerated scope keys injected by the caller, a
// log-only console, and the ECMAScript builtins (Math, JSON, Array, String,
// Object, Map, Set, Date, RegExp). eval is disabled. Evaluations are interrupted after a fixed
// timeout.
package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 5 * time.Second

// Evaluator runs sandboxed expressions. Safe for concurrent use; each
// evaluation gets its own isolated runtime.
type Evaluator struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// New creates an evaluator with the default timeout.
func New(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of the evaluator with a custom timeout.
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	clone := *e
	clone.timeout = d
	return &clone
}

// Evaluate runs src against the given scope and returns the exported result.
// src may be a bare expression or a function body with return statements.
func (e *Evaluator) Evaluate(src string, scope map[string]any) (any, error) {
	value, err := e.run(src, scope)
	if err != nil {
		return nil, err
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// EvaluateBool runs src and coerces the result with JS truthiness.
func (e *Evaluator) EvaluateBool(src string, scope map[string]any) (bool, error) {
	value, err := e.run(src, scope)
	if err != nil {
		return false, err
	}
	if value == nil {
		return false, nil
	}
	return value.ToBoolean(), nil
}

func (e *Evaluator) run(src string, scope map[string]any) (goja.Value, error) {
	program, err := compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	_ = vm.Set("eval", goja.Undefined())
	_ = vm.Set("console", e.console(vm))

	for key, value := range scope {
		if err := vm.Set(key, Sanitize(value, e.logger)); err != nil {
			return nil, fmt.Errorf("inject scope key %q: %w", key, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("expression timeout")
	})
	defer timer.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return value, nil
}

// compile wraps src in an IIFE. Bare expressions are tried first so that
// object literals parse as expressions; statement bodies fall back to the
// plain function-body form.
func compile(src string) (*goja.Program, error) {
	program, err := goja.Compile("expression", "(function() { return (\n"+src+"\n); })()", true)
	if err == nil {
		return program, nil
	}
	return goja.Compile("expression", "(function() {\n"+src+"\n})()", true)
}

// console exposes a log-only console backed by the evaluator's logger.
func (e *Evaluator) console(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.String()
		}
		e.logger.Debug().Str("source", "sandbox").Msgf("%v", args)
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("warn", logFn)
	_ = console.Set("error", logFn)
	return console
}

// Sanitize walks a value and drops non-string map keys with a warning.
// Scope overlays are strictly string-keyed.
func Sanitize(v any, logger zerolog.Logger) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = Sanitize(item, logger)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			key, ok := k.(string)
			if !ok {
				logger.Warn().Msgf("dropping non-string key %v from expression scope", k)
				continue
			}
			out[key] = Sanitize(item, logger)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = Sanitize(item, logger)
		}
		return out
	default:
		return v
	}
}

// StringList coerces a run_js/goto_js result into a list of ids.
// A single string becomes a one-element list; nil yields an empty list.
func StringList(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
