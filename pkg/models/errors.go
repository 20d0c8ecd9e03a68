package models

import "errors"

// Common error types for checkwave.
var (
	// Planning errors
	ErrCyclicDependency    = errors.New("circular dependency detected")
	ErrDependencyValidation = errors.New("dependency validation failed")
	ErrUnknownCheck        = errors.New("unknown check")
	ErrInvalidCheckType    = errors.New("check type is required")

	// Execution errors
	ErrProviderNotFound  = errors.New("provider not found")
	ErrMaxRunsExceeded   = errors.New("max runs exceeded")
	ErrLoopBudgetExceeded = errors.New("routing loop budget exceeded")
	ErrExecutionFailed   = errors.New("execution failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoChecks      = errors.New("no checks configured")

	// Memory store errors
	ErrMemoryKeyNotFound = errors.New("memory key not found")
)

// Rule id fragments used across the engine (see the error taxonomy).
const (
	RuleMaxRunsExceeded     = "limits/max_runs_exceeded"
	RuleLoopBudgetExceeded  = "routing/loop_budget_exceeded"
	RuleDependencyError     = "dependency-validation-error"
	RuleCircularDependency  = "circular-dependency-error"
	RuleForEachIterationErr = "forEach/iteration_error"
	RuleForEachUndefined    = "forEach/undefined_output"
	RuleGlobalFailIf        = "global_fail_if"
	RuleErrorSuffix         = "error"
	RulePromiseErrorSuffix  = "promise-error"
	RuleRenderErrorSuffix   = "render-error"
)
