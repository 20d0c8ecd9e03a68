package builtin

import (
	"github.com/rs/zerolog"

	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/sandbox"
)

// RegisterBuiltins registers all built-in providers on the registry.
func RegisterBuiltins(registry *provider.Registry, evaluator *sandbox.Evaluator, logger zerolog.Logger) error {
	providers := map[string]provider.Provider{
		"log":        NewLogProvider(logger),
		"command":    NewCommandProvider(evaluator),
		"http_fetch": NewHTTPFetchProvider(),
		"script":     NewScriptProvider(evaluator),
		"ai":         NewAIProvider(),
	}

	for checkType, p := range providers {
		if err := registry.Register(checkType, p); err != nil {
			return err
		}
	}
	return nil
}
