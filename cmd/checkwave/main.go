// Command checkwave runs a check configuration against a synthetic event
// and prints the grouped results as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appconfig "github.com/smilemakc/checkwave/internal/config"
	"github.com/smilemakc/checkwave/pkg/config"
	"github.com/smilemakc/checkwave/pkg/engine"
	"github.com/smilemakc/checkwave/pkg/memory"
	"github.com/smilemakc/checkwave/pkg/models"
	"github.com/smilemakc/checkwave/pkg/provider"
	"github.com/smilemakc/checkwave/pkg/provider/builtin"
	"github.com/smilemakc/checkwave/pkg/sandbox"
	"github.com/smilemakc/checkwave/pkg/template"
)

func main() {
	var (
		configPath = flag.String("config", ".checkwave.yaml", "path to the run-config document")
		event      = flag.String("event", string(models.EventManual), "event trigger to run for")
		checks     = flag.String("checks", "", "comma-separated check ids (default: all eligible)")
		failFast   = flag.Bool("fail-fast", false, "stop launching work after the first failure")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	appCfg := appconfig.Load()

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(appCfg.LogLevel); err == nil {
		level = parsed
	}
	if *debug || appCfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	log.Logger = logger

	runConfig, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	var store memory.Store = memory.NewInMemoryStore()
	if appCfg.MemoryDSN != "" {
		bunStore := memory.NewBunStore(appCfg.MemoryDSN)
		if err := bunStore.InitSchema(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize memory store")
		}
		defer bunStore.Close()
		store = bunStore
	}

	registry := provider.NewRegistry()
	evaluator := sandbox.New(logger)
	if err := builtin.RegisterBuiltins(registry, evaluator, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to register providers")
	}

	for id, check := range runConfig.Checks {
		if err := registry.ValidateCheck(check); err != nil {
			logger.Warn().Err(err).Str("check", id).Msg("check configuration is invalid")
		}
	}

	eng := engine.New(engine.Config{
		Registry:  registry,
		Memory:    store,
		Renderer:  template.NewRenderer(),
		Evaluator: evaluator,
		Logger:    logger,
	})

	opts := engine.DefaultRunOptions()
	opts.Event = models.EventTrigger(*event)
	opts.FailFast = *failFast
	opts.Debug = *debug || appCfg.ProviderDebug
	opts.StrictMode = appCfg.StrictErrors
	opts.MaxParallelism = appCfg.MaxParallelism
	opts.CLIMode = true
	if *checks != "" {
		for _, id := range strings.Split(*checks, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				opts.Checks = append(opts.Checks, trimmed)
			}
		}
	}

	result, err := eng.ExecuteChecks(context.Background(), runConfig, opts)
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
	}

	encoded, encErr := json.MarshalIndent(result, "", "  ")
	if encErr != nil {
		logger.Fatal().Err(encErr).Msg("failed to encode result")
	}
	fmt.Println(string(encoded))

	if err != nil {
		os.Exit(1)
	}
}
