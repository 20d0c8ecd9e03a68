// Package config loads the run-config document (checks, routing, limits)
// from YAML or JSON. The engine consumes only the parsed form.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/checkwave/pkg/models"
)

// Parse decodes a run-config document. YAML is a superset of JSON, so both
// serializations are accepted.
func Parse(data []byte) (*models.RunConfig, error) {
	var cfg models.RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	if len(cfg.Checks) == 0 {
		return nil, models.ErrNoChecks
	}

	for id, check := range cfg.Checks {
		if check == nil {
			return nil, fmt.Errorf("%w: check %q is empty", models.ErrInvalidConfig, id)
		}
		check.ID = id
		if err := check.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
		}
	}
	return &cfg, nil
}

// LoadFile reads and parses a run-config document from disk.
func LoadFile(path string) (*models.RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}
