package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Load reads a YAML config file, expands environment variables, applies
// Q4D_* environment overrides and fills defaults. An empty path loads from
// the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}

		expanded, err := ExpandEnv(string(data))
		if err != nil {
			return nil, fmt.Errorf("in %s: %w", path, err)
		}

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}
