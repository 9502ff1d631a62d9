// Package config – loader.go handles loading configuration from YAML
// files, with .env loading and environment variable expansion so secrets
// stay out of the config file.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default} references
// in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadFromFile reads, expands, and parses a YAML configuration file.
// .env files in the working directory are loaded first (silently skipped
// if absent). The result is validated — any error is fatal at startup.
func LoadFromFile(path string) (*Config, error) {
	// Load .env before expansion so its variables are visible.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(data))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying values onto the
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with
// environment values. An unset variable without a default expands to the
// empty string; validation catches the fields that cannot be empty.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name, def := string(groups[1]), string(groups[2])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return []byte(def)
	})
}
