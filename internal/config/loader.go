package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration. Precedence, highest first: project
// config, global config, defaults. Missing files are skipped; malformed JSON
// is an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads from the conventional paths: the XDG config directory
// globally and .stepflow/config.json in the working directory.
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "stepflow", "config.json")
	projectPath := filepath.Join(".stepflow", "config.json")
	return Load(globalPath, projectPath)
}

// fileConfig mirrors Config with pointer scalars so a merge can tell "absent"
// from "zero".
type fileConfig struct {
	MaxConcurrentSteps   *int                  `json:"max_concurrent_steps"`
	MaxRetries           *int                  `json:"max_retries"`
	SoftRetryLimit       *int                  `json:"soft_retry_limit"`
	MaxDepth             *int                  `json:"max_depth"`
	VerifyTimeoutSeconds *int                  `json:"verify_timeout_seconds"`
	LockWaitSeconds      *int                  `json:"lock_wait_seconds"`
	StorePath            *string               `json:"store_path"`
	VerifyCommands       map[string]string     `json:"verify_commands"`
	Tiers                map[string]TierConfig `json:"tiers"`
}

// mergeConfigFile layers one JSON file onto base. Scalars present in the file
// replace the base value; tier and verify-command entries merge by key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.MaxConcurrentSteps != nil {
		base.MaxConcurrentSteps = *loaded.MaxConcurrentSteps
	}
	if loaded.MaxRetries != nil {
		base.MaxRetries = *loaded.MaxRetries
	}
	if loaded.SoftRetryLimit != nil {
		base.SoftRetryLimit = *loaded.SoftRetryLimit
	}
	if loaded.MaxDepth != nil {
		base.MaxDepth = *loaded.MaxDepth
	}
	if loaded.VerifyTimeoutSeconds != nil {
		base.VerifyTimeoutSeconds = *loaded.VerifyTimeoutSeconds
	}
	if loaded.LockWaitSeconds != nil {
		base.LockWaitSeconds = *loaded.LockWaitSeconds
	}
	if loaded.StorePath != nil {
		base.StorePath = *loaded.StorePath
	}
	for key, cmd := range loaded.VerifyCommands {
		if base.VerifyCommands == nil {
			base.VerifyCommands = make(map[string]string)
		}
		base.VerifyCommands[key] = cmd
	}
	for key, tc := range loaded.Tiers {
		base.Tiers[key] = tc
	}
	return nil
}
