package config

// TierConfig binds one execution tier to an agent invocation.
type TierConfig struct {
	Agent   string   `json:"agent"`             // Agent adapter: "command" or "mock"
	Command []string `json:"command,omitempty"` // Argv for the command adapter
	Model   string   `json:"model,omitempty"`   // Model hint passed to the agent
	Enabled bool     `json:"enabled"`           // Disabled tiers are skipped in routing and escalation
}

// Config is the top-level engine configuration.
type Config struct {
	// MaxConcurrentSteps bounds the executor pool.
	MaxConcurrentSteps int `json:"max_concurrent_steps"`
	// MaxRetries bounds backend-failure retries per tier.
	MaxRetries int `json:"max_retries"`
	// SoftRetryLimit bounds verification-failure retries per tier.
	SoftRetryLimit int `json:"soft_retry_limit"`
	// MaxDepth bounds recursive step decomposition.
	MaxDepth int `json:"max_depth"`
	// VerifyTimeoutSeconds bounds one verification command run.
	VerifyTimeoutSeconds int `json:"verify_timeout_seconds"`
	// LockWaitSeconds bounds a dynamically discovered lock wait.
	LockWaitSeconds int `json:"lock_wait_seconds"`
	// StorePath is the SQLite database location. Empty disables persistence.
	StorePath string `json:"store_path,omitempty"`
	// VerifyCommands overrides the per-category default exit commands.
	VerifyCommands map[string]string `json:"verify_commands,omitempty"`
	// Tiers binds the escalation ladder to agents, keyed by tier name.
	Tiers map[string]TierConfig `json:"tiers"`
}

// TierEnabled reports whether a tier is configured and enabled.
func (c *Config) TierEnabled(name string) bool {
	tc, ok := c.Tiers[name]
	return ok && tc.Enabled
}
