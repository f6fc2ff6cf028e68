package config

// DefaultConfig returns the built-in configuration: a full escalation ladder
// with conservative retry budgets.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentSteps:   4,
		MaxRetries:           3,
		SoftRetryLimit:       2,
		MaxDepth:             5,
		VerifyTimeoutSeconds: 300,
		LockWaitSeconds:      120,
		Tiers: map[string]TierConfig{
			"local": {
				Agent:   "command",
				Command: []string{"stepflow-agent"},
				Model:   "local",
				Enabled: true,
			},
			"standard": {
				Agent:   "command",
				Command: []string{"stepflow-agent"},
				Model:   "standard",
				Enabled: true,
			},
			"premium": {
				Agent:   "command",
				Command: []string{"stepflow-agent"},
				Model:   "premium",
				Enabled: true,
			},
		},
	}
}
