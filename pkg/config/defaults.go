package config

// defaultConfig holds the built-in defaults the loaded file is merged over.
// Values mirror the documented operational defaults.
func defaultConfig() *Config {
	return &Config{
		HTTPPort: 8080,
		LLM: LLMConfig{
			Model:       "moderation-oracle",
			TimeoutMS:   30000,
			MaxRetries:  3,
			Concurrency: 8,
			RetryBaseMS: 1000,
		},
		Circuit: CircuitConfig{
			FailureRatio: 0.5,
			MinSamples:   20,
			CooldownS:    15,
			ProbeMax:     3,
		},
		Filter: FilterConfig{
			WindowS:      60,
			MaxPerWindow: 10,
		},
		Templates: TemplatesConfig{
			Default: "moderation_prompt",
		},
		Violations: ViolationsConfig{
			RetentionDays: 90,
		},
		Session: SessionConfig{
			QueueSize: 64,
			PingS:     30,
		},
		Pipeline: PipelineConfig{
			DeadlineMS:   10000,
			DedupWindowS: 120,
			MaxTokens:    512,
			Temperature:  0.1,
		},
		Sim: SimConfig{
			MessagesPerSecond: 2,
			Users:             5,
		},
	}
}
