// Package config loads and validates the moderator's YAML configuration.
// The file is env-expanded before unmarshal, merged over built-in defaults,
// and validated once at startup. Configuration errors are fatal (exit code 1).
package config

import (
	"fmt"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	HTTPPort int `yaml:"http_port"`

	LLM           LLMConfig           `yaml:"llm"`
	Circuit       CircuitConfig       `yaml:"circuit"`
	Filter        FilterConfig        `yaml:"filter"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Patterns      PatternsConfig      `yaml:"patterns"`
	Violations    ViolationsConfig    `yaml:"violations"`
	Session       SessionConfig       `yaml:"session"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Sim           SimConfig           `yaml:"sim"`
}

// LLMConfig configures the upstream oracle client.
type LLMConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	APIKeyEnv   string `yaml:"api_key_env"` // env var holding the bearer token
	TimeoutMS   int    `yaml:"timeout_ms"`
	MaxRetries  int    `yaml:"max_retries"`
	Concurrency int    `yaml:"concurrency"`
	RetryBaseMS int    `yaml:"retry_base_ms"`
}

// Timeout returns the request hard cap as a duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryBase returns the first retry backoff step as a duration.
func (c LLMConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMS) * time.Millisecond
}

// CircuitConfig configures the LLM circuit breaker.
type CircuitConfig struct {
	FailureRatio float64 `yaml:"failure_ratio"`
	MinSamples   int     `yaml:"min_samples"`
	CooldownS    int     `yaml:"cooldown_s"`
	ProbeMax     int     `yaml:"probe_max"`
}

// Cooldown returns the open-state cooldown as a duration.
func (c CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownS) * time.Second
}

// FilterConfig configures the lightweight filter.
type FilterConfig struct {
	Enabled      *bool `yaml:"enabled"`
	WindowS      int   `yaml:"window_s"`
	MaxPerWindow int   `yaml:"max_per_window"`
}

// Window returns the sliding-window width as a duration.
func (c FilterConfig) Window() time.Duration {
	return time.Duration(c.WindowS) * time.Second
}

// IsEnabled reports the filter toggle, defaulting to on.
func (c FilterConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RateLimitConfig selects the rate-limit backing store.
type RateLimitConfig struct {
	// RedisURL selects the shared Redis backing when set; empty keeps the
	// in-process store.
	RedisURL string `yaml:"redis_url"`
}

// TemplatesConfig locates the prompt template file.
type TemplatesConfig struct {
	File    string `yaml:"file"`
	Default string `yaml:"default"`
}

// PatternsConfig locates the pattern rule file.
type PatternsConfig struct {
	File string `yaml:"file"`
}

// ViolationsConfig configures the violation store.
type ViolationsConfig struct {
	// StoreURL is the PostgreSQL connection string; empty selects the
	// in-memory store.
	StoreURL      string `yaml:"store_url"`
	RetentionDays int    `yaml:"retention_days"`
}

// Retention returns the violation retention period.
func (c ViolationsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SessionConfig configures real-time sessions.
type SessionConfig struct {
	QueueSize int `yaml:"queue_size"`
	PingS     int `yaml:"ping_s"`
}

// PingInterval returns the idle ping cadence.
func (c SessionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingS) * time.Second
}

// NotificationsConfig configures the outbound webhook sink.
type NotificationsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// IsEnabled reports the notification toggle, defaulting to on when a URL is
// configured.
func (c NotificationsConfig) IsEnabled() bool {
	if c.URL == "" {
		return false
	}
	return c.Enabled == nil || *c.Enabled
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	DeadlineMS   int     `yaml:"deadline_ms"`
	DedupWindowS int     `yaml:"dedup_window_s"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

// Deadline returns the per-message pipeline deadline.
func (c PipelineConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// DedupWindow returns the duplicate-suppression window.
func (c PipelineConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowS) * time.Second
}

// SimConfig tunes the chat traffic simulator.
type SimConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_s"`
	Users             int     `yaml:"users"`
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return &ValidationError{Field: "http_port", Reason: fmt.Sprintf("invalid port %d", c.HTTPPort)}
	}
	if c.LLM.Endpoint == "" {
		return &ValidationError{Field: "llm.endpoint", Reason: "required"}
	}
	if c.LLM.Model == "" {
		return &ValidationError{Field: "llm.model", Reason: "required"}
	}
	if c.Templates.File == "" {
		return &ValidationError{Field: "templates.file", Reason: "required"}
	}
	if c.Patterns.File == "" {
		return &ValidationError{Field: "patterns.file", Reason: "required"}
	}
	if c.Circuit.FailureRatio < 0 || c.Circuit.FailureRatio > 1 {
		return &ValidationError{Field: "circuit.failure_ratio", Reason: "must be in [0,1]"}
	}
	if c.Filter.WindowS <= 0 {
		return &ValidationError{Field: "filter.window_s", Reason: "must be positive"}
	}
	if c.Filter.MaxPerWindow <= 0 {
		return &ValidationError{Field: "filter.max_per_window", Reason: "must be positive"}
	}
	if c.Session.QueueSize <= 0 {
		return &ValidationError{Field: "session.queue_size", Reason: "must be positive"}
	}
	return nil
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
