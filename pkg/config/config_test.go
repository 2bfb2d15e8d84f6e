package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moderator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
llm:
  endpoint: http://localhost:9000/v1/chat/completions
templates:
  file: /etc/moderator/templates.yaml
patterns:
  file: /etc/moderator/patterns.yaml
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout())
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 8, cfg.LLM.Concurrency)
	assert.Equal(t, 0.5, cfg.Circuit.FailureRatio)
	assert.Equal(t, 20, cfg.Circuit.MinSamples)
	assert.Equal(t, 15*time.Second, cfg.Circuit.Cooldown())
	assert.Equal(t, 60*time.Second, cfg.Filter.Window())
	assert.Equal(t, 10, cfg.Filter.MaxPerWindow)
	assert.Equal(t, 64, cfg.Session.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Session.PingInterval())
	assert.Equal(t, 90*24*time.Hour, cfg.Violations.Retention())
	assert.Equal(t, "moderation_prompt", cfg.Templates.Default)
	assert.True(t, cfg.Filter.IsEnabled())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
http_port: 9999
filter:
  window_s: 120
  max_per_window: 5
`))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.Equal(t, 120*time.Second, cfg.Filter.Window())
	assert.Equal(t, 5, cfg.Filter.MaxPerWindow)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_LLM_ENDPOINT", "http://upstream:8000/v1")

	cfg, err := Load(writeConfig(t, `
llm:
  endpoint: ${TEST_LLM_ENDPOINT}
templates:
  file: ${TEST_TEMPLATE_FILE:-/etc/moderator/templates.yaml}
patterns:
  file: /etc/moderator/patterns.yaml
`))
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:8000/v1", cfg.LLM.Endpoint)
	assert.Equal(t, "/etc/moderator/templates.yaml", cfg.Templates.File)
}

func TestLoad_MissingEnvVarFails(t *testing.T) {
	_, err := Load(writeConfig(t, `
llm:
  endpoint: ${DEFINITELY_UNSET_VAR_12345}
templates:
  file: /etc/t.yaml
patterns:
  file: /etc/p.yaml
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_UNSET_VAR_12345")
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		field  string
	}{
		{"missing endpoint", `
templates: {file: /t.yaml}
patterns: {file: /p.yaml}
`, "llm.endpoint"},
		{"missing template file", `
llm: {endpoint: http://x}
patterns: {file: /p.yaml}
`, "templates.file"},
		{"bad port", minimalConfig + "\nhttp_port: 99999\n", "http_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNotifications_Toggle(t *testing.T) {
	off := false
	cfg := NotificationsConfig{URL: "http://sink", Enabled: &off}
	assert.False(t, cfg.IsEnabled())

	cfg = NotificationsConfig{URL: "http://sink"}
	assert.True(t, cfg.IsEnabled())

	cfg = NotificationsConfig{}
	assert.False(t, cfg.IsEnabled(), "no URL means disabled regardless of toggle")
}

func TestExpandEnv_Defaults(t *testing.T) {
	out, err := expandEnv("value: ${UNSET_WITH_DEFAULT:-fallback}")
	require.NoError(t, err)
	assert.Equal(t, "value: fallback", out)

	t.Setenv("SET_VAR", "real")
	out, err = expandEnv("value: ${SET_VAR:-fallback}")
	require.NoError(t, err)
	assert.Equal(t, "value: real", out)
}
