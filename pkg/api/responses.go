package api

import (
	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/templates"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"` // healthy | degraded | unhealthy
	Version       string `json:"version"`
	Database      string `json:"database,omitempty"`
	CircuitState  string `json:"circuit_state"`
	Subscribers   int    `json:"subscribers"`
	TemplateCount int    `json:"templates"`
}

// TemplateInfo describes one allowlisted template for GET /templates.
type TemplateInfo struct {
	Name           string                 `json:"name"`
	Version        string                 `json:"version"`
	SafetyLevel    templates.SafetyLevel  `json:"safety_level"`
	ExpectedOutput templates.OutputFormat `json:"expected_output"`
}

// TemplatesResponse is the body of GET /templates.
type TemplatesResponse struct {
	Templates []TemplateInfo `json:"templates"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Counters metrics.Snapshot `json:"counters"`
}
