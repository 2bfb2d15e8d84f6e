package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/orchestrator"
	"github.com/streamguard/moderator/pkg/version"
)

// moderateHandler handles POST /moderate: the full pipeline, synchronous,
// returning the ProcessedEvent.
func (s *Server) moderateHandler(c *echo.Context) error {
	var req ModerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}
	if req.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id field is required")
	}
	// Template selection is validated against the server-side allowlist at
	// the boundary; free-form names never reach the registry.
	if req.TemplateName != "" && !s.templates.Has(req.TemplateName) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("template %q is not allowlisted", req.TemplateName))
	}

	event, err := s.orchestrator.Moderate(c.Request().Context(), req.toMessage(), orchestrator.Options{
		TemplateName: req.TemplateName,
	})
	if err != nil {
		return mapPipelineError(err)
	}
	return c.JSON(http.StatusOK, event)
}

// filterHandler handles POST /filter: the lightweight filter alone.
func (s *Server) filterHandler(c *echo.Context) error {
	var req FilterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}

	ts := time.Now()
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	outcome := s.filter.Evaluate(c.Request().Context(), &models.IncomingMessage{
		MessageID: models.NewMessageID(),
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		Body:      req.Message,
		Timestamp: ts,
	})
	return c.JSON(http.StatusOK, outcome)
}

// decideHandler handles POST /decide: feeds a pre-made verdict straight into
// the decision stage, for replay and testing.
func (s *Server) decideHandler(c *echo.Context) error {
	var req DecideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id field is required")
	}
	if req.ChannelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel_id field is required")
	}
	if !req.Verdict.Decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("invalid verdict decision %q", req.Verdict.Decision))
	}

	id := req.MessageID
	if id == "" {
		id = models.NewMessageID()
	}
	msg := &models.IncomingMessage{
		MessageID: id,
		UserID:    req.UserID,
		ChannelID: req.ChannelID,
		Body:      req.Message,
		Timestamp: time.Now(),
	}
	outcome := models.FilterOutcome{ShouldProcess: true, Decision: models.FilterPass}
	if req.FilterOutcome != nil {
		outcome = *req.FilterOutcome
	}

	event := s.decisions.Handle(c.Request().Context(), msg, outcome, req.Verdict, time.Now())
	return c.JSON(http.StatusOK, event)
}

// templatesHandler handles GET /templates: the allowlisted template set.
func (s *Server) templatesHandler(c *echo.Context) error {
	resp := TemplatesResponse{Templates: make([]TemplateInfo, 0, s.templates.Len())}
	for _, name := range s.templates.Names() {
		tpl, err := s.templates.Get(name)
		if err != nil {
			continue
		}
		resp.Templates = append(resp.Templates, TemplateInfo{
			Name:           tpl.Name,
			Version:        tpl.Version,
			SafetyLevel:    tpl.SafetyLevel,
			ExpectedOutput: tpl.ExpectedOutput,
		})
	}
	return c.JSON(http.StatusOK, &resp)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		CircuitState:  s.llmClient.BreakerState().String(),
		Subscribers:   s.hub.TotalSubscribers(),
		TemplateCount: s.templates.Len(),
	}

	if s.db != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(reqCtx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "unreachable"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.Database = "healthy"
	}

	// An open circuit is degraded, not down: the pipeline still answers with
	// fallback verdicts.
	if s.llmClient.BreakerState().String() == "open" {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &MetricsResponse{Counters: s.metrics.Snapshot()})
}
