package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/streamguard/moderator/pkg/config"
	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/templates"
)

// mapPipelineError maps pipeline errors to HTTP error responses. Boundary
// validation is the caller's fault (400); template failures are a bug class
// (500); everything else is an internal error.
func mapPipelineError(err error) *echo.HTTPError {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var cfgErr *config.ValidationError
	if errors.As(err, &cfgErr) {
		return echo.NewHTTPError(http.StatusBadRequest, cfgErr.Error())
	}
	if errors.Is(err, templates.ErrTemplateUnknown) {
		return echo.NewHTTPError(http.StatusInternalServerError, "template not registered")
	}
	var varErr *templates.VariableMissingError
	if errors.As(err, &varErr) {
		return echo.NewHTTPError(http.StatusInternalServerError, varErr.Error())
	}

	slog.Error("Unexpected pipeline error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
