package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/registry"
)

// mapServiceError maps registry and lifecycle errors to HTTP error
// responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *registry.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	var limitErr *registry.ConcurrencyLimitError
	if errors.As(err, &limitErr) {
		return echo.NewHTTPError(http.StatusTooManyRequests, limitErr.Error())
	}
	var transErr *registry.InvalidTransitionError
	if errors.As(err, &transErr) {
		return echo.NewHTTPError(http.StatusConflict, transErr.Error())
	}
	if errors.Is(err, registry.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, registry.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "an active meeting already exists for this platform and meeting id")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
