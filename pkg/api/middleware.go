package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/models"
	"github.com/vexa-ai/vexa/pkg/registry"
)

const (
	apiKeyHeader   = "X-API-Key"
	adminKeyHeader = "X-Admin-API-Key"

	userContextKey = "user"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// apiKeyAuth resolves the caller from the X-API-Key header.
func (s *Server) apiKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		key := c.Request().Header.Get(apiKeyHeader)
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
		}
		user, err := s.users.Authenticate(c.Request().Context(), key)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return mapServiceError(err)
		}
		c.Set(userContextKey, user)
		return next(c)
	}
}

// adminAuth guards the admin plane with the shared admin token.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		key := c.Request().Header.Get(adminKeyHeader)
		if s.cfg.AdminAPIToken == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin token")
		}
		return next(c)
	}
}

// currentUser returns the authenticated caller set by apiKeyAuth.
func currentUser(c *echo.Context) *models.User {
	user, _ := c.Get(userContextKey).(*models.User)
	return user
}
