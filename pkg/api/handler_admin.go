package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/registry"
)

func pathID(c *echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusUnprocessableEntity, name+" must be numeric")
	}
	return id, nil
}

// createUserHandler handles POST /admin/users.
func (s *Server) createUserHandler(c *echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user, err := s.users.Create(c.Request().Context(), req.Email, req.Name, req.MaxConcurrentBots)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, user)
}

// listUsersHandler handles GET /admin/users.
func (s *Server) listUsersHandler(c *echo.Context) error {
	users, err := s.users.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, users)
}

// getUserHandler handles GET /admin/users/:id.
func (s *Server) getUserHandler(c *echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	user, err := s.users.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user)
}

// updateUserHandler handles PATCH /admin/users/:id.
func (s *Server) updateUserHandler(c *echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user, err := s.users.Update(c.Request().Context(), id, registry.UserPatch{
		Name:              req.Name,
		MaxConcurrentBots: req.MaxConcurrentBots,
		WebhookURL:        req.WebhookURL,
		WebhookSecret:     req.WebhookSecret,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user)
}

// createTokenHandler handles POST /admin/users/:id/tokens.
func (s *Server) createTokenHandler(c *echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	// Reject unknown users up front; the insert would only see an FK error.
	if _, err := s.users.Get(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	token, err := s.users.CreateToken(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, token)
}

// listTokensHandler handles GET /admin/users/:id/tokens.
func (s *Server) listTokensHandler(c *echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	tokens, err := s.users.ListTokens(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tokens)
}

// deleteTokenHandler handles DELETE /admin/users/:id/tokens/:token_id.
func (s *Server) deleteTokenHandler(c *echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	tokenID, err := pathID(c, "token_id")
	if err != nil {
		return err
	}
	if err := s.users.DeleteToken(c.Request().Context(), id, tokenID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
