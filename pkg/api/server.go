// Package api is the HTTP surface of the control plane: the public
// bot/meeting API, the admin plane, and the worker callback plane.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vexa-ai/vexa/pkg/commandbus"
	"github.com/vexa-ai/vexa/pkg/config"
	"github.com/vexa-ai/vexa/pkg/database"
	"github.com/vexa-ai/vexa/pkg/lifecycle"
	"github.com/vexa-ai/vexa/pkg/registry"
	"github.com/vexa-ai/vexa/pkg/storage"
)

// Server carries the handler dependencies and the echo instance.
type Server struct {
	cfg         config.Config
	db          *database.Client
	users       *registry.UserStore
	meetings    *registry.MeetingStore
	transcripts *registry.TranscriptStore
	recordings  *registry.RecordingStore
	manager     *lifecycle.Manager
	bus         *commandbus.Bus
	store       storage.Store
	logger      *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the HTTP server and registers all routes.
func NewServer(
	cfg config.Config,
	db *database.Client,
	users *registry.UserStore,
	meetings *registry.MeetingStore,
	transcripts *registry.TranscriptStore,
	recordings *registry.RecordingStore,
	manager *lifecycle.Manager,
	bus *commandbus.Bus,
	store storage.Store,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		db:          db,
		users:       users,
		meetings:    meetings,
		transcripts: transcripts,
		recordings:  recordings,
		manager:     manager,
		bus:         bus,
		store:       store,
		logger:      logger.With("component", "api"),
	}
	s.echo = echo.New()
	s.registerRoutes(s.echo)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	// Worker callback plane, authenticated by the per-meeting token.
	e.POST("/bots/internal/callback/:meeting_id", s.workerCallbackHandler)
	e.POST("/bots/internal/recording/:meeting_id", s.recordingUploadHandler)

	// Public plane, authenticated by per-user API key.
	v := e.Group("", s.apiKeyAuth)
	v.POST("/bots", s.dispatchBotHandler)
	v.GET("/bots/status", s.botStatusHandler)
	v.DELETE("/bots/:platform/:native_id", s.stopBotHandler)
	v.PUT("/bots/:platform/:native_id/config", s.reconfigureBotHandler)

	v.POST("/bots/:platform/:native_id/speak", s.speakHandler)
	v.DELETE("/bots/:platform/:native_id/speak", s.speakStopHandler)
	v.POST("/bots/:platform/:native_id/chat", s.chatSendHandler)
	v.POST("/bots/:platform/:native_id/screen", s.screenShowHandler)
	v.DELETE("/bots/:platform/:native_id/screen", s.screenStopHandler)
	v.POST("/bots/:platform/:native_id/avatar", s.avatarSetHandler)
	v.DELETE("/bots/:platform/:native_id/avatar", s.avatarResetHandler)

	v.GET("/meetings", s.listMeetingsHandler)
	v.GET("/meetings/:platform/:native_id", s.getMeetingHandler)
	v.PATCH("/meetings/:platform/:native_id", s.patchMeetingDataHandler)
	v.DELETE("/meetings/:platform/:native_id", s.anonymizeMeetingHandler)

	v.GET("/transcripts/:platform/:native_id", s.getTranscriptHandler)

	v.GET("/recordings/:id", s.getRecordingHandler)
	v.DELETE("/recordings/:id", s.deleteRecordingHandler)
	v.GET("/recordings/:id/media/:file_id/raw", s.recordingMediaHandler)

	// Admin plane, authenticated by the shared admin token.
	a := e.Group("/admin", s.adminAuth)
	a.POST("/users", s.createUserHandler)
	a.GET("/users", s.listUsersHandler)
	a.GET("/users/:id", s.getUserHandler)
	a.PATCH("/users/:id", s.updateUserHandler)
	a.POST("/users/:id/tokens", s.createTokenHandler)
	a.GET("/users/:id/tokens", s.listTokensHandler)
	a.DELETE("/users/:id/tokens/:token_id", s.deleteTokenHandler)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
