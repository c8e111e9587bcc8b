// vexad is the bot-orchestration control plane: the public HTTP API,
// the worker lifecycle manager, and the background reaper.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vexa-ai/vexa/pkg/api"
	"github.com/vexa-ai/vexa/pkg/bot"
	"github.com/vexa-ai/vexa/pkg/commandbus"
	"github.com/vexa-ai/vexa/pkg/config"
	"github.com/vexa-ai/vexa/pkg/database"
	"github.com/vexa-ai/vexa/pkg/lifecycle"
	"github.com/vexa-ai/vexa/pkg/registry"
	"github.com/vexa-ai/vexa/pkg/storage"
	"github.com/vexa-ai/vexa/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting vexad",
		"http_port", cfg.HTTPPort,
		"orchestrator", cfg.Orchestrator,
		"storage_backend", cfg.Storage.Backend)

	ctx := context.Background()

	// 1. Database (runs migrations on connect).
	db, err := database.NewClient(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL, migrations applied")

	pool := db.Pool()
	users := registry.NewUserStore(pool)
	meetings := registry.NewMeetingStore(pool)
	transcripts := registry.NewTranscriptStore(pool)
	recordings := registry.NewRecordingStore(pool)

	// 2. Command bus.
	bus, err := commandbus.NewFromURL(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	if err := bus.Ping(ctx); err != nil {
		logger.Error("Redis ping failed", "error", err)
		os.Exit(1)
	}

	// 3. Recording blob store.
	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// 4. Worker substrate. The leave hook is the soft half of Stop.
	leave := func(ctx context.Context, meetingID int64) error {
		return bus.Publish(ctx, commandbus.Leave(meetingID, "stop_requested"))
	}

	var orch bot.Orchestrator
	var procOrch *bot.ProcessOrchestrator
	switch cfg.Orchestrator {
	case config.OrchestratorProcess:
		statePath := getEnv("BOT_STATE_FILE", "/var/lib/vexa/workers.json")
		procOrch, err = bot.NewProcessOrchestrator(
			cfg.BotCommand, cfg.BotWorkDir, statePath, cfg.MaxWorkers, leave, logger)
		if err != nil {
			logger.Error("Failed to initialize process orchestrator", "error", err)
			os.Exit(1)
		}
		orch = procOrch
	default:
		orch, err = bot.NewDockerOrchestrator(
			cfg.BotImage, cfg.DockerNetwork, cfg.MaxWorkers, leave, logger)
		if err != nil {
			logger.Error("Failed to initialize docker orchestrator", "error", err)
			os.Exit(1)
		}
	}

	// 5. Webhook dispatcher.
	webhooks := webhook.NewDispatcher(cfg.Webhook, meetings, logger)
	webhooks.Start()
	defer webhooks.Stop()

	// 6. Lifecycle manager.
	manager := lifecycle.NewManager(cfg.Lifecycle, meetings, users, recordings, orch, bus, webhooks,
		lifecycle.WorkerEndpoints{
			CallbackBaseURL: cfg.CallbackBaseURL,
			RedisURL:        cfg.RedisURL,
			TranscriberURL:  cfg.TranscriberURL,
		}, logger)
	if procOrch != nil {
		procOrch.SetExitHandler(manager.HandleWorkerExit)
	}

	// 7. Startup reconciliation: converge DB state and substrate state.
	if err := manager.Reconcile(ctx); err != nil {
		logger.Error("Startup reconciliation failed", "error", err)
		// Non-fatal, the reaper converges the rest.
	}

	// 8. Transcription sink reachability probe. Bots that cannot reach
	// the sink produce silent meetings, so fail loudly at startup.
	if !cfg.SkipTranscriptionCheck {
		if err := probeTranscriber(cfg.TranscriberURL); err != nil {
			logger.Error("Transcription sink unreachable, set SKIP_TRANSCRIPTION_CHECK=true to bypass",
				"url", cfg.TranscriberURL, "error", err)
			os.Exit(1)
		}
		logger.Info("Transcription sink reachable", "url", cfg.TranscriberURL)
	}

	// 9. Background reaper.
	reaper := lifecycle.NewReaper(cfg.Lifecycle, manager, meetings, bus, logger)
	reaper.Start(ctx)
	defer reaper.Stop()

	// 10. Transcript retention loop.
	retentionStop := make(chan struct{})
	if cfg.Retention.TranscriptRetention > 0 {
		go runRetention(ctx, cfg.Retention, transcripts, logger, retentionStop)
	}

	// 11. HTTP server.
	server := api.NewServer(*cfg, db, users, meetings, transcripts, recordings,
		manager, bus, store, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("vexad started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	close(retentionStop)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}

// probeTranscriber checks TCP reachability of the transcription sink.
// The sink speaks websocket, so a full handshake is not attempted here.
func probeTranscriber(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	conn, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// runRetention periodically deletes transcript segments of terminal
// meetings older than the configured horizon.
func runRetention(ctx context.Context, cfg config.RetentionConfig,
	transcripts *registry.TranscriptStore, logger *slog.Logger, stop <-chan struct{}) {

	interval := fmt.Sprintf("%d seconds", int64(cfg.TranscriptRetention.Seconds()))
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := transcripts.DeleteOlderThan(ctx, interval)
			if err != nil {
				logger.Error("Transcript retention cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Transcript retention cleanup", "deleted_segments", n)
			}
		}
	}
}
