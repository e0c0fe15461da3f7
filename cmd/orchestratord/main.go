package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentworkbench/internal/bridge"
	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/config"
	"github.com/ashureev/agentworkbench/internal/httpapi"
	"github.com/ashureev/agentworkbench/internal/lifecycle"
	"github.com/ashureev/agentworkbench/internal/msgstore"
	"github.com/ashureev/agentworkbench/internal/mux"
	"github.com/ashureev/agentworkbench/internal/registry"
	"github.com/ashureev/agentworkbench/internal/sse"
	"github.com/ashureev/agentworkbench/internal/telemetry"
	"github.com/ashureev/agentworkbench/internal/throttle"
	"github.com/ashureev/agentworkbench/internal/toolrpc"
	"github.com/ashureev/agentworkbench/internal/wschat"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting orchestrator", "port", cfg.Port, "dev", cfg.IsDevelopment(), "mux_backend", cfg.Session.MuxBackend)

	shutdownTelemetry := telemetry.Setup("agentworkbench")
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	b := bus.New(256)

	var mx mux.Adapter
	switch cfg.Session.MuxBackend {
	case "docker":
		mx, err = mux.NewDockerAdapter("")
	default:
		mx = mux.NewTmuxAdapter("tmux", cfg.Session.MuxCallTimeout)
	}
	if err != nil {
		slog.Error("Failed to initialize mux adapter", "error", err)
		os.Exit(1)
	}
	slog.Info("Mux adapter initialized", "backend", cfg.Session.MuxBackend)

	reg, err := registry.New(cfg.Session.RegistryPath, cfg.Session.IndexDBPath, b)
	if err != nil {
		slog.Error("Failed to initialize session registry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			slog.Error("Failed to close registry", "error", err)
		}
	}()

	lc := lifecycle.New(reg, mx, cfg.Session.MaxSessions, cfg.Session.DefaultLLMCommand)

	if err := reg.Load(context.Background(), func(ctx context.Context, muxSession string) bool {
		alive, err := mx.HasSession(ctx, muxSession)
		return err == nil && alive
	}); err != nil {
		slog.Error("Failed to load session registry snapshot", "error", err)
		os.Exit(1)
	}
	slog.Info("Session registry loaded")

	th := throttle.New(cfg.Throttle.FlushIntervalMs, cfg.Throttle.MaxBatchSize, cfg.Throttle.PersistLogs, cfg.Throttle.LogDir)
	defer th.Shutdown()

	store, err := msgstore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize message store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close message store", "error", err)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("Message store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Message store connected")

	var convLog *bridge.ConversationLogger
	if os.Getenv("ORCH_CONVERSATION_LOG_ENABLED") != "" {
		convLog, err = bridge.NewConversationLogger(bridge.ConversationLogConfig{
			Enabled:   true,
			Dir:       cfg.Throttle.LogDir,
			QueueSize: 256,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize conversation logger", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := convLog.Close(); err != nil {
				slog.Error("Failed to close conversation logger", "error", err)
			}
		}()
		slog.Info("Conversation logger enabled", "dir", cfg.Throttle.LogDir)
	}

	br := bridge.New(reg, lc, mx, b, th, convLog, 200*time.Millisecond, 4096)

	chat := wschat.New(wschat.Config{
		AuthTimeout:       cfg.WS.AuthTimeout,
		MessageRatePerMin: cfg.WS.MessageRatePerMin,
		TypingRatePerMin:  cfg.WS.TypingRatePerMin,
		APIKeys:           cfg.WS.APIKeys,
	}, br, store, logger)

	events := sse.New(b, sse.Config{KeepaliveInterval: cfg.SSE.KeepaliveInterval}, logger)

	tools := toolrpc.New(store, b, nil, logger)

	api := httpapi.New(br, store, b, chat, events, tools)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(httpapi.CORS(allowedOrigins))

	api.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, required for SSE and WebSocket streams.
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc.StartIdleReaper(ctx, cfg.Session.IdleTTL, cfg.Session.ReaperInterval)
	slog.Info("Idle reaper started", "ttl", cfg.Session.IdleTTL, "interval", cfg.Session.ReaperInterval)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
