// Command cast-tender is the SillyTavern/Dreamcord character bridge daemon.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Bootstraps presence sockets for every override that wants one and
//     starts the recurring responder poll.
//   - Exposes the HTTP control surface: health, config, character preview
//     and overrides, presence/responder status, sync runs, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/cast-tender/config"
	"github.com/onnwee/cast-tender/crypto"
	"github.com/onnwee/cast-tender/db"
	"github.com/onnwee/cast-tender/dreamcord"
	"github.com/onnwee/cast-tender/nomi"
	"github.com/onnwee/cast-tender/presence"
	"github.com/onnwee/cast-tender/replygen"
	"github.com/onnwee/cast-tender/responder"
	"github.com/onnwee/cast-tender/server"
	"github.com/onnwee/cast-tender/store"
	"github.com/onnwee/cast-tender/syncer"
	"github.com/onnwee/cast-tender/tavern"
	"github.com/onnwee/cast-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBridgeReady(); err != nil {
		// The control surface still comes up so operators can inspect
		// /config; sync and presence refuse to run until env is filled.
		slog.Warn("bridge not fully configured", slog.Any("err", err))
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("cast-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	var encryptor crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		encryptor = enc
	} else {
		slog.Warn("ENCRYPTION_KEY not set; stored credentials are not encrypted at rest")
	}
	st := store.New(database, encryptor)

	// Upstream clients
	tavernClient := &tavern.Client{
		BaseURL:       cfg.TavernBaseURL,
		APIKey:        cfg.TavernAPIKey,
		Username:      cfg.TavernUsername,
		Password:      cfg.TavernPassword,
		CharactersURL: cfg.TavernCharactersURL,
	}
	adminClient := &dreamcord.AdminClient{
		BaseURL:       cfg.DreamcordBaseURL,
		Username:      cfg.AdminUsername,
		Password:      cfg.AdminPassword,
		TwoFactorCode: cfg.Admin2FACode,
	}
	botClient := &dreamcord.BotClient{BaseURL: cfg.DreamcordBaseURL}

	engine := &syncer.Engine{
		Source:           tavernClient,
		Registry:         adminClient,
		Store:            st,
		Poster:           syncer.BotPoster{Client: botClient, Token: cfg.BotToken},
		SourceLabel:      cfg.SourceLabel,
		DefaultChannelID: cfg.DefaultTargetChannelID,
	}

	chain := &replygen.Chain{
		Nomi:        &nomi.Client{BaseURL: cfg.NomiBaseURL},
		Tavern:      tavernClient,
		LocalLLMURL: cfg.LocalLLMURL,
		LocalModel:  cfg.LocalLLMModel,
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Presence: reconnect every override that wants a live socket
	manager := presence.NewManager(dreamcord.ResolveSocketURL(cfg.DreamcordBaseURL, cfg.DreamcordSocketURL))
	manager.ReconnectDelay = cfg.PresenceReconnectDelay
	defer manager.Shutdown()
	if overrides, err := st.Overrides(ctx); err != nil {
		slog.Warn("presence bootstrap skipped, could not load overrides", slog.Any("err", err))
	} else {
		manager.Bootstrap(overrides)
	}

	// Responder poll
	loop := responder.NewLoop(st, botClient, chain)
	loop.Interval = cfg.ResponderPollInterval
	loop.Start(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP control surface
	handlers := server.NewHandlers(cfg, database, st, engine, manager, loop, tavernClient, adminClient)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
