// Command telescope is the main entrypoint for the live-stream notification
// watcher. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Redis, which holds the subscription ledger.
//   - Starts the watcher loop polling Bilibili Live and Twitter Spaces for
//     session transitions and delivering Telegram notifications.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and
//     the subscription admin API.
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

	"github.com/telescope-bot/telescope/bilibili"
	"github.com/telescope-bot/telescope/config"
	"github.com/telescope-bot/telescope/ledger"
	"github.com/telescope-bot/telescope/platform"
	"github.com/telescope-bot/telescope/server"
	"github.com/telescope-bot/telescope/telegram"
	"github.com/telescope-bot/telescope/telemetry"
	"github.com/telescope-bot/telescope/twitterspace"
	"github.com/telescope-bot/telescope/watcher"
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
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateNotifyReady(); err != nil {
		slog.Error("notification config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("telescope", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	client, err := ledger.Connect(ledger.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		slog.Error("failed to connect to redis", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("failed to close redis client", slog.Any("err", err))
		}
	}()
	led := ledger.New(client)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := led.Ping(pingCtx); err != nil {
		slog.Warn("redis not reachable at startup, continuing", slog.Any("err", err))
	}
	pingCancel()

	// Platform adapters. Twitter Spaces needs account cookies; without
	// them only Bilibili is watched.
	adapters := []platform.Adapter{bilibili.NewClient()}
	if err := cfg.ValidateTwitterReady(); err == nil {
		adapters = append(adapters, twitterspace.NewClient(cfg.TwitterAuthToken, cfg.TwitterCSRFToken))
	} else {
		slog.Warn("twitter spaces disabled", slog.Any("err", err))
	}
	registry := platform.NewRegistry(adapters...)

	notifier := telegram.NewClient(cfg.TelegramBotToken)

	w := watcher.New(led, notifier, registry, cfg.PollInterval)
	go w.Run(ctx)

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

	go func() {
		if err := server.Start(ctx, server.Deps{Store: led, Watcher: w, Registry: registry}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
