// Command orbvoice runs the voice agent device: it waits for a begin tag,
// holds a conversation with the remote agent and returns to idle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/orbvoice/internal/app"
	"github.com/MrWong99/orbvoice/internal/config"
	"github.com/MrWong99/orbvoice/internal/health"
	"github.com/MrWong99/orbvoice/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// extraBackends registers build-tagged backends (portaudio, silero).
var extraBackends []func(*config.Registry)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "orbvoice.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "orbvoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "orbvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	slog.Info("orbvoice starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Input.Mode,
		"audio", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backends ──────────────────────────────────────────────────────────────
	reg := config.DefaultRegistry()
	for _, register := range extraBackends {
		register(reg)
	}
	for _, kind := range []string{"audio", "vad", "display", "button", "tag_reader"} {
		slog.Debug("backends available", "kind", kind, "names", reg.Names(kind))
	}

	application, err := app.New(ctx, cfg,
		app.WithRegistry(reg),
		app.WithConfigFile(*configPath),
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
	)
	if err != nil {
		slog.Error("failed to initialise device", "err", err)
		return 1
	}

	// ── Status server ─────────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		srv = startStatusServer(cfg.Server.ListenAddr, application)
	}

	slog.Info("device ready")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, app.ErrStopped) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown error", "err", err)
		}
	}
	if err := application.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func startStatusServer(addr string, a *app.App) *http.Server {
	mux := http.NewServeMux()
	health.New(
		health.WithCheckers(a.Checkers()...),
		health.WithStatus(a.Snapshot),
		health.WithMetrics(promhttp.Handler()),
	).Register(mux)

	srv := &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server error", "err", err)
		}
	}()
	return srv
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
