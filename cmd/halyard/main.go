// Command halyard is the main entry point for the Halyard conversational
// AI server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/halyard-ai/halyard/internal/app"
	"github.com/halyard-ai/halyard/internal/config"
	"github.com/halyard-ai/halyard/internal/identity"
	"github.com/halyard-ai/halyard/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	flag.Parse()

	// .env is a development convenience; a missing file is not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "halyard: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, level)
	slog.SetDefault(logger)

	logger.Info("halyard starting",
		"environment", string(cfg.Environment),
		"addr", cfg.Server.Addr,
		"pipeline_mode", cfg.Pipeline.Mode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Authenticator ─────────────────────────────────────────────────────────
	var opts []app.Option
	opts = append(opts, app.WithLogger(logger))
	if auth := buildAuthenticator(cfg); auth != nil {
		opts = append(opts, app.WithAuthenticator(auth))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		logger.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Only the log level is applied live; other sections log the change and
	// take effect on restart.
	if *configPath != "" {
		watcher, werr := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(logLevel(d.NewLogLevel))
				logger.Info("log level updated", "level", d.NewLogLevel)
			}
			if d.GuardrailsChanged || d.PolicyChanged || d.BreakerChanged || d.PipelineChanged {
				logger.Warn("config sections changed, restart to apply",
					"guardrails", d.GuardrailsChanged,
					"policy", d.PolicyChanged,
					"circuit_breaker", d.BreakerChanged,
					"pipeline", d.PipelineChanged,
				)
			}
		})
		if werr != nil {
			logger.Warn("config watcher disabled", "err", werr)
		} else {
			defer watcher.Stop()
		}
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("run error", "err", err)
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// buildAuthenticator returns the WorkOS verifier when identity is configured.
// Nil lets the app fall back to the development bypass.
func buildAuthenticator(cfg *config.Config) ws.Authenticator {
	id := cfg.Identity
	if id.ClientID == "" && id.Issuer == "" {
		return nil
	}
	return identity.New(id.Issuer, id.ClientID, id.Audience)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func logLevel(name string) slog.Level {
	switch name {
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

func newLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
