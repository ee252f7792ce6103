// Command hermes is the Hermes AI API gateway.
//
// It presents a single OpenAI-compatible HTTP surface and multiplexes
// requests across every configured upstream provider, choosing the
// healthiest candidate per model and learning from each outcome.
//
// Quick-start:
//
//	HERMES_SECRET=change-me ./hermes
//
// Configuration is read from environment variables, an optional .env file,
// and an optional config.yaml in the working directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hermesproj/hermes/internal/app"
	"github.com/hermesproj/hermes/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

// Exit codes: 0 clean, 1 bootstrap/runtime error, 2 invalid configuration.
const (
	exitBootstrap = 1
	exitConfig    = 2
)

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — a validation failure is a config error, not a
	// bootstrap error.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(exitBootstrap)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("hermes stopped", slog.String("error", err.Error()))
		os.Exit(exitBootstrap)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
