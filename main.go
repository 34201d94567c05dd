// ABOUTME: Entry point for the squeezelite to rendering-target bridge
// ABOUTME: Loads configuration, sets up logging and runs the application until a signal arrives
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cometdom/Squeeze2Diretta/internal/app"
	"github.com/cometdom/Squeeze2Diretta/internal/config"
	"github.com/cometdom/Squeeze2Diretta/internal/version"
)

// defaultTUILog receives logs while the status screen owns the terminal
const defaultTUILog = "squeeze2diretta.log"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args, os.LookupEnv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.Usage(stdout, "squeeze2diretta")
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		config.Usage(stderr, "squeeze2diretta")
		return 1
	}
	if cfg.Help {
		config.Usage(stdout, "squeeze2diretta")
		return 0
	}

	logger, closeLog, err := setupLogging(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger, app.WithOutput(stdout))
	if err != nil {
		logger.Error("Startup failed", slog.Any("error", err))
		return 1
	}

	if cfg.List {
		if err := a.ListTargets(ctx); err != nil {
			logger.Error("Target discovery failed", slog.Any("error", err))
			return 1
		}
		return 0
	}

	logger.Info("Starting",
		slog.String("version", version.String()),
		slog.String("player", cfg.Decoder.Name),
		slog.Int("target", cfg.Target.Index),
		slog.Float64("buffer_seconds", cfg.Bridge.BufferSeconds))

	if err := a.Run(ctx); err != nil {
		logger.Error("Bridge failed", slog.Any("error", err))
		return 1
	}
	logger.Info("Stopped")
	return 0
}

// setupLogging builds the logger. The TUI needs the terminal, so logs go to a file there.
func setupLogging(cfg *config.Config, stderr io.Writer) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Logging.Verbose {
		level = slog.LevelDebug
	}

	out := stderr
	closeFn := func() {}

	path := cfg.Logging.File
	if path == "" && cfg.TUI {
		path = defaultTUILog
	}
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}
