package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/wsrelay/internal/server"
)

func main() {
	config, err := server.NewConfigFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(config.Log.Level, config.Log.Format)
	slog.SetDefault(logger)

	svc := server.NewService(config, server.WithLogger(logger))

	mux, err := server.SetupRoutes(svc)
	if err != nil {
		logger.Error("failed to set up routes", "error", err)
		os.Exit(1)
	}

	httpServer := server.CreateServer(config.Port, mux)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("received shutdown signal", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.ShutdownServer(ctx, httpServer, svc); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return
	}
	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
