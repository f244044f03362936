package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fieldcrew/fieldsync/internal/devserver"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelEnv("FIELDSYNC_DEVSERVER_LOG_LEVEL")}))
	slog.SetDefault(logger)

	addr := os.Getenv("FIELDSYNC_DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := devserver.New(devserver.Config{
		Token:           strings.TrimSpace(os.Getenv("FIELDSYNC_DEVSERVER_TOKEN")),
		RateLimitMax:    intEnv("FIELDSYNC_DEVSERVER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("FIELDSYNC_DEVSERVER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("FIELDSYNC_DEVSERVER_MAX_BODY_BYTES", 0),
		Logger:          logger,
	})

	logger.Info("fieldsync devserver listening", "addr", addr)
	if err := http.ListenAndServe(addr, server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func levelEnv(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv(name)))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
