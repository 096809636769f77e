package main

import (
	"log/slog"
	"os"

	"github.com/arksine/katapult-flashtool/internal/logging"
)

func setupLogger(cfg *appConfig) *slog.Logger {
	level := cfg.logLevel
	if level == "" {
		// Matches the tool's historical behavior: quiet unless --verbose.
		if cfg.verbose {
			level = "debug"
		} else {
			level = "error"
		}
	}
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelError
	}
	l := logging.New(cfg.logFormat, lvl, os.Stderr).With("app", "flashtool")
	logging.Set(l)
	return l
}
