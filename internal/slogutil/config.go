package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/javi11/metafs/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a configured level name to a slog level. Unknown names map
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogRotation configures slog with log rotation using lumberjack
// If logConfig.File is empty, it logs to console only
// If logConfig.File is configured, it logs to both console and file
// The returned leveler changes the level of the returned logger at runtime.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	return setupLogger(os.Stdout, logConfig)
}

func setupLogger(console io.Writer, logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	writer := console

	// If log file is configured, set up dual logging (console + file with rotation)
	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSize,    // MB
			MaxBackups: logConfig.MaxBackups, // number of old files
			MaxAge:     logConfig.MaxAge,     // days
			Compress:   logConfig.Compress,   // compress old files
		}
		// Use io.MultiWriter to write to both console and file
		writer = io.MultiWriter(console, fileWriter)
	}

	// LOG_LEVEL from the environment wins over the file
	level := logConfig.Level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}

	leveler := NewDynamicLeveler(ParseLevel(level))

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: leveler,
	})

	// Wrap handler to support context data extraction
	return slog.New(WrapHandler(handler)), leveler
}
