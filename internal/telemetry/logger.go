package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured logger that writes JSON to stdout.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// NewRotatingLogger creates a JSON logger that writes to stdout and to a
// size-rotated file under dir (10 MiB per file, 3 backups).
func NewRotatingLogger(level, dir, filename string) (*slog.Logger, func() error) {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, rotator), &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler), rotator.Close
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
