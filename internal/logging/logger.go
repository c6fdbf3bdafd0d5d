package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var (
	Logger *slog.Logger
	level  = new(slog.LevelVar) // dynamic level, LOG_LEVEL or SetLevel
)

func init() {
	Init()
}

// Init (re)builds the process logger from LOG_FORMAT and LOG_LEVEL.
func Init() {
	if lv, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		level.Set(lv)
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetLevel(l slog.Level) { level.Set(l) }

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", raw)
	}
}

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// With returns a component logger, e.g. logging.With("box", name).
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}
