// Package logging configures the process-wide slog logger. Components obtain
// their own logger via slog.Default().With("component", ...).
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Config controls the global logger.
type Config struct {
	Level  string `toml:"level" json:"level"`   // debug, info, warn, error
	Format string `toml:"format" json:"format"` // text or json
	File   string `toml:"file" json:"file"`     // optional log file, stdout always kept
}

// DefaultConfig returns sensible logging defaults
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
	}
}

// StringToLevel converts a string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info", "":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	mu      sync.Mutex
	logFile *os.File
)

// Initialize sets up the default logger per config. Call once at startup.
func Initialize(config Config) {
	mu.Lock()
	defer mu.Unlock()

	level, err := StringToLevel(config.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", config.Level)
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if config.File != "" {
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only",
				"file", config.File, "error", err)
		} else {
			logFile = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Debug("logging initialized", "log_level", LevelToString(level))
}

// Close flushes and closes the log file if one was opened
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
