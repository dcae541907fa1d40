// Package logging configures the process-wide zerolog logger. Components take
// child loggers via logger.With().Str("component", ...) so every line carries
// its origin.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"capguard/config"

	"github.com/rs/zerolog"
)

// New builds the root logger from configuration.
func New(cfg config.LoggingConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
