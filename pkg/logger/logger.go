// Package logger holds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Stdout)
}

// New builds a logger for the given environment. Production gets JSON on w,
// everything else gets a console writer on stderr.
func New(env string, w io.Writer) zerolog.Logger {
	l := zerolog.New(w).
		With().
		Timestamp().
		Logger()

	if env != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l
}

// Configure replaces the global logger once the configuration is known.
// An unparsable level falls back to info.
func Configure(level, env string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	Log = New(env, os.Stdout).Level(lvl)
	return Log
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
