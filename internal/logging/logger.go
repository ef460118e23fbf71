// Package logging provides structured logging for every sessiongrid binary,
// adapted from api/internal/logger: zerolog, pretty console output in
// development, JSON in production, and per-component child loggers.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger; prefer Component() for anything tied to a
// specific subsystem.
var Log zerolog.Logger

// Init configures the global logger. Call once at the top of main().
func Init(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "sessiongrid").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a child logger tagged with component=name, e.g.
// logging.Component("scheduler"), logging.Component("node").
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Session returns a child logger tagged with sessionId, used by the manager
// and node so every transition log line carries the session id (spec §4.F:
// "each transition also emits a log entry under the session id").
func Session(base zerolog.Logger, sessionID string) zerolog.Logger {
	return base.With().Str("sessionId", sessionID).Logger()
}
