// Package logging wires up zerolog the way the rest of this codebase's
// ancestry does: pretty console output in development, structured JSON
// once debug is off.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger and returns a component
// logger scoped to "sidecar". debug selects the console writer; level
// is parsed leniently and falls back to info on a bad value.
func Setup(debug bool, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var out zerolog.Logger
	if debug {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	log.Logger = out
	return out.With().Str("component", "sidecar").Logger()
}
