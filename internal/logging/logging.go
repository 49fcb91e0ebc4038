// Package logging initializes the process-wide structured logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the zerolog logger with the specified debug mode and output format.
func InitLogger(debug, human bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano                 // always initialize base logger with timestamp.
	base := zerolog.New(os.Stdout).With().Timestamp().Logger() // initialize base logger.
	if human {
		log.Logger = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339Nano,
		}) // select output format.
	} else {
		log.Logger = base // use JSON logger.
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel) // set debug level.
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel) // set info level.
	}
}

// LogInvocation logs a plugin action dispatch with structured fields.
func LogInvocation(
	plugin string,
	action string,
	duration time.Duration,
	success bool,
	err error,
) {
	evt := log.Info()
	if !success {
		evt = log.Error().Err(err)
	}
	evt.
		Str("event", "action_dispatched").
		Str("plugin", plugin).
		Str("action", action).
		Dur("duration", duration).
		Bool("success", success).
		Msg("dispatched plugin action")
}
