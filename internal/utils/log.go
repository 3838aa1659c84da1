package utils

import (
	"os"

	"github.com/rs/zerolog"
)

// Log is the logger shared by the whole engine.
var Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

// SetLogger configures Log, switching to debug when asked to by flag or
// by SUPERIMAGE_DEBUG in the environment.
func SetLogger(debug bool) {
	level := zerolog.InfoLevel
	if debug || os.Getenv("SUPERIMAGE_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}
