package utils

import (
	"os"

	"github.com/capsuleos/capsuled/internal/constants"
	"github.com/rs/zerolog"
)

// Log is the process-wide logger. It discards everything until SetLogger
// configures it, so library code can log before main runs (and under test).
var Log = zerolog.Nop()

func SetLogger() {
	level := zerolog.InfoLevel

	// Set debug level
	debug := len(ReadCMDLineArg("capsuled.debug")) > 0
	debugFromEnv := os.Getenv("CAPSULED_DEBUG") != ""
	if debug || debugFromEnv {
		level = zerolog.DebugLevel
	}
	_ = os.MkdirAll(constants.LogDir, os.ModeDir|os.ModePerm)

	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}
