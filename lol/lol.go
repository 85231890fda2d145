// Package lol maps the human-readable log level names used in configuration
// (fatal, error, warn, info, debug, trace) onto the log package's Level type.
package lol

import (
	"strings"

	"hypertuna.dev/log"
)

// GetLogLevel parses a level name, defaulting to Info for anything
// unrecognised.
func GetLogLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.Trace
	case "debug":
		return log.Debug
	case "info":
		return log.Info
	case "warn", "warning":
		return log.Warn
	case "error":
		return log.Error
	case "fatal":
		return log.Fatal
	default:
		return log.Info
	}
}

// SetLogLevel parses and applies a level name as the process-wide minimum
// printed log level.
func SetLogLevel(s string) { log.SetLevel(GetLogLevel(s)) }
