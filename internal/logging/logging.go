// Package logging provides application-wide logging configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Formats accepted by Init.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var debugEnabled bool

// Init initializes the global logger writing to stderr.
func Init(debug bool, format string) error {
	return InitWriter(os.Stderr, debug, format)
}

// InitWriter initializes the global logger writing to w.
func InitWriter(w io.Writer, debug bool, format string) error {
	debugEnabled = debug
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	case FormatJSON:
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q (want %s or %s)", format, FormatConsole, FormatJSON)
	}
	return nil
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool {
	return debugEnabled
}
