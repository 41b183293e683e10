// Package logging configures the global zerolog logger for every cardmate
// process. Logs always go to stderr: a stdio sub-agent's stdout carries its
// MCP channel.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Setup points the global logger at w in the given format and level. An
// agent name, when set, is attached to every record.
func Setup(w io.Writer, level, format, agent string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer
	switch format {
	case "", FormatConsole:
		zerolog.TimeFieldFormat = time.RFC3339
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		out = w
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if agent != "" {
		ctx = ctx.Str("agent", agent)
	}
	log.Logger = ctx.Logger()
	return nil
}
