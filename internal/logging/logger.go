// Package logging wraps zerolog into the structured logger every
// session and the engine use, optionally async via zerolog/diode so a
// slow sink never blocks a session's hot path. Grounded on
// JamzYang-charging-platform's internal/logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Options configures a Logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output io.Writer
	Async  bool
	RingSize   int
	PollInterval time.Duration
}

// DefaultOptions mirrors the teacher's defaults: info level, console
// format, synchronous stdout.
func DefaultOptions() Options {
	return Options{
		Level:        "info",
		Format:       "console",
		Output:       os.Stdout,
		Async:        false,
		RingSize:     1000,
		PollInterval: 10 * time.Millisecond,
	}
}

// Logger is a thin zerolog wrapper exposing the handful of methods the
// core actually calls.
type Logger struct {
	z zerolog.Logger
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Async {
		out = diode.NewWriter(out, opts.RingSize, opts.PollInterval, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
	}

	var z zerolog.Logger
	switch strings.ToLower(opts.Format) {
	case "json":
		z = zerolog.New(out)
	default:
		z = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	z = z.With().Timestamp().Logger().Level(level)

	return &Logger{z: z}, nil
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.event(l.z.Debug(), fields, msg) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.event(l.z.Info(), fields, msg) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.event(l.z.Warn(), fields, msg) }

func (l *Logger) Error(err error, msg string, fields map[string]interface{}) {
	l.event(l.z.Error().Err(err), fields, msg)
}

func (l *Logger) event(ev *zerolog.Event, fields map[string]interface{}, msg string) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// With returns a child logger carrying a session id field on every
// subsequent entry.
func (l *Logger) With(sessionID string) *Logger {
	return &Logger{z: l.z.With().Str("session_id", sessionID).Logger()}
}
