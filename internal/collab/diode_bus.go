package collab

// DiodeBus wraps EventBus log delivery in a zerolog/diode writer: a
// lock-free ring buffer that drops the oldest log line rather than
// block a session's hot path when the underlying sink (file, stdout,
// a shipper) falls behind. Chart points, wire-message events, and
// metrics snapshots are forwarded to an inner EventBus unchanged —
// diode's lossy-ring-buffer discipline applies specifically to the
// log transport, mirroring how the ambient logging stack is wired
// everywhere else in this repository.

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// DiodeBus composes a diode-backed zerolog logger with an inner
// EventBus for the non-log publish paths.
type DiodeBus struct {
	inner  EventBus
	logger zerolog.Logger
	writer diode.Writer
}

// NewDiodeBus builds a bus that writes logs to w through a diode ring
// buffer of the given depth, polling every pollInterval for batched
// flushes, and forwards every other publish call to inner.
func NewDiodeBus(inner EventBus, w io.Writer, ringSize int, pollInterval time.Duration, onDropped func(missed int)) *DiodeBus {
	if ringSize <= 0 {
		ringSize = 1000
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	if onDropped == nil {
		onDropped = func(missed int) {}
	}
	dw := diode.NewWriter(w, ringSize, pollInterval, onDropped)
	return &DiodeBus{
		inner:  inner,
		logger: zerolog.New(dw).With().Timestamp().Logger(),
		writer: dw,
	}
}

// Close flushes and closes the underlying diode writer.
func (b *DiodeBus) Close() error { return b.writer.Close() }

func (b *DiodeBus) PublishLog(sessionID string, entry LogEntry) {
	ev := b.logger.WithLevel(zerologLevel(entry.Level)).
		Str("session_id", sessionID).
		Str("category", entry.Category).
		Time("ts", entry.Timestamp)
	ev.Msg(entry.Message)
}

func (b *DiodeBus) PublishChart(sessionID string, point ChartPoint) {
	b.inner.PublishChart(sessionID, point)
}

func (b *DiodeBus) PublishOcppMessage(sessionID string, msg OcppMessageEvent) {
	b.inner.PublishOcppMessage(sessionID, msg)
}

func (b *DiodeBus) PublishMetrics(snapshot MetricsSnapshot) {
	b.inner.PublishMetrics(snapshot)
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "success":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
