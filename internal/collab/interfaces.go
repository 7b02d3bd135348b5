// Package collab defines the core's two external collaborator
// contracts (L) — SessionStore and EventBus — and ships both an
// in-memory reference implementation and production-shaped ones
// (bbolt-backed store, zerolog/diode-backed bus).
package collab

import (
	"encoding/json"
	"time"

	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

// SessionStore is the persistence collaborator the core consumes.
// Semantics are last-writer-wins. The core calls Save at session
// creation, after boot, authorize and every transaction boundary, after
// each inbound handler, metering tick and reservation expiry; connect,
// disconnect, reconnect, park, unpark, plug and unplug transitions are
// not saved on their own.
type SessionStore interface {
	LoadAll() ([]*session.Session, error)
	Save(s *session.Session) error
	Delete(sessionID string) error
	LoadVehicle(vehicleID string) (*vehicle.Profile, error)
}

// LogEntry is one EventBus log record.
type LogEntry struct {
	Timestamp time.Time
	Level     string // debug, info, warn, error, success
	Category  string
	Message   string
}

// ChartPoint is one EventBus chart sample.
type ChartPoint struct {
	T        time.Time
	SoC      float64
	PowerW   float64
	EnergyWh float64
}

// OcppMessageEvent mirrors one in-flight wire message for observers.
type OcppMessageEvent struct {
	Direction string // in, out
	Action    string
	Payload   json.RawMessage
	T         time.Time
}

// MetricsSnapshot is the engine-wide aggregate published periodically
// (§6, shape unchanged from spec.md).
type MetricsSnapshot struct {
	ActiveConnections int
	TotalSessions     int
	ChargingSessions  int
	MessagesSent      int64
	MessagesReceived  int64
	MessagesPerSec    float64
	AvgLatencyMs      float64
	P50Ms             float64
	P95Ms             float64
	P99Ms             float64
	ErrorRate         float64
	ActionCounts      map[string]int64
}

// EventBus is the publish-only collaborator the core emits to.
// Publishers never block on subscribers: slow subscribers drop the
// oldest sample (ring-buffer discipline, §5).
type EventBus interface {
	PublishLog(sessionID string, entry LogEntry)
	PublishChart(sessionID string, point ChartPoint)
	PublishOcppMessage(sessionID string, msg OcppMessageEvent)
	PublishMetrics(snapshot MetricsSnapshot)
}
