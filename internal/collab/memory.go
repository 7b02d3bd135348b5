package collab

import (
	"fmt"
	"sync"

	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

// MemoryStore is an in-memory SessionStore used by tests and
// standalone load-test runs with no external dependency.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
	vehicles map[string]*vehicle.Profile
}

// NewMemoryStore builds an empty in-memory store seeded with the given
// vehicle catalogue (keyed by Profile.ID).
func NewMemoryStore(vehicles map[string]*vehicle.Profile) *MemoryStore {
	if vehicles == nil {
		vehicles = make(map[string]*vehicle.Profile)
	}
	return &MemoryStore{sessions: make(map[string]*session.Session), vehicles: vehicles}
}

func (m *MemoryStore) LoadAll() ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Save(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) LoadVehicle(vehicleID string) (*vehicle.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		return nil, fmt.Errorf("unknown vehicle id %q", vehicleID)
	}
	return v, nil
}

// ringBuffer is a fixed-capacity, drop-oldest buffer.
type ringBuffer[T any] struct {
	items []T
	cap   int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{cap: capacity}
}

func (r *ringBuffer[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// MemoryBus is an in-memory EventBus: logs, chart points, and wire
// messages each go to a bounded, drop-oldest ring buffer per session,
// and only the latest metrics snapshot is kept, matching the "slow
// subscriber drops the oldest sample" contract of §5 without any
// external transport.
type MemoryBus struct {
	mu      sync.Mutex
	logs    map[string]*ringBuffer[LogEntry]
	charts  map[string]*ringBuffer[ChartPoint]
	wire    map[string]*ringBuffer[OcppMessageEvent]
	metrics MetricsSnapshot
	cap     int
}

// NewMemoryBus builds a bus whose per-session ring buffers hold up to
// capacity entries (default 500 per §5's per-session log ring).
func NewMemoryBus(capacity int) *MemoryBus {
	if capacity <= 0 {
		capacity = 500
	}
	return &MemoryBus{
		logs:   make(map[string]*ringBuffer[LogEntry]),
		charts: make(map[string]*ringBuffer[ChartPoint]),
		wire:   make(map[string]*ringBuffer[OcppMessageEvent]),
		cap:    capacity,
	}
}

func (b *MemoryBus) PublishLog(sessionID string, entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.logs[sessionID]
	if !ok {
		rb = newRingBuffer[LogEntry](b.cap)
		b.logs[sessionID] = rb
	}
	rb.push(entry)
}

func (b *MemoryBus) PublishChart(sessionID string, point ChartPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.charts[sessionID]
	if !ok {
		rb = newRingBuffer[ChartPoint](b.cap)
		b.charts[sessionID] = rb
	}
	rb.push(point)
}

func (b *MemoryBus) PublishOcppMessage(sessionID string, msg OcppMessageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.wire[sessionID]
	if !ok {
		rb = newRingBuffer[OcppMessageEvent](b.cap)
		b.wire[sessionID] = rb
	}
	rb.push(msg)
}

func (b *MemoryBus) PublishMetrics(snapshot MetricsSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = snapshot
}

// Logs returns a copy of the current log ring for sessionID (test use).
func (b *MemoryBus) Logs(sessionID string) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.logs[sessionID]
	if !ok {
		return nil
	}
	out := make([]LogEntry, len(rb.items))
	copy(out, rb.items)
	return out
}

// LatestMetrics returns the last published snapshot.
func (b *MemoryBus) LatestMetrics() MetricsSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}
