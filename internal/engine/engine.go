package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ocppfleet/simulator/internal/collab"
	"github.com/ocppfleet/simulator/internal/config"
	"github.com/ocppfleet/simulator/internal/logging"
	"github.com/ocppfleet/simulator/internal/metrics"
	"github.com/ocppfleet/simulator/internal/peer"
	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/supervisor"
)

// CreateOptions describes one session's identity and hardware shape,
// the fields an operator picks when provisioning a fleet member.
type CreateOptions struct {
	CPID         string
	ConnectorID  int
	CSMSEndpoint string
	BearerToken  string
	Kind         session.ChargerKind
	MaxVoltageV  float64
	MaxCurrentA  float64
	MaxPowerKW   float64
	VehicleID    string
	InitialSoC   float64
	TargetSoC    float64
}

// entry is one registry slot. sessions[id] == nil marks an id reserved
// by Create while the session is still being provisioned, so the
// maxSessions check and the insert never race each other across two
// concurrent Create calls.
type entry struct {
	sv *supervisor.Supervisor
}

// Engine is the fleet-wide registry (K): id -> supervisor, guarded for
// concurrent reads (status queries, batch fan-out) and exclusive
// writes (create/delete). Only this map and the metrics aggregator are
// shared across sessions (§9); everything else lives behind a single
// supervisor goroutine.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg    *config.Config
	store  collab.SessionStore
	bus    collab.EventBus
	logger *logging.Logger
	dial   peer.Dialer

	degraded atomic.Bool

	// metricsMu guards the bookkeeping Snapshot uses to turn a
	// cumulative message total into messagesPerSec between calls.
	metricsMu        sync.Mutex
	lastSnapshotAt   time.Time
	lastMessageTotal int64
}

// New builds an empty engine bound to cfg and its collaborators. dial
// defaults to peer.DialWLGOWS when nil (tests substitute a fake).
func New(cfg *config.Config, store collab.SessionStore, bus collab.EventBus, logger *logging.Logger, dial peer.Dialer) *Engine {
	if dial == nil {
		dial = peer.DialWLGOWS
	}
	return &Engine{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		store:    store,
		bus:      bus,
		logger:   logger,
		dial:     dial,
	}
}

// Degraded reports whether the engine has lost its SessionStore or
// EventBus and is refusing new sessions (§7 FatalEngineError mode).
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// MarkDegraded flips the engine into degraded mode; existing sessions
// keep running in-memory, new Create calls are refused.
func (e *Engine) MarkDegraded(reason string, cause error) {
	if e.degraded.CompareAndSwap(false, true) && e.logger != nil {
		e.logger.Error(cause, "engine degraded: "+reason, nil)
	}
}

// Count returns the number of sessions currently registered.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

// Create provisions a new session and its supervisor, starts its
// mailbox goroutine, and registers it. Returns *FatalEngineError while
// the engine is degraded and *ResourceExhausted once maxSessions is
// reached.
func (e *Engine) Create(opts CreateOptions) (*supervisor.Supervisor, error) {
	if e.degraded.Load() {
		return nil, &FatalEngineError{Reason: "engine is degraded, refusing new sessions"}
	}

	id := uuid.NewString()

	e.mu.Lock()
	if len(e.sessions) >= e.cfg.MaxSessions {
		e.mu.Unlock()
		return nil, &ResourceExhausted{Reason: "maxSessions reached"}
	}
	e.sessions[id] = nil // reserve the slot atomically with the cap check
	e.mu.Unlock()

	sess := session.New(id, opts.CPID, opts.ConnectorID)
	sess.CSMSEndpoint = opts.CSMSEndpoint
	sess.BearerToken = opts.BearerToken
	sess.Kind = opts.Kind
	sess.MaxVoltageV = opts.MaxVoltageV
	sess.MaxCurrentA = opts.MaxCurrentA
	sess.MaxPowerKW = opts.MaxPowerKW
	sess.VehicleID = opts.VehicleID
	sess.InitialSoC = opts.InitialSoC
	sess.CurrentSoC = opts.InitialSoC
	sess.TargetSoC = opts.TargetSoC

	if opts.VehicleID != "" && e.store != nil {
		v, err := e.store.LoadVehicle(opts.VehicleID)
		if err != nil {
			e.mu.Lock()
			delete(e.sessions, id)
			e.mu.Unlock()
			return nil, &ConfigurationError{Reason: "unknown vehicle id " + opts.VehicleID}
		}
		sess.Vehicle = v
	}

	tlsConfig, err := e.cfg.GetTLSConfig()
	if err != nil {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
		return nil, &ConfigurationError{Reason: "invalid TLS configuration: " + err.Error()}
	}

	sv := supervisor.New(sess, e.cfg, supervisor.Deps{Store: e.store, Bus: e.bus}, e.dial, tlsConfig)

	e.mu.Lock()
	e.sessions[id] = &entry{sv: sv}
	e.mu.Unlock()

	go sv.Run()

	if e.store != nil {
		if err := e.store.Save(sess); err != nil {
			e.MarkDegraded("session store save failed", err)
		}
	}

	return sv, nil
}

// Get looks up a registered supervisor by session id.
func (e *Engine) Get(id string) (*supervisor.Supervisor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.sessions[id]
	if !ok || ent == nil {
		return nil, false
	}
	return ent.sv, true
}

// Delete stops the session's supervisor and removes it from the store
// and registry.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	ent, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok || ent == nil {
		return &NotFound{SessionID: id}
	}
	return ent.sv.Delete()
}

// List returns every fully-registered session id (reserved-but-still-
// provisioning slots are excluded), for status queries and batch
// fan-out.
func (e *Engine) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id, ent := range e.sessions {
		if ent != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot computes the current MetricsSnapshot (§6 shape) from the
// registry's live supervisors and the correlator-level counters each
// one's peer maintains.
func (e *Engine) Snapshot() collab.MetricsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := collab.MetricsSnapshot{
		TotalSessions: len(e.sessions),
		ActionCounts:  make(map[string]int64),
	}

	var avgSum, p50Sum, p95Sum, p99Sum, errSum float64
	var peers int
	var sent, received int64
	for _, ent := range e.sessions {
		if ent == nil {
			continue
		}
		sv := ent.sv
		if sv.Peer == nil {
			continue
		}
		if sv.Peer.Connected() {
			snap.ActiveConnections++
		}
		if sv.Session.TransactionID != nil {
			snap.ChargingSessions++
		}

		avg, p50, p95, p99 := sv.Peer.Correlator.Percentiles()
		avgSum += avg
		p50Sum += p50
		p95Sum += p95
		p99Sum += p99
		errSum += sv.Peer.Correlator.ErrorRate()
		peers++

		s, r, actions := sv.Peer.Counters()
		sent += int64(s)
		received += int64(r)
		for action, count := range actions {
			snap.ActionCounts[action] += count
		}
	}
	if peers > 0 {
		snap.AvgLatencyMs = avgSum / float64(peers)
		snap.P50Ms = p50Sum / float64(peers)
		snap.P95Ms = p95Sum / float64(peers)
		snap.P99Ms = p99Sum / float64(peers)
		snap.ErrorRate = errSum / float64(peers)
	}
	snap.MessagesSent = sent
	snap.MessagesReceived = received
	snap.MessagesPerSec = e.messagesPerSec(sent + received)
	return snap
}

// messagesPerSec turns the fleet's cumulative sent+received total into
// a rate by comparing it against the previous Snapshot call. The first
// call after construction has no baseline and reports zero.
func (e *Engine) messagesPerSec(total int64) float64 {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	now := time.Now()
	defer func() {
		e.lastSnapshotAt = now
		e.lastMessageTotal = total
	}()

	if e.lastSnapshotAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(e.lastSnapshotAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := total - e.lastMessageTotal
	if delta < 0 {
		delta = 0
	}
	return float64(delta) / elapsed
}

// PublishSnapshot computes and publishes a MetricsSnapshot through the
// EventBus, the periodic duty behind §6's publishMetrics.
func (e *Engine) PublishSnapshot() {
	snap := e.Snapshot()
	metrics.Publish(snap)
	if e.bus == nil {
		return
	}
	e.bus.PublishMetrics(snap)
}

// RunMetricsLoop publishes a snapshot every interval until stop is
// closed. Intended to run in its own goroutine for the life of the
// engine.
func (e *Engine) RunMetricsLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.PublishSnapshot()
		}
	}
}
