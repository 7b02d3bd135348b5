// Package supervisor implements the session supervisor (J): one
// goroutine per session, serialising every state mutation, handler
// execution, timer callback, and outbound enqueue behind a single
// mailbox (§5 scheduling model). Grounded on the teacher's Charger
// struct (charger/charger.go) and its receiveMessages/sendHeartbeat
// goroutines, generalized from the teacher's ad hoc goroutine-plus-
// mutex pattern into an explicit single-threaded event loop: instead
// of guarding shared fields with a sync.RWMutex, every mutation is
// confined to the Run loop and reached only through the mailbox.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ocppfleet/simulator/internal/collab"
	"github.com/ocppfleet/simulator/internal/config"
	"github.com/ocppfleet/simulator/internal/handlers"
	"github.com/ocppfleet/simulator/internal/messages"
	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
	"github.com/ocppfleet/simulator/internal/peer"
	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

// op is one mailbox entry: an operator-requested operation and the
// channel its result is delivered on.
type op struct {
	run  func() (interface{}, error)
	done chan opResult
}

type opResult struct {
	value interface{}
	err   error
}

// Clock lets tests substitute a deterministic time source; production
// code uses realClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Supervisor owns one Session end to end: its Peer, its SCP store,
// and the three periodic duties of §4.9 (heartbeat, physics tick,
// reservation watchdog). Every exported method posts a closure onto
// the mailbox and blocks for its result — the only way into the
// session's state from outside its own goroutine.
type Supervisor struct {
	Session *session.Session
	Peer    *peer.Peer
	SCP     *scp.Store

	registry *handlers.Registry
	store    collab.SessionStore
	bus      collab.EventBus
	cfg      *config.Config
	clock    Clock

	mailbox chan op
	frames  chan *wire.Frame

	// disconnected carries one signal per unexpected transport loss,
	// from the reader goroutine into Run()'s select; redialed carries
	// the outcome of the background backoff/redial it kicks off.
	disconnected chan struct{}
	redialed     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Deps bundles the collaborators a Supervisor needs beyond the
// session and config it is built for.
type Deps struct {
	Store collab.SessionStore
	Bus   collab.EventBus
	Clock Clock
}

// New constructs a supervisor for an existing session, not yet
// running. Call Run to start its mailbox loop.
func New(sess *session.Session, cfg *config.Config, deps Deps, dial peer.Dialer, tlsConfig *tls.Config) *Supervisor {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		Session:      sess,
		Peer:         peer.New(sess.CSMSEndpoint, tlsConfig, cfg.RequestTimeout(), cfg.OutboundQueueDepth, dial),
		SCP:          scp.New(cfg.NominalVoltageV, cfg.StationMaxPowerKw, loc),
		registry:     handlers.NewRegistry(),
		store:        deps.Store,
		bus:          deps.Bus,
		cfg:          cfg,
		clock:        clock,
		mailbox:      make(chan op, 32),
		frames:       make(chan *wire.Frame, 32),
		disconnected: make(chan struct{}, 1),
		redialed:     make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Run starts the mailbox loop and blocks until Delete/Disconnect
// cancels the supervisor's context. Intended to run in its own
// goroutine, one per session, per §5.
func (sv *Supervisor) Run() {
	defer close(sv.done)

	heartbeat := time.NewTicker(sv.cfg.HeartbeatInterval())
	defer heartbeat.Stop()
	meterTick := time.NewTicker(sv.cfg.MeterValuesInterval())
	defer meterTick.Stop()
	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	for {
		select {
		case <-sv.ctx.Done():
			sv.Peer.Close()
			return

		case o := <-sv.mailbox:
			v, err := o.run()
			o.done <- opResult{value: v, err: err}

		case f := <-sv.frames:
			sv.dispatchFrame(f)

		case <-heartbeat.C:
			sv.doHeartbeat()

		case <-meterTick.C:
			sv.doPhysicsTick()

		case <-watchdog.C:
			sv.doReservationWatchdog()

		case <-sv.disconnected:
			sv.beginReconnect()

		case <-sv.redialed:
			sv.finishReconnect()
		}
	}
}

// Stop cancels the supervisor's context and waits for Run to return.
func (sv *Supervisor) Stop() {
	sv.cancel()
	<-sv.done
}

// call posts fn to the mailbox and blocks for its result. Every
// exported operation (§4.9) is implemented in terms of this, so no
// caller ever touches Session fields off the supervisor's own
// goroutine.
func (sv *Supervisor) call(fn func() (interface{}, error)) (interface{}, error) {
	o := op{run: fn, done: make(chan opResult, 1)}
	select {
	case sv.mailbox <- o:
	case <-sv.ctx.Done():
		return nil, fmt.Errorf("supervisor stopped")
	}
	select {
	case r := <-o.done:
		return r.value, r.err
	case <-sv.ctx.Done():
		return nil, fmt.Errorf("supervisor stopped")
	}
}

func (sv *Supervisor) now() time.Time { return sv.clock.Now() }

func (sv *Supervisor) log(level, category, msg string) {
	if sv.bus == nil {
		return
	}
	sv.bus.PublishLog(sv.Session.ID, collab.LogEntry{
		Timestamp: sv.now(),
		Level:     level,
		Category:  category,
		Message:    msg,
	})
}

func (sv *Supervisor) save() {
	if sv.store == nil {
		return
	}
	if err := sv.store.Save(sv.Session); err != nil {
		sv.log("warn", "persistence", fmt.Sprintf("save failed: %v", err))
	}
}

// emitStatus transitions the session and, if the transition produced
// a new wire-level status, sends StatusNotification.
func (sv *Supervisor) emitStatus(to session.State) error {
	status, shouldEmit, err := sv.Session.Transition(to)
	if err != nil {
		return err
	}
	if shouldEmit {
		if err := messages.StatusNotification(sv.Peer, sv.Session, status, sv.now()); err != nil {
			sv.log("warn", "ocpp", fmt.Sprintf("StatusNotification dropped: %v", err))
		}
	}
	return nil
}

// Connect opens the WebSocket and starts the reader loop feeding
// sv.frames. It is idempotent: calling it while already connected is
// a no-op.
func (sv *Supervisor) Connect() error {
	_, err := sv.call(func() (interface{}, error) {
		if sv.Peer.Connected() {
			return nil, nil
		}
		if _, _, err := sv.Session.Transition(session.Connecting); err != nil {
			return nil, err
		}
		if err := sv.Peer.Connect(sv.ctx); err != nil {
			return nil, err
		}
		sv.Session.Connected = true
		sv.spawnReader()
		if _, _, err := sv.Session.Transition(session.Connected); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// spawnReader starts the reader goroutine feeding sv.frames. On an
// unexpected transport loss (anything but ctx cancellation, which
// means a local Stop/Disconnect already tore things down) it signals
// sv.disconnected so Run() can drive the reconnect sequence.
func (sv *Supervisor) spawnReader() {
	go func() {
		_ = sv.Peer.RunReader(sv.ctx, func(f *wire.Frame) {
			// CALLRESULT/CALLERROR fulfil the correlator directly
			// from the reader goroutine (safe per peer.Peer's own
			// contract) so a blocking Call() in a mailbox op never
			// deadlocks waiting on Run()'s own frame-dispatch arm.
			// Only inbound CALLs need the mailbox's serialisation.
			if f.Type != wire.Call {
				sv.Peer.FulfilFrame(f)
				return
			}
			select {
			case sv.frames <- f:
			case <-sv.ctx.Done():
			}
		})
		if sv.ctx.Err() != nil {
			return
		}
		select {
		case sv.disconnected <- struct{}{}:
		case <-sv.ctx.Done():
		}
	}()
}

// beginReconnect runs on Run()'s own goroutine: it tears down the dead
// transport, emits CONNECTED->DISCONNECTED->CONNECTING, and hands the
// backoff/redial off to a background goroutine that touches nothing
// but the Peer (session state stays confined to Run()'s goroutine).
func (sv *Supervisor) beginReconnect() {
	sv.Peer.Close()
	sv.Session.Connected = false
	if _, _, err := sv.Session.Transition(session.Disconnected); err != nil {
		if _, _, err := sv.Session.Transition(session.Disconnecting); err == nil {
			sv.Session.Transition(session.Disconnected)
		}
	}
	sv.log("warn", "transport", "connection lost, reconnecting")

	if _, _, err := sv.Session.Transition(session.Connecting); err != nil {
		sv.log("error", "transport", fmt.Sprintf("cannot start reconnect: %v", err))
		return
	}
	go sv.redialLoop()
}

// redialLoop redials with exponential backoff (initial ReconnectInitial,
// doubling, capped at ReconnectMax) until it succeeds or the supervisor
// is stopped. It never touches Session fields; Run()'s redialed case
// finishes the state transition once a redial succeeds.
func (sv *Supervisor) redialLoop() {
	backoff := sv.cfg.ReconnectInitial()
	ceiling := sv.cfg.ReconnectMax()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := sv.Peer.Connect(sv.ctx); err != nil {
			sv.log("warn", "transport", fmt.Sprintf("reconnect attempt failed: %v", err))
			backoff *= 2
			if backoff > ceiling {
				backoff = ceiling
			}
			continue
		}

		select {
		case sv.redialed <- struct{}{}:
		case <-sv.ctx.Done():
		}
		return
	}
}

// finishReconnect runs on Run()'s own goroutine once redialLoop has a
// live transport: it starts a fresh reader and completes the
// CONNECTING->CONNECTED transition.
func (sv *Supervisor) finishReconnect() {
	sv.Session.Connected = true
	sv.spawnReader()
	if _, _, err := sv.Session.Transition(session.Connected); err != nil {
		sv.log("error", "transport", fmt.Sprintf("cannot enter connected state after reconnect: %v", err))
		return
	}
	sv.log("info", "transport", "reconnected")
}

// Disconnect tears down the WebSocket without deleting the session.
func (sv *Supervisor) Disconnect() error {
	_, err := sv.call(func() (interface{}, error) {
		sv.Peer.Close()
		sv.Session.Connected = false
		if _, _, err := sv.Session.Transition(session.Disconnecting); err == nil {
			sv.Session.Transition(session.Disconnected)
		}
		return nil, nil
	})
	return err
}

// Delete cancels the supervisor for good and removes the session from
// the store.
func (sv *Supervisor) Delete() error {
	sv.Stop()
	if sv.store != nil {
		return sv.store.Delete(sv.Session.ID)
	}
	return nil
}

// Boot sends BootNotification.
func (sv *Supervisor) Boot() (*v16.BootNotificationResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		resp, err := messages.BootNotification(sv.ctx, sv.Peer, sv.Session, sv.now())
		sv.save()
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.BootNotificationResponse), err
}

// Authorize sends Authorize for idTag.
func (sv *Supervisor) Authorize(idTag string) (*v16.AuthorizeResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		resp, err := messages.Authorize(sv.ctx, sv.Peer, sv.Session, idTag)
		sv.save()
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.AuthorizeResponse), err
}

// Park transitions an idle session to PARKED (vehicle arrived, not
// yet plugged in).
func (sv *Supervisor) Park() error {
	_, err := sv.call(func() (interface{}, error) { return nil, sv.emitStatus(session.Parked) })
	return err
}

// Unpark returns a PARKED session to AVAILABLE.
func (sv *Supervisor) Unpark() error {
	_, err := sv.call(func() (interface{}, error) { return nil, sv.emitStatus(session.Available) })
	return err
}

// Plug transitions to PLUGGED (cable connected).
func (sv *Supervisor) Plug(vehicleProfile *vehicle.Profile) error {
	_, err := sv.call(func() (interface{}, error) {
		if vehicleProfile != nil {
			sv.Session.Vehicle = vehicleProfile
			sv.Session.VehicleID = vehicleProfile.ID
		}
		return nil, sv.emitStatus(session.Plugged)
	})
	return err
}

// Unplug returns a PLUGGED session to AVAILABLE.
func (sv *Supervisor) Unplug() error {
	_, err := sv.call(func() (interface{}, error) {
		sv.Session.Vehicle = nil
		return nil, sv.emitStatus(session.Available)
	})
	return err
}

// StartTransaction authorizes idTag, then opens a transaction.
func (sv *Supervisor) StartTransaction(idTag string) (*v16.StartTransactionResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		if err := sv.emitStatus(session.Authorizing); err != nil {
			return nil, err
		}
		authResp, err := messages.Authorize(sv.ctx, sv.Peer, sv.Session, idTag)
		if err != nil {
			return nil, err
		}
		if authResp.IdTagInfo.Status != "Accepted" {
			return nil, fmt.Errorf("idTag %s not accepted: %s", idTag, authResp.IdTagInfo.Status)
		}
		resp, err := messages.StartTransaction(sv.ctx, sv.Peer, sv.Session, sv.now())
		sv.save()
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.StartTransactionResponse), err
}

// StopTransaction closes the active transaction with the given reason.
func (sv *Supervisor) StopTransaction(reason string) (*v16.StopTransactionResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		resp, err := messages.StopTransaction(sv.ctx, sv.Peer, sv.Session, reason, sv.now())
		if err == nil {
			sv.emitStatus(session.Finishing)
		}
		sv.save()
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.StopTransactionResponse), err
}

// SendHeartbeat issues an out-of-band heartbeat immediately, outside
// the periodic schedule.
func (sv *Supervisor) SendHeartbeat() (*v16.HeartbeatResponse, error) {
	v, err := sv.call(func() (interface{}, error) { return messages.Heartbeat(sv.ctx, sv.Peer) })
	if v == nil {
		return nil, err
	}
	return v.(*v16.HeartbeatResponse), err
}

// SendMeterValues issues an out-of-band MeterValues immediately.
func (sv *Supervisor) SendMeterValues() error {
	_, err := sv.call(func() (interface{}, error) {
		return nil, messages.MeterValues(sv.Peer, sv.Session, sv.now())
	})
	return err
}

// SetChargingProfile installs a profile via the handler registry.
func (sv *Supervisor) SetChargingProfile(req *v16.SetChargingProfileRequest) (*v16.SetChargingProfileResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		h, _, _ := sv.registry.Lookup(v16.ActionSetChargingProfile)
		resp, _, err := h(sv.Session, sv.handlerContext(), req)
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.SetChargingProfileResponse), err
}

// ClearChargingProfile clears matching profiles via the handler registry.
func (sv *Supervisor) ClearChargingProfile(req *v16.ClearChargingProfileRequest) (*v16.ClearChargingProfileResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		h, _, _ := sv.registry.Lookup(v16.ActionClearChargingProfile)
		resp, _, err := h(sv.Session, sv.handlerContext(), req)
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.ClearChargingProfileResponse), err
}

// GetCompositeSchedule resolves the composite schedule via the handler
// registry.
func (sv *Supervisor) GetCompositeSchedule(req *v16.GetCompositeScheduleRequest) (*v16.GetCompositeScheduleResponse, error) {
	v, err := sv.call(func() (interface{}, error) {
		h, _, _ := sv.registry.Lookup(v16.ActionGetCompositeSchedule)
		resp, _, err := h(sv.Session, sv.handlerContext(), req)
		return resp, err
	})
	if v == nil {
		return nil, err
	}
	return v.(*v16.GetCompositeScheduleResponse), err
}

// Update merges a new config into the running supervisor's tunables.
// The config registry is read-mostly; this copy-on-write swap never
// blocks a handler mid-execution (§5).
func (sv *Supervisor) Update(cfg *config.Config) error {
	_, err := sv.call(func() (interface{}, error) {
		sv.cfg = cfg
		return nil, nil
	})
	return err
}

func (sv *Supervisor) handlerContext() handlers.Context {
	return handlers.Context{
		SCP:          sv.SCP,
		Now:          sv.now(),
		HasActiveTx:  sv.Session.TransactionID != nil,
		StationMaxKW: sv.cfg.StationMaxPowerKw,
	}
}
