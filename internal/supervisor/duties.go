package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocppfleet/simulator/internal/collab"
	"github.com/ocppfleet/simulator/internal/handlers"
	"github.com/ocppfleet/simulator/internal/messages"
	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
	"github.com/ocppfleet/simulator/internal/physics"
	"github.com/ocppfleet/simulator/internal/session"
)

// dispatchFrame routes one decoded inbound CALL through the handler
// registry; an unregistered action gets a NotImplemented CALLERROR
// (§6). CALLRESULT/CALLERROR frames never reach here — the reader
// goroutine fulfils the correlator with those directly.
func (sv *Supervisor) dispatchFrame(f *wire.Frame) {
	sv.Peer.RecordInbound(f.Action)
	if sv.bus != nil {
		sv.bus.PublishOcppMessage(sv.Session.ID, collab.OcppMessageEvent{
			Direction: "in", Action: f.Action, Payload: f.Payload, T: sv.now(),
		})
	}

	h, newReq, ok := sv.registry.Lookup(f.Action)
	if !ok {
		_ = sv.Peer.ReplyError(f.MessageID, wire.NotImplemented, fmt.Sprintf("action %s not implemented", f.Action))
		return
	}

	req := newReq()
	if err := jsonUnmarshal(f.Payload, req); err != nil {
		_ = sv.Peer.ReplyError(f.MessageID, wire.FormationViolation, err.Error())
		return
	}
	if err := handlers.Validate(req); err != nil {
		if verr, ok := err.(*handlers.ValidationError); ok {
			_ = sv.Peer.ReplyError(f.MessageID, verr.Code, verr.Err.Error())
			return
		}
		_ = sv.Peer.ReplyError(f.MessageID, wire.FormationViolation, err.Error())
		return
	}

	resp, follow, err := h(sv.Session, sv.handlerContext(), req)
	if err != nil {
		_ = sv.Peer.ReplyError(f.MessageID, wire.InternalError, err.Error())
		return
	}
	if err := sv.Peer.Reply(f.MessageID, resp); err != nil {
		sv.log("warn", "ocpp", fmt.Sprintf("reply to %s dropped: %v", f.Action, err))
	}
	sv.save()

	for _, fu := range follow {
		sv.scheduleFollowup(fu)
	}
}

// scheduleFollowup runs a handler's requested outbound action after
// its delay, off the mailbox goroutine so the reply it followed is
// never blocked on it (§4.4).
func (sv *Supervisor) scheduleFollowup(fu handlers.Followup) {
	go func() {
		if fu.Delay > 0 {
			select {
			case <-time.After(fu.Delay):
			case <-sv.ctx.Done():
				return
			}
		}
		switch fu.Action {
		case v16.ActionAuthorize:
			sv.call(func() (interface{}, error) {
				if err := sv.emitStatus(session.Authorizing); err != nil {
					return nil, err
				}
				_, err := messages.Authorize(sv.ctx, sv.Peer, sv.Session, sv.Session.IdTag)
				return nil, err
			})
		case v16.ActionStartTransaction:
			sv.call(func() (interface{}, error) {
				_, err := messages.StartTransaction(sv.ctx, sv.Peer, sv.Session, sv.now())
				sv.save()
				return nil, err
			})
		case v16.ActionStopTransaction:
			sv.call(func() (interface{}, error) {
				if sv.Session.TransactionID == nil {
					return nil, nil
				}
				_, err := messages.StopTransaction(sv.ctx, sv.Peer, sv.Session, session.ReasonRemote, sv.now())
				if err == nil {
					sv.emitStatus(session.Finishing)
				}
				sv.save()
				return nil, err
			})
		case v16.ActionBootNotification:
			sv.call(func() (interface{}, error) {
				_, err := messages.BootNotification(sv.ctx, sv.Peer, sv.Session, sv.now())
				return nil, err
			})
		case v16.ActionHeartbeat:
			sv.call(func() (interface{}, error) { return messages.Heartbeat(sv.ctx, sv.Peer) })
		case v16.ActionStatusNotification:
			sv.call(func() (interface{}, error) {
				status, ok := sv.Session.State.OCPPStatus()
				if !ok {
					return nil, nil
				}
				return nil, messages.StatusNotification(sv.Peer, sv.Session, status, sv.now())
			})
		case v16.ActionMeterValues:
			sv.call(func() (interface{}, error) {
				return nil, messages.MeterValues(sv.Peer, sv.Session, sv.now())
			})
		}
	}()
}

// doHeartbeat is the periodic heartbeat duty of §4.9.
func (sv *Supervisor) doHeartbeat() {
	if !sv.Peer.Connected() {
		return
	}
	if _, err := messages.Heartbeat(sv.ctx, sv.Peer); err != nil {
		sv.log("warn", "ocpp", fmt.Sprintf("heartbeat failed: %v", err))
	}
}

// doPhysicsTick is the periodic physics/metering duty of §4.8: it
// consults the physics engine, applies the resulting state transition
// and energy/SoC update, publishes a chart sample, and enqueues
// MeterValues.
func (sv *Supervisor) doPhysicsTick() {
	if sv.Session.State != session.Charging && sv.Session.State != session.SuspendedEVSE && sv.Session.State != session.SuspendedEV {
		return
	}

	dt := sv.cfg.MeterValuesInterval()
	now := sv.now()
	res := physics.Tick(sv.Session, sv.SCP, dt, now)

	sv.Session.AppliedPowerKW = res.AppliedPowerKW
	sv.Session.EnergyWh = res.NewEnergyWh
	sv.Session.CurrentSoC = res.NewSoCPercent

	if res.ShouldSuspend {
		sv.emitStatus(session.SuspendedEVSE)
	}
	if res.ShouldResume {
		sv.emitStatus(session.Charging)
	}

	if sv.bus != nil {
		sv.bus.PublishChart(sv.Session.ID, collab.ChartPoint{
			T:        now,
			SoC:      sv.Session.CurrentSoC,
			PowerW:   sv.Session.AppliedPowerKW * 1000,
			EnergyWh: float64(sv.Session.EnergyWh),
		})
	}
	if err := messages.MeterValues(sv.Peer, sv.Session, now); err != nil {
		sv.log("warn", "ocpp", fmt.Sprintf("MeterValues dropped: %v", err))
	}
	sv.save()

	if res.ReachedTarget && sv.Session.TransactionID != nil {
		if _, err := messages.StopTransaction(sv.ctx, sv.Peer, sv.Session, session.ReasonLocal, now); err != nil {
			sv.log("warn", "ocpp", fmt.Sprintf("target-SoC StopTransaction failed: %v", err))
			return
		}
		sv.emitStatus(session.Finishing)
		sv.save()
	}
}

// doReservationWatchdog expires a live reservation once its deadline
// passes (§4.6).
func (sv *Supervisor) doReservationWatchdog() {
	if sv.Session.State != session.Reserved || !sv.Session.HasReservation() {
		return
	}
	if sv.now().Before(sv.Session.ReservationExpiry) {
		return
	}
	sv.Session.ClearReservation()
	if err := sv.emitStatus(session.Available); err != nil {
		sv.log("warn", "reservation", fmt.Sprintf("expiry transition failed: %v", err))
	}
	sv.save()
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
