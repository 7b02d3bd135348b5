// Package messages implements the outbound message builders (F):
// deterministic request construction from session state, and reply
// application back onto that state, bit-for-bit with the OCPP 1.6-J
// schema (§4.5). Grounded on the teacher's charger/boot.go,
// charger/heartbeat.go, charger/meter.go, charger/status.go,
// charger/transaction.go, generalized from the teacher's single
// hardcoded charger into functions operating on an injected
// *session.Session and *peer.Peer.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/peer"
	"github.com/ocppfleet/simulator/internal/session"
)

func unmarshal(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func nowISO(now time.Time) string { return now.UTC().Format(time.RFC3339) }

// BootNotification sends the CP's identity and, on acceptance, adopts
// the CSMS's heartbeat interval and transitions the session to
// BOOT_ACCEPTED.
func BootNotification(ctx context.Context, p *peer.Peer, s *session.Session, now time.Time) (*v16.BootNotificationResponse, error) {
	req := v16.BootNotificationRequest{
		ChargePointVendor:       s.Vendor,
		ChargePointModel:        s.Model,
		ChargePointSerialNumber: s.SerialNumber,
		FirmwareVersion:         s.FirmwareVersion,
	}

	raw, err := p.Call(ctx, v16.ActionBootNotification, req)
	if err != nil {
		return nil, fmt.Errorf("BootNotification: %w", err)
	}
	var resp v16.BootNotificationResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	if resp.Status == v16.RegistrationAccepted {
		if resp.Interval > 0 {
			s.HeartbeatIntervalSec = resp.Interval
		}
		if _, _, err := s.Transition(session.BootAccepted); err != nil {
			return &resp, err
		}
	}
	return &resp, nil
}

// Heartbeat sends an empty heartbeat, used purely as a liveness
// signal; the reply's currentTime is informational only.
func Heartbeat(ctx context.Context, p *peer.Peer) (*v16.HeartbeatResponse, error) {
	raw, err := p.Call(ctx, v16.ActionHeartbeat, v16.HeartbeatRequest{})
	if err != nil {
		return nil, fmt.Errorf("Heartbeat: %w", err)
	}
	var resp v16.HeartbeatResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authorize checks idTag with the CSMS before a transaction starts.
// On acceptance the session adopts Authorized state.
func Authorize(ctx context.Context, p *peer.Peer, s *session.Session, idTag string) (*v16.AuthorizeResponse, error) {
	raw, err := p.Call(ctx, v16.ActionAuthorize, v16.AuthorizeRequest{IdTag: idTag})
	if err != nil {
		return nil, fmt.Errorf("Authorize: %w", err)
	}
	var resp v16.AuthorizeResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	if resp.IdTagInfo.Status == "Accepted" {
		if s.HasReservation() && s.ReservationIdTag == idTag {
			s.ClearReservation()
		}
		s.IdTag = idTag
		s.Authorized = true
		if _, _, err := s.Transition(session.Authorized); err != nil {
			return &resp, err
		}
	}
	return &resp, nil
}

// StartTransaction opens a transaction at the current meter reading.
// On success the session adopts the returned transactionId and moves
// to CHARGING via STARTING.
func StartTransaction(ctx context.Context, p *peer.Peer, s *session.Session, now time.Time) (*v16.StartTransactionResponse, error) {
	if _, _, err := s.Transition(session.Starting); err != nil {
		return nil, err
	}

	req := v16.StartTransactionRequest{
		ConnectorId: s.ConnectorID,
		IdTag:       s.IdTag,
		MeterStart:  s.EnergyWh,
		Timestamp:   nowISO(now),
	}
	if s.ReservationID != nil {
		req.ReservationId = *s.ReservationID
	}

	raw, err := p.Call(ctx, v16.ActionStartTransaction, req)
	if err != nil {
		return nil, fmt.Errorf("StartTransaction: %w", err)
	}
	var resp v16.StartTransactionResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	if resp.IdTagInfo.Status == "Accepted" {
		txID := resp.TransactionId
		s.TransactionID = &txID
		if _, _, err := s.Transition(session.Charging); err != nil {
			return &resp, err
		}
	} else {
		if _, _, err := s.Transition(session.Authorized); err != nil {
			return &resp, err
		}
	}
	return &resp, nil
}

// StopTransaction closes the active transaction with the given reason
// and clears the session's transaction bookkeeping.
func StopTransaction(ctx context.Context, p *peer.Peer, s *session.Session, reason string, now time.Time) (*v16.StopTransactionResponse, error) {
	if s.TransactionID == nil {
		return nil, fmt.Errorf("StopTransaction: no active transaction")
	}
	txID := *s.TransactionID

	req := v16.StopTransactionRequest{
		IdTag:         s.IdTag,
		MeterStop:     s.EnergyWh,
		Timestamp:     nowISO(now),
		TransactionId: txID,
		Reason:        reason,
	}

	raw, err := p.Call(ctx, v16.ActionStopTransaction, req)
	if err != nil {
		return nil, fmt.Errorf("StopTransaction: %w", err)
	}
	var resp v16.StopTransactionResponse
	if err := unmarshal(raw, &resp); err != nil {
		return nil, err
	}

	s.TransactionID = nil
	s.Authorized = false
	if _, _, err := s.Transition(session.Stopping); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// MeterValues reports the session's current metering snapshot: energy,
// power, voltage, current, and SoC when the vehicle's battery state is
// known (§4.5 measurand list).
func MeterValues(p *peer.Peer, s *session.Session, now time.Time) error {
	samples := []v16.SampledValue{
		{Value: strconv.Itoa(s.EnergyWh), Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
		{Value: formatFloat(s.AppliedPowerKW * 1000), Measurand: "Power.Active.Import", Unit: "W"},
		{Value: formatFloat(s.MaxVoltageV), Measurand: "Voltage", Unit: "V", Phase: "L1"},
		{Value: formatFloat(s.AppliedCurentA), Measurand: "Current.Import", Unit: "A", Phase: "L1"},
	}
	if s.Vehicle != nil {
		samples = append(samples, v16.SampledValue{
			Value:     formatFloat(s.CurrentSoC),
			Measurand: "SoC",
			Unit:      "Percent",
			Location:  "EV",
		})
	}

	req := v16.MeterValuesRequest{
		ConnectorId: s.ConnectorID,
		MeterValue: []v16.MeterValueEntry{
			{Timestamp: nowISO(now), SampledValue: samples},
		},
	}
	if s.TransactionID != nil {
		req.TransactionId = *s.TransactionID
	}

	return p.Notify(v16.ActionMeterValues, req)
}

// StatusNotification reports a connector status change. Callers only
// invoke this when Session.Transition reported shouldEmit=true.
func StatusNotification(p *peer.Peer, s *session.Session, status string, now time.Time) error {
	req := v16.StatusNotificationRequest{
		ConnectorId: s.ConnectorID,
		ErrorCode:   "NoError",
		Status:      v16.ChargePointStatus(status),
		Timestamp:   nowISO(now),
	}
	return p.Notify(v16.ActionStatusNotification, req)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}
