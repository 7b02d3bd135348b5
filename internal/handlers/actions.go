package handlers

import (
	"strconv"
	"time"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
)

func remoteStartTransaction(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.RemoteStartTransactionRequest)

	eligible := map[session.State]bool{
		session.Available:    true,
		session.BootAccepted: true,
		session.Parked:       true,
		session.Plugged:      true,
		session.Finishing:    true,
	}

	accept := eligible[s.State]
	if s.State == session.Reserved && s.ReservationIdTag == req.IdTag {
		accept = true
	}
	if !accept {
		return &v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil, nil
	}

	s.IdTag = req.IdTag
	return &v16.RemoteStartTransactionResponse{Status: "Accepted"}, []Followup{
		{Action: v16.ActionAuthorize, Delay: 0},
		{Action: v16.ActionStartTransaction, Delay: 200 * time.Millisecond},
	}, nil
}

func remoteStopTransaction(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.RemoteStopTransactionRequest)

	canStop := s.State == session.Charging || s.State == session.SuspendedEVSE || s.State == session.SuspendedEV
	if !canStop || s.TransactionID == nil || *s.TransactionID != req.TransactionId {
		return &v16.RemoteStopTransactionResponse{Status: "Rejected"}, nil, nil
	}
	return &v16.RemoteStopTransactionResponse{Status: "Accepted"}, []Followup{
		{Action: v16.ActionStopTransaction, Delay: 0},
	}, nil
}

func reserveNow(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.ReserveNowRequest)

	expiry, err := time.Parse(time.RFC3339, req.ExpiryDate)
	if err != nil || !expiry.After(ctx.Now) {
		return &v16.ReserveNowResponse{Status: "Rejected"}, nil, nil
	}

	switch s.State {
	case session.Faulted:
		return &v16.ReserveNowResponse{Status: "Faulted"}, nil, nil
	case session.Unavailable:
		return &v16.ReserveNowResponse{Status: "Unavailable"}, nil, nil
	case session.Charging, session.SuspendedEVSE, session.SuspendedEV, session.Starting, session.Authorizing, session.Authorized:
		return &v16.ReserveNowResponse{Status: "Occupied"}, nil, nil
	case session.Available, session.Parked:
		// fall through to install below
	default:
		return &v16.ReserveNowResponse{Status: "Rejected"}, nil, nil
	}

	_, _, err = s.Reserve(&session.Reservation{
		ID:     req.ReservationId,
		IdTag:  req.IdTag,
		Expiry: expiry,
	})
	if err != nil {
		return &v16.ReserveNowResponse{Status: "Rejected"}, nil, nil
	}
	return &v16.ReserveNowResponse{Status: "Accepted"}, []Followup{
		{Action: v16.ActionStatusNotification, Delay: 0},
	}, nil
}

func cancelReservation(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.CancelReservationRequest)

	if s.ReservationID == nil || *s.ReservationID != req.ReservationId {
		return &v16.CancelReservationResponse{Status: "Rejected"}, nil, nil
	}
	s.ClearReservation()
	if _, _, err := s.Transition(session.Available); err != nil {
		return &v16.CancelReservationResponse{Status: "Rejected"}, nil, nil
	}
	return &v16.CancelReservationResponse{Status: "Accepted"}, []Followup{
		{Action: v16.ActionStatusNotification, Delay: 0},
	}, nil
}

func setChargingProfile(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.SetChargingProfileRequest)
	if req.ChargingProfile == nil || req.ChargingProfile.ChargingSchedule == nil {
		return &v16.SetChargingProfileResponse{Status: "Rejected"}, nil, nil
	}
	status, err := ctx.SCP.Install(req.ChargingProfile, ctx.HasActiveTx, ctx.Now)
	if err != nil {
		return &v16.SetChargingProfileResponse{Status: "Rejected"}, nil, nil
	}
	return &v16.SetChargingProfileResponse{Status: status}, nil, nil
}

func clearChargingProfile(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.ClearChargingProfileRequest)
	sel := scp.ClearSelector{
		ID:         req.Id,
		HasID:      req.Id != 0,
		Purpose:    req.ChargingProfilePurpose,
		StackLevel: req.StackLevel,
		HasStack:   req.StackLevel != 0,
	}
	n := ctx.SCP.Clear(sel)
	if n == 0 {
		return &v16.ClearChargingProfileResponse{Status: "Unknown"}, nil, nil
	}
	return &v16.ClearChargingProfileResponse{Status: "Accepted"}, nil, nil
}

func getCompositeSchedule(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.GetCompositeScheduleRequest)

	duration := time.Duration(req.Duration) * time.Second
	if duration <= 0 {
		duration = time.Hour
	}
	unit := req.ChargingRateUnit
	if unit == "" {
		unit = "W"
	}

	periods := ctx.SCP.CompositeSchedule(ctx.Now, duration, unit, s.EffectivePhases())
	schedPeriods := make([]v16.ChargingSchedulePeriod, 0, len(periods))
	for _, p := range periods {
		schedPeriods = append(schedPeriods, v16.ChargingSchedulePeriod{
			StartPeriod:  p.StartPeriod,
			Limit:        p.Limit,
			NumberPhases: p.NumberPhases,
		})
	}

	return &v16.GetCompositeScheduleResponse{
		Status:        "Accepted",
		ConnectorId:   req.ConnectorId,
		ScheduleStart: ctx.Now.UTC().Format(time.RFC3339),
		ChargingSchedule: &v16.ChargingSchedule{
			Duration:               int(duration.Seconds()),
			ChargingRateUnit:       unit,
			ChargingSchedulePeriod: schedPeriods,
		},
	}, nil, nil
}

// standardConfigurationKeys mirrors the handful of OCPP 1.6-J core
// profile keys this simulator exposes to GetConfiguration.
func standardConfigurationKeys(s *session.Session) map[string]string {
	return map[string]string{
		"HeartbeatInterval":       strconv.Itoa(s.HeartbeatIntervalSec),
		"MeterValueSampleInterval": strconv.Itoa(s.MeterValuesIntervalSec),
		"ConnectorPhaseRotation":  "",
	}
}

func getConfiguration(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.GetConfigurationRequest)
	all := standardConfigurationKeys(s)

	if len(req.Key) == 0 {
		resp := &v16.GetConfigurationResponse{}
		for k, v := range all {
			resp.ConfigurationKey = append(resp.ConfigurationKey, v16.KeyValue{Key: k, Readonly: false, Value: v})
		}
		return resp, nil, nil
	}

	resp := &v16.GetConfigurationResponse{}
	for _, k := range req.Key {
		if v, ok := all[k]; ok {
			resp.ConfigurationKey = append(resp.ConfigurationKey, v16.KeyValue{Key: k, Readonly: false, Value: v})
		} else {
			resp.UnknownKey = append(resp.UnknownKey, k)
		}
	}
	return resp, nil, nil
}

func changeConfiguration(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.ChangeConfigurationRequest)
	switch req.Key {
	case "HeartbeatInterval":
		n, err := strconv.Atoi(req.Value)
		if err != nil || n <= 0 {
			return &v16.ChangeConfigurationResponse{Status: "Rejected"}, nil, nil
		}
		s.HeartbeatIntervalSec = n
		return &v16.ChangeConfigurationResponse{Status: "Accepted"}, nil, nil
	case "MeterValueSampleInterval":
		n, err := strconv.Atoi(req.Value)
		if err != nil || n <= 0 {
			return &v16.ChangeConfigurationResponse{Status: "Rejected"}, nil, nil
		}
		s.MeterValuesIntervalSec = n
		return &v16.ChangeConfigurationResponse{Status: "Accepted"}, nil, nil
	default:
		return &v16.ChangeConfigurationResponse{Status: "NotSupported"}, nil, nil
	}
}

func changeAvailability(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.ChangeAvailabilityRequest)

	inTransaction := s.State == session.Charging || s.State == session.SuspendedEVSE || s.State == session.SuspendedEV || s.State == session.Starting

	if req.Type == "Inoperative" {
		if inTransaction {
			return &v16.ChangeAvailabilityResponse{Status: "Scheduled"}, nil, nil
		}
		if _, _, err := s.Transition(session.Unavailable); err != nil {
			return &v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil, nil
		}
		return &v16.ChangeAvailabilityResponse{Status: "Accepted"}, []Followup{{Action: v16.ActionStatusNotification}}, nil
	}

	if s.State == session.Unavailable {
		if _, _, err := s.Transition(session.Available); err != nil {
			return &v16.ChangeAvailabilityResponse{Status: "Rejected"}, nil, nil
		}
		return &v16.ChangeAvailabilityResponse{Status: "Accepted"}, []Followup{{Action: v16.ActionStatusNotification}}, nil
	}
	return &v16.ChangeAvailabilityResponse{Status: "Accepted"}, nil, nil
}

func reset(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.ResetRequest)

	follow := []Followup{{Action: v16.ActionBootNotification}}
	if req.Type == "Hard" && ctx.HasActiveTx {
		follow = append([]Followup{{Action: v16.ActionStopTransaction}}, follow...)
	}
	return &v16.ResetResponse{Status: "Accepted"}, follow, nil
}

func unlockConnector(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	if s.State == session.Charging {
		return &v16.UnlockConnectorResponse{Status: "UnlockFailed"}, nil, nil
	}
	return &v16.UnlockConnectorResponse{Status: "Unlocked"}, nil, nil
}

func triggerMessage(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	req := reqI.(*v16.TriggerMessageRequest)

	supported := map[string]bool{
		v16.ActionBootNotification:   true,
		v16.ActionHeartbeat:          true,
		v16.ActionStatusNotification: true,
		v16.ActionMeterValues:        true,
	}
	if !supported[req.RequestedMessage] {
		return &v16.TriggerMessageResponse{Status: "NotImplemented"}, nil, nil
	}
	return &v16.TriggerMessageResponse{Status: "Accepted"}, []Followup{{Action: req.RequestedMessage}}, nil
}

func dataTransfer(s *session.Session, ctx Context, reqI interface{}) (interface{}, []Followup, error) {
	return &v16.DataTransferResponse{Status: "Accepted"}, nil, nil
}
