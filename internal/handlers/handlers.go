// Package handlers implements the inbound handler registry (E): one
// function per CSMS->CP action, validated by validator/v10 before
// execution and dispatched by action name, in the manner of the
// teacher's per-action charger/*.go files — generalized from a single
// hardcoded charger into a registry addressable by action name, and
// from direct wire replies into pure (session, request) -> (response,
// follow-up) functions the supervisor calls and then itself replies
// with.
package handlers

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
)

var validate = validator.New()

// ValidationError classifies a malformed payload into the OCPP-J
// CALLERROR code the peer should reply with (§4.4).
type ValidationError struct {
	Code wire.ErrorCode
	Err  error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Followup is an outbound action the handler wants issued after its
// reply has been serialised — handlers never block their own reply
// waiting on further CSMS interaction (§4.4).
type Followup struct {
	Action string
	Delay  time.Duration
}

// Context bundles the collaborators a handler needs beyond the
// session itself.
type Context struct {
	SCP          *scp.Store
	Now          time.Time
	HasActiveTx  bool
	StationMaxKW float64
}

// Handler is the uniform signature every registered action implements:
// decode has already happened, decoded has already been validated by
// Validate, and the handler returns the reply payload plus any
// follow-up actions to enqueue.
type Handler func(s *session.Session, ctx Context, req interface{}) (resp interface{}, follow []Followup, err error)

// Registry maps action name to Handler and to an empty request value
// used both for json.Unmarshal and for struct-tag validation.
type Registry struct {
	handlers map[string]Handler
	newReq   map[string]func() interface{}
}

// NewRegistry builds the registry with every action required by §4.4
// wired in.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		newReq:   make(map[string]func() interface{}),
	}
	r.register(v16.ActionRemoteStartTransaction, func() interface{} { return &v16.RemoteStartTransactionRequest{} }, remoteStartTransaction)
	r.register(v16.ActionRemoteStopTransaction, func() interface{} { return &v16.RemoteStopTransactionRequest{} }, remoteStopTransaction)
	r.register(v16.ActionReserveNow, func() interface{} { return &v16.ReserveNowRequest{} }, reserveNow)
	r.register(v16.ActionCancelReservation, func() interface{} { return &v16.CancelReservationRequest{} }, cancelReservation)
	r.register(v16.ActionSetChargingProfile, func() interface{} { return &v16.SetChargingProfileRequest{} }, setChargingProfile)
	r.register(v16.ActionClearChargingProfile, func() interface{} { return &v16.ClearChargingProfileRequest{} }, clearChargingProfile)
	r.register(v16.ActionGetCompositeSchedule, func() interface{} { return &v16.GetCompositeScheduleRequest{} }, getCompositeSchedule)
	r.register(v16.ActionGetConfiguration, func() interface{} { return &v16.GetConfigurationRequest{} }, getConfiguration)
	r.register(v16.ActionChangeConfiguration, func() interface{} { return &v16.ChangeConfigurationRequest{} }, changeConfiguration)
	r.register(v16.ActionChangeAvailability, func() interface{} { return &v16.ChangeAvailabilityRequest{} }, changeAvailability)
	r.register(v16.ActionReset, func() interface{} { return &v16.ResetRequest{} }, reset)
	r.register(v16.ActionUnlockConnector, func() interface{} { return &v16.UnlockConnectorRequest{} }, unlockConnector)
	r.register(v16.ActionTriggerMessage, func() interface{} { return &v16.TriggerMessageRequest{} }, triggerMessage)
	r.register(v16.ActionDataTransfer, func() interface{} { return &v16.DataTransferRequest{} }, dataTransfer)
	return r
}

func (r *Registry) register(action string, newReq func() interface{}, h Handler) {
	r.newReq[action] = newReq
	r.handlers[action] = h
}

// Lookup returns the handler and request constructor for action, or
// ok=false for an unregistered action (the peer replies NotImplemented).
func (r *Registry) Lookup(action string) (h Handler, newReq func() interface{}, ok bool) {
	h, ok = r.handlers[action]
	if !ok {
		return nil, nil, false
	}
	return h, r.newReq[action], true
}

// Validate runs struct-tag validation on a decoded request, mapping a
// validator failure to the OCPP-J CALLERROR vocabulary. Required-field
// failures become OccurrenceConstraintViolation; everything else
// (range, enum-like "oneof") becomes PropertyConstraintViolation.
func Validate(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &ValidationError{Code: wire.FormationViolation, Err: err}
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return &ValidationError{
			Code: wire.OccurrenceConstraintViolation,
			Err:  fmt.Errorf("missing required field %s", fe.Field()),
		}
	}
	return &ValidationError{
		Code: wire.PropertyConstraintViolation,
		Err:  fmt.Errorf("field %s failed %s", fe.Field(), fe.Tag()),
	}
}
