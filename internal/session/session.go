package session

import (
	"time"

	"github.com/ocppfleet/simulator/internal/vehicle"
)

// ChargerKind is the physical connector family simulated.
type ChargerKind string

const (
	ACMono ChargerKind = "AC_MONO"
	ACBi   ChargerKind = "AC_BI"
	ACTri  ChargerKind = "AC_TRI"
	DC     ChargerKind = "DC"
)

// IsDC reports whether the kind draws DC power (affects efficiency
// and vehicle curve lookups).
func (k ChargerKind) IsDC() bool { return k == DC }

// Phases returns the nominal phase count for an AC kind; DC reports 0.
func (k ChargerKind) Phases() int {
	switch k {
	case ACMono:
		return 1
	case ACBi:
		return 2
	case ACTri:
		return 3
	default:
		return 0
	}
}

// Session is one logical Charge Point, owned end-to-end by a single
// supervisor goroutine. Every field below is mutated only from that
// goroutine's run loop — no lock is needed (§5).
type Session struct {
	ID          string
	CPID        string
	ConnectorID int

	CSMSEndpoint string
	BearerToken  string

	State        State
	lastOCPPStat string // last StatusNotification status emitted, for change detection
	Connected    bool
	Authorized   bool

	TransactionID *int
	IdTag         string

	ReservationID     *int
	ReservationIdTag  string
	ReservationExpiry time.Time

	Kind             ChargerKind
	MaxVoltageV      float64
	MaxCurrentA      float64
	MaxPowerKW       float64
	NominalPhases    int

	VehicleID string
	Vehicle   *vehicle.Profile

	InitialSoC float64
	CurrentSoC float64
	TargetSoC  float64

	AppliedPowerKW float64
	AppliedCurentA float64
	EnergyWh       int

	Vendor          string
	Model           string
	FirmwareVersion string
	SerialNumber    string

	HeartbeatIntervalSec   int
	MeterValuesIntervalSec int

	CreatedAt         time.Time
	LastStateChangeAt time.Time
}

// New constructs a session in its initial DISCONNECTED state.
func New(id, cpID string, connectorID int) *Session {
	now := time.Now()
	return &Session{
		ID:                     id,
		CPID:                   cpID,
		ConnectorID:            connectorID,
		State:                  Disconnected,
		NominalPhases:          3,
		HeartbeatIntervalSec:   30,
		MeterValuesIntervalSec: 10,
		CreatedAt:              now,
		LastStateChangeAt:      now,
	}
}

// Transition attempts to move the session to `to`. On success it
// returns the OCPP status to emit as a StatusNotification and true,
// provided it differs from the last one emitted; callers that receive
// false from Transition still moved state but should not emit.
// Illegal transitions return a *TransitionError and leave state
// untouched.
func (s *Session) Transition(to State) (ocppStatus string, shouldEmit bool, err error) {
	if !CanTransition(s.State, to) {
		return "", false, &TransitionError{From: s.State, To: to}
	}
	s.State = to
	s.LastStateChangeAt = time.Now()
	status, mapped := to.OCPPStatus()
	if !mapped || status == s.lastOCPPStat {
		return status, false, nil
	}
	s.lastOCPPStat = status
	return status, true, nil
}

// EffectivePhases returns the phase count to use for A<->W conversion:
// the session's configured nominal phase count, or the charger kind's
// own phase count if unset.
func (s *Session) EffectivePhases() int {
	if s.NominalPhases > 0 {
		return s.NominalPhases
	}
	return s.Kind.Phases()
}
