// Package scp implements the Smart-Charging-Profile store and
// composite-schedule resolution (H): per-session profile installation,
// replacement, clearing, and the instantaneous-ceiling / composite
// schedule algorithms of spec §4.7. Grounded on the purpose/stack-level
// layering and W/A schedule shape of JoseRFJuniorLLMs-EV-IA's
// SmartChargingService, generalized from a single best-effort schedule
// into the full purpose-layered composite evaluation this core needs.
package scp

import (
	"time"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
)

// Purpose ranks, most specific (highest priority) first.
var purposeRank = map[string]int{
	"TxProfile":          3,
	"TxDefaultProfile":    2,
	"ChargePointMaxProfile": 1,
}

type installed struct {
	profile     *v16.ChargingProfile
	installedAt time.Time
}

// Store holds a single session's charging profiles. It is owned and
// mutated exclusively by that session's supervisor goroutine (single
// writer, per §5); no internal locking is required.
type Store struct {
	chargePointMax *installed
	txDefault      []*installed
	txProfile      *installed

	NominalVoltageV float64
	StationMaxKW    float64
	Location        *time.Location
}

// New builds an empty store for one session.
func New(nominalVoltageV, stationMaxKW float64, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{NominalVoltageV: nominalVoltageV, StationMaxKW: stationMaxKW, Location: loc}
}

// Install applies the installation rules of §4.7: same
// (purpose,stackLevel,chargingProfileId) replaces the previous entry;
// a TxProfile requires an active transaction.
func (s *Store) Install(p *v16.ChargingProfile, hasActiveTransaction bool, now time.Time) (status string, err error) {
	if p.ChargingProfilePurpose == "TxProfile" && !hasActiveTransaction {
		return "Rejected", nil
	}
	rec := &installed{profile: p, installedAt: now}

	switch p.ChargingProfilePurpose {
	case "ChargePointMaxProfile":
		s.chargePointMax = rec
	case "TxProfile":
		s.txProfile = rec
	case "TxDefaultProfile":
		replaced := false
		for i, existing := range s.txDefault {
			if existing.profile.StackLevel == p.StackLevel && existing.profile.ChargingProfileId == p.ChargingProfileId {
				s.txDefault[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			s.txDefault = append(s.txDefault, rec)
		}
	default:
		return "NotSupported", nil
	}
	return "Accepted", nil
}

// ClearSelector names any subset of the ClearChargingProfile matchers;
// a zero value field means "don't filter on this".
type ClearSelector struct {
	ID         int
	HasID      bool
	Purpose    string
	StackLevel int
	HasStack   bool
}

func (sel ClearSelector) matches(p *v16.ChargingProfile) bool {
	if sel.HasID && p.ChargingProfileId != sel.ID {
		return false
	}
	if sel.Purpose != "" && p.ChargingProfilePurpose != sel.Purpose {
		return false
	}
	if sel.HasStack && p.StackLevel != sel.StackLevel {
		return false
	}
	return true
}

// Clear removes every installed profile matching sel and reports how
// many were removed. Idempotent: clearing twice with the same selector
// yields 0 removed and the same resulting store contents.
func (s *Store) Clear(sel ClearSelector) int {
	cleared := 0
	if s.chargePointMax != nil && sel.matches(s.chargePointMax.profile) {
		s.chargePointMax = nil
		cleared++
	}
	if s.txProfile != nil && sel.matches(s.txProfile.profile) {
		s.txProfile = nil
		cleared++
	}
	kept := s.txDefault[:0]
	for _, rec := range s.txDefault {
		if sel.matches(rec.profile) {
			cleared++
			continue
		}
		kept = append(kept, rec)
	}
	s.txDefault = kept
	return cleared
}

// watts converts a schedule limit expressed in the profile's unit to
// Watts using the store's nominal voltage and the given phase count.
func (s *Store) watts(unit string, limit float64, phases int) float64 {
	if unit == "A" {
		if phases <= 0 {
			phases = 1
		}
		return limit * s.NominalVoltageV * float64(phases)
	}
	return limit
}
