// Package physics implements the tick-driven metering model (I):
// advancing SoC and the energy register from the applied power, the
// vehicle's charging curve, and the SCP ceiling. Grounded on the
// teacher's MeterValues energy integration (charger/meter.go) and the
// periodic-tick pattern of ruslan-hut-ocpp-emu's sendMeterValue,
// generalized to consult a vehicle curve and an SCP ceiling instead of
// a single configured current limit.
package physics

import (
	"time"

	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
)

// EpsilonKW is the applied-power threshold below which the session is
// considered suspended, per §4.8 step 4.
const EpsilonKW = 0.01 // 10 W

// Result is one tick's computed outputs. The caller (the session
// supervisor) applies state transitions and enqueues outbound
// messages; this package has no side effects of its own.
type Result struct {
	AppliedPowerKW    float64
	EnergyDeltaWh     int
	NewEnergyWh       int
	NewSoCPercent     float64
	ShouldSuspend     bool // transition CHARGING -> SUSPENDED_EVSE
	ShouldResume      bool // transition SUSPENDED_* -> CHARGING
	ReachedTarget     bool // SoC >= targetSoC, caller should stop the transaction
}

// Tick advances one session by dt, consulting the SCP store for the
// instantaneous ceiling and the session's vehicle profile for the
// vehicle-side curve. It does not mutate sess; callers apply
// NewEnergyWh/NewSoCPercent themselves after deciding on any state
// transition.
func Tick(sess *session.Session, store *scp.Store, dt time.Duration, now time.Time) Result {
	phases := sess.EffectivePhases()
	pSCP := store.LimitKW(now, phases)

	pVehicle := sess.MaxPowerKW
	if sess.Vehicle != nil {
		if c := sess.Vehicle.Curve.PowerAt(sess.CurrentSoC); c > 0 {
			pVehicle = c
		}
	}

	pStation := sess.MaxPowerKW

	p := min3(pSCP, pVehicle, pStation)
	if p < 0 {
		p = 0
	}

	wasCharging := sess.State == session.Charging
	wasSuspended := sess.State == session.SuspendedEVSE || sess.State == session.SuspendedEV

	res := Result{AppliedPowerKW: p}
	if p <= EpsilonKW && wasCharging {
		res.ShouldSuspend = true
	}
	if p > EpsilonKW && wasSuspended {
		res.ShouldResume = true
	}

	eta := 1.0
	if sess.Vehicle != nil {
		eta = sess.Vehicle.Efficiency(sess.Kind.IsDC())
	}

	hours := dt.Hours()
	energyDeltaKWh := p * hours * eta
	energyDeltaWh := int(energyDeltaKWh * 1000)
	res.EnergyDeltaWh = energyDeltaWh
	res.NewEnergyWh = sess.EnergyWh + energyDeltaWh

	capacity := 1.0
	if sess.Vehicle != nil && sess.Vehicle.BatteryCapacity > 0 {
		capacity = sess.Vehicle.BatteryCapacity
	}
	socDelta := energyDeltaKWh / capacity * 100

	cap := 100.0
	if sess.TargetSoC > 0 && sess.TargetSoC < cap {
		cap = sess.TargetSoC
	}
	newSoC := sess.CurrentSoC + socDelta
	if newSoC > cap {
		newSoC = cap
	}
	res.NewSoCPercent = newSoC
	res.ReachedTarget = sess.TargetSoC > 0 && newSoC >= sess.TargetSoC

	return res
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
