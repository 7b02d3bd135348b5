package physics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
	"github.com/ocppfleet/simulator/internal/vehicle"
)

func newChargingSession() *session.Session {
	s := session.New("s1", "CP-A", 1)
	s.State = session.Charging
	s.Kind = session.ACTri
	s.NominalPhases = 3
	s.MaxPowerKW = 11
	s.CurrentSoC = 20
	s.TargetSoC = 80
	s.Vehicle = &vehicle.Profile{
		BatteryCapacity: 60,
		MaxACPowerKW:    11,
		ACEfficiency:    0.95,
		Curve: vehicle.Curve{
			{SoCPercent: 0, PowerKW: 11},
			{SoCPercent: 100, PowerKW: 11},
		},
	}
	return s
}

func TestTickNominalCharging(t *testing.T) {
	s := newChargingSession()
	store := scp.New(230, 11, time.UTC)
	now := time.Now()

	res := Tick(s, store, 10*time.Second, now)
	assert.InDelta(t, 11, res.AppliedPowerKW, 0.01)
	assert.Greater(t, res.EnergyDeltaWh, 0)
	assert.False(t, res.ShouldSuspend)
	assert.Greater(t, res.NewSoCPercent, s.CurrentSoC)
}

func TestTickEnergyMonotonicAcrossTicks(t *testing.T) {
	s := newChargingSession()
	store := scp.New(230, 11, time.UTC)
	now := time.Now()

	energy := 0
	for i := 0; i < 60; i++ {
		res := Tick(s, store, 10*time.Second, now)
		assert.GreaterOrEqual(t, res.NewEnergyWh, energy)
		energy = res.NewEnergyWh
		s.EnergyWh = res.NewEnergyWh
		s.CurrentSoC = res.NewSoCPercent
		now = now.Add(10 * time.Second)
	}
	assert.GreaterOrEqual(t, energy, 60*29) // 11 kW x 10 s x 0.95 = 29 Wh per tick (truncated), 60 ticks
}

func TestTickSuspendsWhenSCPZeroesCeiling(t *testing.T) {
	s := newChargingSession()
	store := scp.New(230, 0.0, time.UTC) // station max 0 forces suspend
	now := time.Now()

	res := Tick(s, store, 10*time.Second, now)
	assert.True(t, res.ShouldSuspend)
	assert.LessOrEqual(t, res.AppliedPowerKW, EpsilonKW)
}

func TestTickReachesTarget(t *testing.T) {
	s := newChargingSession()
	s.CurrentSoC = 79.99
	s.TargetSoC = 80
	store := scp.New(230, 11, time.UTC)
	res := Tick(s, store, 10*time.Second, time.Now())
	assert.True(t, res.ReachedTarget)
	assert.LessOrEqual(t, res.NewSoCPercent, 80.0001)
}
