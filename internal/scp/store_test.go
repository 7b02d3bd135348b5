package scp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
)

func TestScpClampAndClear(t *testing.T) {
	now := time.Now()
	s := New(230, 11, time.UTC)

	// Station max (11kW) applies with no profiles installed.
	assert.InDelta(t, 11, s.LimitKW(now, 3), 0.01)

	profile := &v16.ChargingProfile{
		ChargingProfileId:      1,
		StackLevel:             1,
		ChargingProfilePurpose: "TxProfile",
		ChargingProfileKind:    "Absolute",
		ChargingSchedule: &v16.ChargingSchedule{
			ChargingRateUnit: "W",
			ChargingSchedulePeriod: []v16.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 6000},
			},
		},
	}
	status, err := s.Install(profile, true, now)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", status)

	limitKW := s.LimitKW(now, 3)
	assert.LessOrEqual(t, limitKW*1000, 6010.0)

	cleared := s.Clear(ClearSelector{HasID: true, ID: 1})
	assert.Equal(t, 1, cleared)
	assert.InDelta(t, 11, s.LimitKW(now, 3), 0.01)

	clearedAgain := s.Clear(ClearSelector{HasID: true, ID: 1})
	assert.Equal(t, 0, clearedAgain, "clearing twice is idempotent")
}

func TestTxProfileRejectedWithoutTransaction(t *testing.T) {
	s := New(230, 11, time.UTC)
	profile := &v16.ChargingProfile{
		ChargingProfileId:      2,
		StackLevel:             0,
		ChargingProfilePurpose: "TxProfile",
		ChargingProfileKind:    "Absolute",
		ChargingSchedule: &v16.ChargingSchedule{
			ChargingRateUnit:       "W",
			ChargingSchedulePeriod: []v16.ChargingSchedulePeriod{{StartPeriod: 0, Limit: 5000}},
		},
	}
	status, err := s.Install(profile, false, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Rejected", status)
}

func TestAmpsToWattsConversion(t *testing.T) {
	s := New(230, 22, time.UTC)
	now := time.Now()
	profile := &v16.ChargingProfile{
		ChargingProfileId:      3,
		StackLevel:             1,
		ChargingProfilePurpose: "TxDefaultProfile",
		ChargingProfileKind:    "Absolute",
		ChargingSchedule: &v16.ChargingSchedule{
			ChargingRateUnit:       "A",
			ChargingSchedulePeriod: []v16.ChargingSchedulePeriod{{StartPeriod: 0, Limit: 16}},
		},
	}
	_, err := s.Install(profile, false, now)
	require.NoError(t, err)
	// 16A * 230V * 3 phases = 11040 W = 11.04 kW
	assert.InDelta(t, 11.04, s.LimitKW(now, 3), 0.01)
}
