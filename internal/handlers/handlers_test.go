package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/scp"
	"github.com/ocppfleet/simulator/internal/session"
)

func newTestSession(t *testing.T, state session.State) *session.Session {
	t.Helper()
	s := session.New("s1", "CP-1", 1)
	s.State = state
	return s
}

func TestRegistryLookupKnownAndUnknownAction(t *testing.T) {
	reg := NewRegistry()

	h, newReq, ok := reg.Lookup(v16.ActionReserveNow)
	require.True(t, ok)
	require.NotNil(t, h)
	require.NotNil(t, newReq())

	_, _, ok = reg.Lookup("NotARealAction")
	assert.False(t, ok)
}

func TestValidateMissingRequiredFieldYieldsOccurrenceViolation(t *testing.T) {
	req := &v16.RemoteStartTransactionRequest{}
	err := Validate(req)
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Equal(t, "OccurrenceConstraintViolation", string(verr.Code))
}

func TestRemoteStartTransactionRejectedWhenReservedForAnotherTag(t *testing.T) {
	s := newTestSession(t, session.Reserved)
	s.ReservationIdTag = "TAG_X"

	req := &v16.RemoteStartTransactionRequest{IdTag: "TAG_Y"}
	resp, follow, err := remoteStartTransaction(s, Context{Now: time.Now()}, req)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", resp.(*v16.RemoteStartTransactionResponse).Status)
	assert.Empty(t, follow)
}

func TestRemoteStartTransactionAcceptedWhenReservationMatches(t *testing.T) {
	s := newTestSession(t, session.Reserved)
	s.ReservationIdTag = "TAG_X"

	req := &v16.RemoteStartTransactionRequest{IdTag: "TAG_X"}
	resp, follow, err := remoteStartTransaction(s, Context{Now: time.Now()}, req)
	require.NoError(t, err)
	assert.Equal(t, "Accepted", resp.(*v16.RemoteStartTransactionResponse).Status)
	require.Len(t, follow, 2)
	assert.Equal(t, v16.ActionAuthorize, follow[0].Action)
}

func TestReserveNowRejectsPastExpiry(t *testing.T) {
	s := newTestSession(t, session.Available)
	now := time.Now()
	req := &v16.ReserveNowRequest{
		ConnectorId: 1,
		ExpiryDate:  now.Add(-time.Minute).Format(time.RFC3339),
		IdTag:       "TAG_X",
	}
	resp, _, err := reserveNow(s, Context{Now: now}, req)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", resp.(*v16.ReserveNowResponse).Status)
}

func TestReserveNowThenCancelRoundTrip(t *testing.T) {
	s := newTestSession(t, session.Available)
	now := time.Now()
	req := &v16.ReserveNowRequest{
		ConnectorId:   1,
		ExpiryDate:    now.Add(5 * time.Minute).Format(time.RFC3339),
		IdTag:         "TAG_X",
		ReservationId: 42,
	}
	resp, _, err := reserveNow(s, Context{Now: now}, req)
	require.NoError(t, err)
	require.Equal(t, "Accepted", resp.(*v16.ReserveNowResponse).Status)
	assert.Equal(t, session.Reserved, s.State)

	cancelResp, _, err := cancelReservation(s, Context{Now: now}, &v16.CancelReservationRequest{ReservationId: 42})
	require.NoError(t, err)
	assert.Equal(t, "Accepted", cancelResp.(*v16.CancelReservationResponse).Status)
	assert.Equal(t, session.Available, s.State)
	assert.False(t, s.HasReservation())
}

func TestSetChargingProfileRejectsTxProfileWithoutActiveTransaction(t *testing.T) {
	s := newTestSession(t, session.Charging)
	store := scp.New(230, 22, time.UTC)

	req := &v16.SetChargingProfileRequest{
		ConnectorId: 1,
		ChargingProfile: &v16.ChargingProfile{
			ChargingProfileId:      1,
			StackLevel:             0,
			ChargingProfilePurpose: "TxProfile",
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: &v16.ChargingSchedule{
				ChargingRateUnit: "W",
				ChargingSchedulePeriod: []v16.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: 7000},
				},
			},
		},
	}
	resp, _, err := setChargingProfile(s, Context{SCP: store, Now: time.Now(), HasActiveTx: false}, req)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", resp.(*v16.SetChargingProfileResponse).Status)
}

func TestUnlockConnectorFailsWhileCharging(t *testing.T) {
	s := newTestSession(t, session.Charging)
	resp, _, err := unlockConnector(s, Context{}, &v16.UnlockConnectorRequest{ConnectorId: 1})
	require.NoError(t, err)
	assert.Equal(t, "UnlockFailed", resp.(*v16.UnlockConnectorResponse).Status)
}

func TestTriggerMessageRejectsUnsupportedAction(t *testing.T) {
	s := newTestSession(t, session.Available)
	resp, _, err := triggerMessage(s, Context{}, &v16.TriggerMessageRequest{RequestedMessage: "DiagnosticsStatusNotification"})
	require.NoError(t, err)
	assert.Equal(t, "NotImplemented", resp.(*v16.TriggerMessageResponse).Status)
}
