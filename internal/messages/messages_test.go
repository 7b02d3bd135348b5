package messages

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
	"github.com/ocppfleet/simulator/internal/peer"
	"github.com/ocppfleet/simulator/internal/session"
)

// scriptedTransport replies to each CALL action with a preconfigured
// payload, in order received; unlisted actions get an empty object.
type scriptedTransport struct {
	mu       sync.Mutex
	toRead   chan string
	replies  map[string]interface{}
	received []string
}

func newScriptedTransport(replies map[string]interface{}) *scriptedTransport {
	return &scriptedTransport{toRead: make(chan string, 16), replies: replies}
}

func (f *scriptedTransport) ReadText() (string, error) {
	s, ok := <-f.toRead
	if !ok {
		return "", context.Canceled
	}
	return s, nil
}

func (f *scriptedTransport) SendText(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var raw []json.RawMessage
	_ = json.Unmarshal(data, &raw)
	var mt int
	_ = json.Unmarshal(raw[0], &mt)
	if wire.MessageType(mt) != wire.Call {
		return
	}
	var msgID, action string
	_ = json.Unmarshal(raw[1], &msgID)
	_ = json.Unmarshal(raw[2], &action)
	f.received = append(f.received, action)

	reply, ok := f.replies[action]
	if !ok {
		reply = struct{}{}
	}
	resp, _ := wire.EncodeCallResult(msgID, reply)
	f.toRead <- string(resp)
}

func (f *scriptedTransport) Close() {}

func newTestPeer(t *testing.T, replies map[string]interface{}) (*peer.Peer, func()) {
	t.Helper()
	ft := newScriptedTransport(replies)
	p := peer.New("wss://example.invalid", nil, 2*time.Second, 8, func(_ string, _ *tls.Config) (peer.Transport, error) {
		return ft, nil
	})
	require.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = p.RunReader(ctx, func(f *wire.Frame) { p.FulfilFrame(f) })
	}()
	return p, cancel
}

func TestBootNotificationAcceptedAdoptsIntervalAndState(t *testing.T) {
	p, cancel := newTestPeer(t, map[string]interface{}{
		v16.ActionBootNotification: v16.BootNotificationResponse{
			Status:      v16.RegistrationAccepted,
			CurrentTime: "2026-01-01T00:00:00Z",
			Interval:    60,
		},
	})
	defer cancel()

	s := session.New("s1", "CP-1", 1)
	s.State = session.Connected

	resp, err := BootNotification(context.Background(), p, s, time.Now())
	require.NoError(t, err)
	assert.Equal(t, v16.RegistrationAccepted, resp.Status)
	assert.Equal(t, 60, s.HeartbeatIntervalSec)
	assert.Equal(t, session.BootAccepted, s.State)
}

func TestStartTransactionAcceptedMovesToCharging(t *testing.T) {
	p, cancel := newTestPeer(t, map[string]interface{}{
		v16.ActionStartTransaction: v16.StartTransactionResponse{
			TransactionId: 7,
			IdTagInfo:     v16.IdTagInfo{Status: "Accepted"},
		},
	})
	defer cancel()

	s := session.New("s1", "CP-1", 1)
	s.State = session.Authorized

	resp, err := StartTransaction(context.Background(), p, s, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, resp.TransactionId)
	require.NotNil(t, s.TransactionID)
	assert.Equal(t, 7, *s.TransactionID)
	assert.Equal(t, session.Charging, s.State)
}

func TestStopTransactionClearsTransactionID(t *testing.T) {
	p, cancel := newTestPeer(t, map[string]interface{}{
		v16.ActionStopTransaction: v16.StopTransactionResponse{},
	})
	defer cancel()

	s := session.New("s1", "CP-1", 1)
	s.State = session.Charging
	txID := 7
	s.TransactionID = &txID
	s.EnergyWh = 4200

	_, err := StopTransaction(context.Background(), p, s, session.ReasonLocal, time.Now())
	require.NoError(t, err)
	assert.Nil(t, s.TransactionID)
	assert.Equal(t, session.Stopping, s.State)
}
