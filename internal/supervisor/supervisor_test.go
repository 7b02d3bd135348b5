package supervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocppfleet/simulator/internal/collab"
	"github.com/ocppfleet/simulator/internal/config"
	"github.com/ocppfleet/simulator/internal/ocpp/v16"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
	"github.com/ocppfleet/simulator/internal/peer"
	"github.com/ocppfleet/simulator/internal/session"
)

// scriptedTransport answers every CALL with a preconfigured reply and
// lets the test push arbitrary inbound CALL frames of its own (used to
// exercise dispatchFrame without a deadlock).
type scriptedTransport struct {
	mu      sync.Mutex
	toRead  chan string
	replies map[string]interface{}
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

	reply, ok := f.replies[action]
	if !ok {
		reply = struct{}{}
	}
	resp, _ := wire.EncodeCallResult(msgID, reply)
	f.toRead <- string(resp)
}

func (f *scriptedTransport) pushInbound(messageID, action string, payload interface{}) {
	data, _ := wire.EncodeCall(messageID, action, payload)
	f.toRead <- string(data)
}

func (f *scriptedTransport) Close() {}

func newTestSupervisor(t *testing.T, replies map[string]interface{}) (*Supervisor, *scriptedTransport) {
	t.Helper()
	ft := newScriptedTransport(replies)
	cfg := config.Default()
	cfg.OCPPRequestTimeoutMs = 2000

	sess := session.New("s1", "CP-1", 1)
	sess.Vendor, sess.Model = "Acme", "X1"

	store := collab.NewMemoryStore(nil)
	bus := collab.NewMemoryBus(100)

	sv := New(sess, cfg, Deps{Store: store, Bus: bus}, func(_ string, _ *tls.Config) (peer.Transport, error) {
		return ft, nil
	}, nil)

	go sv.Run()
	require.NoError(t, sv.Connect())

	return sv, ft
}

func TestBootThenStartThenStopTransaction(t *testing.T) {
	sv, _ := newTestSupervisor(t, map[string]interface{}{
		v16.ActionBootNotification: v16.BootNotificationResponse{Status: v16.RegistrationAccepted, Interval: 45},
		v16.ActionAuthorize:        v16.AuthorizeResponse{IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
		v16.ActionStartTransaction: v16.StartTransactionResponse{TransactionId: 9, IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
		v16.ActionStopTransaction:  v16.StopTransactionResponse{},
	})
	defer sv.Stop()

	_, err := sv.Boot()
	require.NoError(t, err)
	assert.Equal(t, session.BootAccepted, sv.Session.State)
	assert.Equal(t, 45, sv.Session.HeartbeatIntervalSec)

	require.NoError(t, sv.Plug(nil))

	resp, err := sv.StartTransaction("TAG_1")
	require.NoError(t, err)
	assert.Equal(t, 9, resp.TransactionId)
	assert.Equal(t, session.Charging, sv.Session.State)

	_, err = sv.StopTransaction(session.ReasonLocal)
	require.NoError(t, err)
	assert.Nil(t, sv.Session.TransactionID)
}

func TestInboundRemoteStartTransactionDispatchedWithoutDeadlock(t *testing.T) {
	sv, ft := newTestSupervisor(t, map[string]interface{}{
		v16.ActionBootNotification: v16.BootNotificationResponse{Status: v16.RegistrationAccepted, Interval: 45},
		v16.ActionAuthorize:        v16.AuthorizeResponse{IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
		v16.ActionStartTransaction: v16.StartTransactionResponse{TransactionId: 3, IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
	})
	defer sv.Stop()

	_, err := sv.Boot()
	require.NoError(t, err)
	require.NoError(t, sv.Plug(nil))

	ft.pushInbound("remote-1", v16.ActionRemoteStartTransaction, v16.RemoteStartTransactionRequest{IdTag: "TAG_2"})

	require.Eventually(t, func() bool {
		return sv.Session.TransactionID != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnexpectedDisconnectReconnectsWithBackoff(t *testing.T) {
	cfg := config.Default()
	cfg.OCPPRequestTimeoutMs = 2000
	cfg.ReconnectInitialMs = 5
	cfg.ReconnectMaxMs = 20

	sess := session.New("s1", "CP-1", 1)
	sess.Vendor, sess.Model = "Acme", "X1"

	store := collab.NewMemoryStore(nil)
	bus := collab.NewMemoryBus(100)

	var mu sync.Mutex
	var transports []*scriptedTransport
	dial := func(_ string, _ *tls.Config) (peer.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		ft := newScriptedTransport(map[string]interface{}{
			v16.ActionBootNotification: v16.BootNotificationResponse{Status: v16.RegistrationAccepted, Interval: 45},
		})
		transports = append(transports, ft)
		return ft, nil
	}

	sv := New(sess, cfg, Deps{Store: store, Bus: bus}, dial, nil)
	go sv.Run()
	defer sv.Stop()
	require.NoError(t, sv.Connect())
	assert.Equal(t, session.Connected, sv.Session.State)

	mu.Lock()
	first := transports[0]
	mu.Unlock()
	close(first.toRead) // simulate the transport dying out from under the reader

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transports) >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected a redial attempt")

	require.Eventually(t, func() bool {
		return sv.Session.State == session.Connected && sv.Peer.Connected()
	}, 2*time.Second, 10*time.Millisecond, "expected the session to reconnect")
}

func TestReservationWatchdogExpiresReservation(t *testing.T) {
	sv, _ := newTestSupervisor(t, map[string]interface{}{
		v16.ActionBootNotification: v16.BootNotificationResponse{Status: v16.RegistrationAccepted, Interval: 45},
	})
	defer sv.Stop()

	_, err := sv.Boot()
	require.NoError(t, err)

	_, err = sv.call(func() (interface{}, error) {
		_, _, tErr := sv.Session.Transition(session.Available)
		return nil, tErr
	})
	require.NoError(t, err)

	_, err = sv.call(func() (interface{}, error) {
		_, _, rErr := sv.Session.Reserve(&session.Reservation{ID: 1, IdTag: "TAG_X", Expiry: sv.now().Add(10 * time.Millisecond)})
		return nil, rErr
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sv.Session.State == session.Available
	}, 3*time.Second, 20*time.Millisecond)
}
