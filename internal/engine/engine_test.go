package engine

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

// scriptedTransport answers every CALL with a preconfigured reply,
// shared verbatim across action names so every session in a batch
// gets the same scripted CSMS behavior.
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

func (f *scriptedTransport) Close() {}

func acceptAllReplies() map[string]interface{} {
	return map[string]interface{}{
		v16.ActionBootNotification: v16.BootNotificationResponse{Status: v16.RegistrationAccepted, Interval: 45},
		v16.ActionAuthorize:        v16.AuthorizeResponse{IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
		v16.ActionStartTransaction: v16.StartTransactionResponse{TransactionId: 1, IdTagInfo: v16.IdTagInfo{Status: "Accepted"}},
		v16.ActionStopTransaction:  v16.StopTransactionResponse{},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.MaxSessions = 5
	cfg.LoadTestPacingPerSec = 1000
	cfg.LoadTestBatchSize = 10
	cfg.OCPPRequestTimeoutMs = 2000

	dial := func(_ string, _ *tls.Config) (peer.Transport, error) {
		return newScriptedTransport(acceptAllReplies()), nil
	}
	return New(cfg, collab.NewMemoryStore(nil), collab.NewMemoryBus(100), nil, dial)
}

func TestCreateRejectsBeyondMaxSessions(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 5; i++ {
		_, err := e.Create(CreateOptions{CPID: "CP-1", ConnectorID: 1, Kind: session.ACTri})
		require.NoError(t, err)
	}
	_, err := e.Create(CreateOptions{CPID: "CP-1", ConnectorID: 1})
	require.Error(t, err)
	var exhausted *ResourceExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestDeleteRemovesSessionAndStopsSupervisor(t *testing.T) {
	e := newTestEngine(t)
	sv, err := e.Create(CreateOptions{CPID: "CP-1", ConnectorID: 1})
	require.NoError(t, err)

	require.NoError(t, e.Delete(sv.Session.ID))
	_, ok := e.Get(sv.Session.ID)
	assert.False(t, ok)

	err = e.Delete(sv.Session.ID)
	var nf *NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestCreateNRespectsSubmittedAccounting(t *testing.T) {
	e := newTestEngine(t)
	result := e.CreateN(context.Background(), 3, CreateOptions{CPID: "CP-BATCH", ConnectorID: 1})

	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, result.Submitted, result.Succeeded+result.Failed+result.Cancelled)
	assert.Equal(t, 3, e.Count())
}

func TestCreateNReportsFailuresOnceMaxSessionsReached(t *testing.T) {
	e := newTestEngine(t)
	result := e.CreateN(context.Background(), 8, CreateOptions{CPID: "CP-BATCH", ConnectorID: 1})

	assert.Equal(t, 8, result.Submitted)
	assert.Equal(t, 5, result.Succeeded)
	assert.Equal(t, 3, result.Failed)
	assert.Equal(t, result.Submitted, result.Succeeded+result.Failed+result.Cancelled)
}

func TestBootThenStartThenStopAllPaced(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		_, err := e.Create(CreateOptions{CPID: "CP-FLEET", ConnectorID: 1})
		require.NoError(t, err)
	}

	ctx := context.Background()
	connectResult := e.ConnectAll(ctx)
	assert.Equal(t, 3, connectResult.Succeeded)

	bootResult := e.BootAll(ctx)
	assert.Equal(t, 3, bootResult.Succeeded)

	for _, id := range e.List() {
		require.NoError(t, e.mustPlug(id))
	}

	startResult := e.StartAll(ctx, "TAG_1")
	assert.Equal(t, 3, startResult.Succeeded)
	assert.Equal(t, 3, e.Snapshot().ChargingSessions)

	stopResult := e.StopAll(ctx, session.ReasonLocal)
	assert.Equal(t, 3, stopResult.Succeeded)
}

// mustPlug is a test-only helper reaching past the registry into a
// session's supervisor to simulate cable-connect before StartAll.
func (e *Engine) mustPlug(id string) error {
	sv, ok := e.Get(id)
	if !ok {
		return &NotFound{SessionID: id}
	}
	return sv.Plug(nil)
}

func TestSnapshotReflectsActiveConnections(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(CreateOptions{CPID: "CP-1", ConnectorID: 1})
	require.NoError(t, err)

	assert.Equal(t, 0, e.Snapshot().ActiveConnections)

	e.ConnectAll(context.Background())
	assert.Eventually(t, func() bool {
		return e.Snapshot().ActiveConnections == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMarkDegradedRefusesNewSessions(t *testing.T) {
	e := newTestEngine(t)
	e.MarkDegraded("store unreachable", nil)
	assert.True(t, e.Degraded())

	_, err := e.Create(CreateOptions{CPID: "CP-1", ConnectorID: 1})
	var fatal *FatalEngineError
	assert.ErrorAs(t, err, &fatal)
}
