package peer

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
)

// fakeTransport is an in-memory Transport that echoes an
// Accepted-style CALLRESULT for whatever CALL it is sent.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	toRead chan string
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{toRead: make(chan string, 16)}
}

func (f *fakeTransport) ReadText() (string, error) {
	s, ok := <-f.toRead
	if !ok {
		return "", context.Canceled
	}
	return s, nil
}

func (f *fakeTransport) SendText(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))

	var raw []json.RawMessage
	_ = json.Unmarshal(data, &raw)
	var mt int
	_ = json.Unmarshal(raw[0], &mt)
	if wire.MessageType(mt) == wire.Call {
		var msgID string
		_ = json.Unmarshal(raw[1], &msgID)
		resp, _ := wire.EncodeCallResult(msgID, v16.HeartbeatResponse{CurrentTime: "2026-01-01T00:00:00Z"})
		f.toRead <- string(resp)
	}
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toRead)
	}
}

func TestCallRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	p := New("wss://example.invalid", nil, 2*time.Second, 8, func(_ string, _ *tls.Config) (Transport, error) {
		return ft, nil
	})
	require.NoError(t, p.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = p.RunReader(ctx, func(f *wire.Frame) {
			p.FulfilFrame(f)
		})
	}()

	payload, err := p.Call(context.Background(), v16.ActionHeartbeat, v16.HeartbeatRequest{})
	require.NoError(t, err)

	var resp v16.HeartbeatResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	assert.Equal(t, "2026-01-01T00:00:00Z", resp.CurrentTime)
}

func TestCorrelatorIDsMonotonic(t *testing.T) {
	c := NewCorrelator()
	a := c.NextMessageID()
	b := c.NextMessageID()
	assert.Equal(t, []string{"1", "2"}, []string{a, b})
}

func TestFailAllFulfilsPendingWithDisconnected(t *testing.T) {
	c := NewCorrelator()
	wait := c.Register("1", v16.ActionHeartbeat, time.Second)
	c.FailAll()
	_, err := wait(context.Background())
	require.Error(t, err)
	var de *DisconnectedError
	assert.ErrorAs(t, err, &de)
}
