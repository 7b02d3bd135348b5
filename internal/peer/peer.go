package peer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weilun-shrimp/wlgows/client"
	"github.com/weilun-shrimp/wlgows/connection"

	"github.com/ocppfleet/simulator/internal/metrics"
	"github.com/ocppfleet/simulator/internal/ocpp/wire"
)

// Transport is the minimal surface this package needs from a
// connected WebSocket. It exists so tests can substitute a fake
// connection instead of dialing a real CSMS; wlgowsTransport below
// adapts the real github.com/weilun-shrimp/wlgows client to it.
type Transport interface {
	ReadText() (string, error)
	SendText(data []byte)
	Close()
}

type wlgowsTransport struct {
	conn *connection.ClientConn
}

func (t *wlgowsTransport) ReadText() (string, error) {
	msg, err := t.conn.GetNextMsg()
	if err != nil {
		return "", err
	}
	return msg.GetStr(), nil
}

func (t *wlgowsTransport) SendText(data []byte) { t.conn.SendText(data) }
func (t *wlgowsTransport) Close()               { t.conn.Close() }

// Dialer opens a Transport to url. Swapped out in tests.
type Dialer func(url string, tlsConfig *tls.Config) (Transport, error)

// DialWLGOWS is the production Dialer: it performs the ocpp1.6
// WebSocket upgrade via wlgows, the same dial+handshake sequence as
// the teacher's charger.Connect.
func DialWLGOWS(url string, tlsConfig *tls.Config) (Transport, error) {
	conn, err := client.Dial(url, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := conn.HandShake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return &wlgowsTransport{conn: conn}, nil
}

// DroppedError reports a non-critical frame dropped because the
// outbound queue was full (ResourceExhausted, §7).
type DroppedError struct{ Action string }

func (e *DroppedError) Error() string {
	return fmt.Sprintf("outbound queue full, dropped non-critical frame for %s", e.Action)
}

// Peer owns one session's WebSocket connection: the bounded outbound
// queue, the reader loop, and the request correlator. Reconnect
// backoff is driven by the session supervisor's redialLoop, not by
// Peer; everything else the supervisor schedules
// through this peer runs on the supervisor's own goroutine, so Peer
// keeps no internal lock beyond the queue channel and the
// correlator's own (correlator is safe to call from stray timer
// goroutines; the peer's send path is not meant to be).
type Peer struct {
	URL           string
	TLSConfig     *tls.Config
	RequestTimeout time.Duration
	QueueDepth    int

	dial Dialer

	Correlator *Correlator

	outbound  chan struct{} // counting semaphore bounding in-flight sends
	transport Transport

	sentCount     uint64
	receivedCount uint64
	actionMu      sync.Mutex
	actionCounts  map[string]int64
}

// New builds a peer bound to url, not yet connected.
func New(url string, tlsConfig *tls.Config, requestTimeout time.Duration, queueDepth int, dial Dialer) *Peer {
	if dial == nil {
		dial = DialWLGOWS
	}
	return &Peer{
		URL:            url,
		TLSConfig:      tlsConfig,
		RequestTimeout: requestTimeout,
		QueueDepth:     queueDepth,
		dial:           dial,
		Correlator:     NewCorrelator(),
		outbound:       make(chan struct{}, queueDepth),
		actionCounts:   make(map[string]int64),
	}
}

// Connect performs the WebSocket upgrade.
func (p *Peer) Connect(ctx context.Context) error {
	t, err := p.dial(p.URL, p.TLSConfig)
	if err != nil {
		return err
	}
	p.transport = t
	return nil
}

// Connected reports whether the peer currently owns a live transport.
func (p *Peer) Connected() bool { return p.transport != nil }

// Close tears down the transport and fails any pending correlator
// waiters.
func (p *Peer) Close() {
	if p.transport != nil {
		p.transport.Close()
		p.transport = nil
	}
	p.Correlator.FailAll()
}

// RunReader blocks decoding frames off the transport and delivering
// them to onFrame (CALL and CALLRESULT/CALLERROR alike — the session
// supervisor's callback passes CALLRESULT and CALLERROR straight to
// FulfilFrame on this goroutine and forwards CALLs to its mailbox for
// the handler registry). It returns when the transport closes or ctx
// is cancelled.
func (p *Peer) RunReader(ctx context.Context, onFrame func(*wire.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		text, err := p.transport.ReadText()
		if err != nil {
			if err == io.EOF {
				return err
			}
			return err
		}

		frame, ferr := wire.Decode([]byte(text))
		if ferr != nil {
			// Malformed frame: never fatal to the session (§7). It is
			// dropped without a CALLERROR reply, even when Decode
			// recovered its messageId, and onFrame never sees it.
			continue
		}
		onFrame(frame)
	}
}

// FulfilFrame routes a decoded CALLRESULT/CALLERROR frame into the
// correlator. It is a no-op (and returns false) for CALL frames.
func (p *Peer) FulfilFrame(f *wire.Frame) bool {
	switch f.Type {
	case wire.CallResult:
		return p.Correlator.Fulfil(f.MessageID, f.Payload)
	case wire.CallError:
		var details string
		_ = json.Unmarshal(f.ErrorDetails, &details)
		return p.Correlator.FulfilError(f.MessageID, f.ErrorCode, f.ErrorDescription)
	default:
		return false
	}
}

// Call sends a CALL and blocks for its reply or timeout, matching the
// correlator semantics of §4.2.
func (p *Peer) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	messageID := p.Correlator.NextMessageID()
	data, err := wire.EncodeCall(messageID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}

	started := time.Now()
	wait := p.Correlator.Register(messageID, action, p.RequestTimeout)
	if err := p.send(ctx, data, true); err != nil {
		return nil, err
	}
	p.RecordOutbound(action)
	resp, err := wait(ctx)
	metrics.ObserveLatency(float64(time.Since(started).Microseconds()) / 1000)
	return resp, err
}

// Notify sends a non-critical, best-effort CALL (e.g. MeterValues)
// whose reply is not awaited; it fails fast with a *DroppedError if
// the outbound queue is full.
func (p *Peer) Notify(action string, payload interface{}) error {
	messageID := p.Correlator.NextMessageID()
	data, err := wire.EncodeCall(messageID, action, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	if err := p.send(context.Background(), data, false); err != nil {
		return err
	}
	p.RecordOutbound(action)
	return nil
}

// RecordOutbound tallies one outbound message against this peer's
// local counters (read back by Counters(), which Engine.Snapshot
// aggregates into the fleet-wide MetricsSnapshot) and the process-wide
// Prometheus counters.
func (p *Peer) RecordOutbound(action string) {
	atomic.AddUint64(&p.sentCount, 1)
	p.actionMu.Lock()
	p.actionCounts[action]++
	p.actionMu.Unlock()
	metrics.RecordAction(action, "out")
	metrics.MessagesSent.Inc()
}

// RecordInbound tallies one inbound message the same way.
func (p *Peer) RecordInbound(action string) {
	atomic.AddUint64(&p.receivedCount, 1)
	p.actionMu.Lock()
	p.actionCounts[action]++
	p.actionMu.Unlock()
	metrics.RecordAction(action, "in")
	metrics.MessagesReceived.Inc()
}

// Counters returns this peer's lifetime sent/received message counts
// and a copy of its per-action tally.
func (p *Peer) Counters() (sent, received uint64, actions map[string]int64) {
	p.actionMu.Lock()
	defer p.actionMu.Unlock()
	cp := make(map[string]int64, len(p.actionCounts))
	for action, count := range p.actionCounts {
		cp[action] = count
	}
	return atomic.LoadUint64(&p.sentCount), atomic.LoadUint64(&p.receivedCount), cp
}

// Reply sends a CALLRESULT for an inbound CALL.
func (p *Peer) Reply(messageID string, payload interface{}) error {
	data, err := wire.EncodeCallResult(messageID, payload)
	if err != nil {
		return err
	}
	return p.send(context.Background(), data, true)
}

// ReplyError sends a CALLERROR for an inbound CALL.
func (p *Peer) ReplyError(messageID string, code wire.ErrorCode, description string) error {
	data, err := wire.EncodeCallError(messageID, code, description, nil)
	if err != nil {
		return err
	}
	return p.send(context.Background(), data, true)
}

// send writes one frame to the transport. outbound acts as a bounded
// semaphore on in-flight sends (the queue depth of §5): a non-critical
// frame (MeterValues) fails fast with *DroppedError when it is full; a
// critical frame (request/reply) blocks for a slot, bounded by ctx.
func (p *Peer) send(ctx context.Context, data []byte, critical bool) error {
	if p.transport == nil {
		return &DisconnectedError{}
	}

	select {
	case p.outbound <- struct{}{}:
	default:
		if !critical {
			return &DroppedError{}
		}
		select {
		case p.outbound <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { <-p.outbound }()

	p.transport.SendText(data)
	return nil
}
