// Package peer owns the WebSocket connection to a CSMS (B) and the
// request/reply correlator (C). Grounded on the teacher's
// charger.Connect/receiveMessages/sendCall (charger/charger.go,
// charger/message.go), generalized into a struct with a bounded
// outbound queue and a deadline-aware correlator in place of the
// teacher's bare `pendingCalls map[string]chan []byte`. Reconnect
// backoff lives in the session supervisor, not in this package.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ocppfleet/simulator/internal/ocpp/wire"
)

// latencyWindow is how many of the most recent round trips feed the
// correlator's percentile estimate (§6 MetricsSnapshot p50/p95/p99).
const latencyWindow = 200

// pendingCall is one outstanding outgoing CALL's completion slot.
type pendingCall struct {
	action    string
	deadline  time.Time
	startedAt time.Time
	done      chan result
}

type result struct {
	payload json.RawMessage
	err     error
}

// TimeoutError is returned when a correlator deadline is crossed
// before a CALLRESULT/CALLERROR arrives.
type TimeoutError struct{ Action, MessageID string }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for reply to %s (messageId=%s)", e.Action, e.MessageID)
}

// DisconnectedError is returned to every pending waiter when the
// owning connection closes.
type DisconnectedError struct{ Action, MessageID string }

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("connection closed while waiting for reply to %s (messageId=%s)", e.Action, e.MessageID)
}

// RemoteError wraps a CALLERROR reply.
type RemoteError struct {
	Code        wire.ErrorCode
	Description string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Description) }

// Correlator maps outgoing messageIds to one-shot completion slots. A
// single session never has two pending calls with the same id; the
// sequence starts at 1, increases monotonically, and persists across
// reconnects within a session's lifetime (§4.2 property 3).
type Correlator struct {
	mu          sync.Mutex
	seq         uint64
	pending     map[string]*pendingCall
	latencies   []float64 // milliseconds, most recent latencyWindow round trips
	totalCalls  uint64
	errorCalls  uint64 // completed as CALLERROR or TimeoutError
}

// NewCorrelator builds an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*pendingCall)}
}

// NextMessageID returns the next monotonically increasing id for this
// session, formatted as a decimal string (OCPP-J messageIds are
// opaque strings).
func (c *Correlator) NextMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%d", c.seq)
}

// Register records a pending call and returns a function the caller
// uses to block for its outcome.
func (c *Correlator) Register(messageID, action string, timeout time.Duration) (wait func(ctx context.Context) (json.RawMessage, error)) {
	pc := &pendingCall{action: action, deadline: time.Now().Add(timeout), startedAt: time.Now(), done: make(chan result, 1)}
	c.mu.Lock()
	c.pending[messageID] = pc
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	return func(ctx context.Context) (json.RawMessage, error) {
		defer timer.Stop()
		select {
		case r := <-pc.done:
			return r.payload, r.err
		case <-timer.C:
			c.mu.Lock()
			delete(c.pending, messageID)
			c.totalCalls++
			c.errorCalls++
			c.mu.Unlock()
			return nil, &TimeoutError{Action: action, MessageID: messageID}
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.pending, messageID)
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Fulfil completes a pending call with a CALLRESULT payload. It
// reports whether a waiter was found (property 4: exactly one waiter
// fulfilled, entry removed).
func (c *Correlator) Fulfil(messageID string, payload json.RawMessage) bool {
	c.mu.Lock()
	pc, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
		c.recordLatency(pc)
		c.totalCalls++
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.done <- result{payload: payload}
	return true
}

// recordLatency appends pc's round-trip time to the recent-latency
// window. Callers must hold c.mu.
func (c *Correlator) recordLatency(pc *pendingCall) {
	ms := float64(time.Since(pc.startedAt).Microseconds()) / 1000
	c.latencies = append(c.latencies, ms)
	if len(c.latencies) > latencyWindow {
		c.latencies = c.latencies[len(c.latencies)-latencyWindow:]
	}
}

// Percentiles returns the recent-window average, p50, p95, and p99
// round-trip latency in milliseconds, computed over a sorted copy of
// the window (§6 MetricsSnapshot shape).
func (c *Correlator) Percentiles() (avg, p50, p95, p99 float64) {
	c.mu.Lock()
	samples := append([]float64(nil), c.latencies...)
	c.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sort.Float64s(samples)

	var sum float64
	for _, s := range samples {
		sum += s
	}
	avg = sum / float64(len(samples))
	p50 = percentile(samples, 0.50)
	p95 = percentile(samples, 0.95)
	p99 = percentile(samples, 0.99)
	return avg, p50, p95, p99
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// FulfilError completes a pending call with a CALLERROR.
func (c *Correlator) FulfilError(messageID string, code wire.ErrorCode, description string) bool {
	c.mu.Lock()
	pc, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
		c.recordLatency(pc)
		c.totalCalls++
		c.errorCalls++
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.done <- result{err: &RemoteError{Code: code, Description: description}}
	return true
}

// ErrorRate returns the fraction of completed calls (CALLRESULT,
// CALLERROR, or timeout) that ended in CALLERROR or timeout, over the
// correlator's lifetime (§6 MetricsSnapshot.errorRate).
func (c *Correlator) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalCalls == 0 {
		return 0
	}
	return float64(c.errorCalls) / float64(c.totalCalls)
}

// FailAll fulfils every pending call with a DisconnectedError, used
// when the connection drops.
func (c *Correlator) FailAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for id, pc := range pending {
		pc.done <- result{err: &DisconnectedError{Action: pc.action, MessageID: id}}
	}
}

// Pending returns the number of outstanding calls (test/metrics use).
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
