package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Outcome is one session's result within a batch operation.
type Outcome struct {
	SessionID string
	Err       error
}

// BatchResult satisfies Testable Property 10: submitted = succeeded +
// failed + cancelled, with a per-id outcome for every submitted unit.
type BatchResult struct {
	Submitted int
	Succeeded int
	Failed    int
	Cancelled int
	Outcomes  []Outcome
}

func (r *BatchResult) record(id string, err error, cancelled bool) {
	r.Submitted++
	r.Outcomes = append(r.Outcomes, Outcome{SessionID: id, Err: err})
	switch {
	case cancelled:
		r.Cancelled++
	case err != nil:
		r.Failed++
	default:
		r.Succeeded++
	}
}

// runBatch fans work out across ids at pacingPerSec with up to
// batchSize concurrent workers, per §6's loadTestPacingPerSec /
// loadTestBatchSize. ctx cancellation marks any not-yet-started unit
// Cancelled rather than Failed.
func runBatch(ctx context.Context, ids []string, pacingPerSec, batchSize int, work func(id string) error) *BatchResult {
	if pacingPerSec <= 0 {
		pacingPerSec = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	limiter := rate.NewLimiter(rate.Limit(pacingPerSec), batchSize)
	result := &BatchResult{}
	resultCh := make(chan Outcome, len(ids))

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(batchSize)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			select {
			case <-ctx.Done():
				resultCh <- Outcome{SessionID: id, Err: ctx.Err()}
				return nil
			default:
			}
			if err := limiter.Wait(gctx); err != nil {
				resultCh <- Outcome{SessionID: id, Err: err}
				return nil
			}
			resultCh <- Outcome{SessionID: id, Err: work(id)}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)

	for o := range resultCh {
		result.record(o.SessionID, o.Err, ctx.Err() != nil && o.Err == ctx.Err())
	}
	return result
}

// CreateN provisions count new sessions from a template, pacing
// creation at the engine's configured load-test rate. Outcomes report
// the session id minted by Create, not the template's cpId.
func (e *Engine) CreateN(ctx context.Context, count int, template CreateOptions) *BatchResult {
	pacingPerSec, batchSize := e.cfg.LoadTestPacingPerSec, e.cfg.LoadTestBatchSize
	if pacingPerSec <= 0 {
		pacingPerSec = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	limiter := rate.NewLimiter(rate.Limit(pacingPerSec), batchSize)
	resultCh := make(chan Outcome, count)

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(batchSize)

	for i := 0; i < count; i++ {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				resultCh <- Outcome{Err: ctx.Err()}
				return nil
			default:
			}
			if err := limiter.Wait(gctx); err != nil {
				resultCh <- Outcome{Err: err}
				return nil
			}
			sv, err := e.Create(template)
			id := ""
			if sv != nil {
				id = sv.Session.ID
			}
			resultCh <- Outcome{SessionID: id, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)

	result := &BatchResult{}
	for o := range resultCh {
		result.record(o.SessionID, o.Err, ctx.Err() != nil && o.Err == ctx.Err())
	}
	return result
}

// ConnectAll connects every registered session.
func (e *Engine) ConnectAll(ctx context.Context) *BatchResult {
	return e.forEach(ctx, func(id string) error {
		sv, ok := e.Get(id)
		if !ok {
			return &NotFound{SessionID: id}
		}
		return sv.Connect()
	})
}

// DisconnectAll disconnects every registered session.
func (e *Engine) DisconnectAll(ctx context.Context) *BatchResult {
	return e.forEach(ctx, func(id string) error {
		sv, ok := e.Get(id)
		if !ok {
			return &NotFound{SessionID: id}
		}
		return sv.Disconnect()
	})
}

// BootAll sends BootNotification on every registered session.
func (e *Engine) BootAll(ctx context.Context) *BatchResult {
	return e.forEach(ctx, func(id string) error {
		sv, ok := e.Get(id)
		if !ok {
			return &NotFound{SessionID: id}
		}
		_, err := sv.Boot()
		return err
	})
}

// StartAll authorizes and starts a transaction on every registered
// session with the given idTag.
func (e *Engine) StartAll(ctx context.Context, idTag string) *BatchResult {
	return e.forEach(ctx, func(id string) error {
		sv, ok := e.Get(id)
		if !ok {
			return &NotFound{SessionID: id}
		}
		_, err := sv.StartTransaction(idTag)
		return err
	})
}

// StopAll stops the active transaction on every registered session.
func (e *Engine) StopAll(ctx context.Context, reason string) *BatchResult {
	return e.forEach(ctx, func(id string) error {
		sv, ok := e.Get(id)
		if !ok {
			return &NotFound{SessionID: id}
		}
		_, err := sv.StopTransaction(reason)
		return err
	})
}

func (e *Engine) forEach(ctx context.Context, work func(id string) error) *BatchResult {
	return runBatch(ctx, e.List(), e.cfg.LoadTestPacingPerSec, e.cfg.LoadTestBatchSize, work)
}
