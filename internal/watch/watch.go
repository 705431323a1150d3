// Package watch turns ledger state-change subscriptions into single-resolution
// confirmation futures with a mandatory deadline.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// ErrNoDeadline is returned by Watch when the timeout is not positive.
var ErrNoDeadline = errors.New("confirmation watch requires a positive timeout")

// Predicate reports whether an observed state satisfies the expectation.
type Predicate func(current ledger.State) bool

// Changed is satisfied by any state different from snapshot.
func Changed(snapshot ledger.State) Predicate {
	return func(current ledger.State) bool {
		return current.Cmp(snapshot) != 0
	}
}

// Increased is satisfied by any state greater than snapshot.
func Increased(snapshot ledger.State) Predicate {
	return func(current ledger.State) bool {
		return current.Cmp(snapshot) > 0
	}
}

// Result is how a watch settled. Err is set when the wait ended for a reason
// other than the predicate or the deadline (cancellation, lost connection);
// Outcome is then empty.
type Result struct {
	Outcome types.Outcome
	Latency time.Duration
	Err     error
}

// Pending is a single-resolution confirmation future.
type Pending struct {
	done chan struct{}
	res  Result
}

// Done is closed once the watch has settled and its subscription is released.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the watch settles.
func (p *Pending) Wait() Result {
	<-p.done
	return p.res
}

// Config configures a Watcher.
type Config struct {
	Querier    ledger.Querier
	Subscriber ledger.Subscriber
	Metrics    *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Watcher opens one subscription per expectation and always releases it.
type Watcher struct {
	querier    ledger.Querier
	subscriber ledger.Subscriber
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		querier:    cfg.Querier,
		subscriber: cfg.Subscriber,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
}

// Snapshot reads the state an expectation will be compared against.
// Callers take it before submitting the operation.
func (w *Watcher) Snapshot(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error) {
	st, err := w.querier.Query(ctx, addr, res)
	if err != nil {
		return ledger.State{}, fmt.Errorf("snapshot %s %s: %w", addr.Hex(), res, err)
	}
	return st, nil
}

// Watch subscribes to (addr, res) and resolves once pred holds or timeout elapses.
// The subscription is opened before the current state is read, so a change that
// lands in between is still delivered; a predicate that already holds resolves
// without waiting for a notification.
//
// The returned error covers only the subscribe call. Every later exit path
// (confirmed, timed out, ctx cancelled, subscription closed) releases the
// subscription exactly once and is reported through Pending.
func (w *Watcher) Watch(ctx context.Context, addr common.Address, res ledger.Resource, pred Predicate, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		return nil, ErrNoDeadline
	}
	if pred == nil {
		return nil, errors.New("confirmation watch requires a predicate")
	}

	start := time.Now()
	sub, err := w.subscriber.Subscribe(ctx, addr, res)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s %s: %w", addr.Hex(), res, err)
	}
	w.metrics.SubscriptionOpened()

	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer w.metrics.SubscriptionReleased()
		defer sub.Unsubscribe()

		p.res = w.await(ctx, sub, addr, res, pred, start, timeout)
		p.res.Latency = time.Since(start)
	}()
	return p, nil
}

func (w *Watcher) await(ctx context.Context, sub ledger.Subscription, addr common.Address, res ledger.Resource, pred Predicate, start time.Time, timeout time.Duration) Result {
	timer := time.NewTimer(timeout - time.Since(start))
	defer timer.Stop()

	// A failed first read only loses the fast path; notifications or the
	// deadline still settle the watch.
	current, err := w.querier.Query(ctx, addr, res)
	switch {
	case err == nil:
		if pred(current) {
			return Result{Outcome: types.OutcomeConfirmed}
		}
	case ledger.IsConnection(err) || ctx.Err() != nil:
		return Result{Err: fmt.Errorf("read %s %s: %w", addr.Hex(), res, err)}
	default:
		w.metrics.RecordError("query")
		w.logger.Debug("Initial confirmation read failed",
			slog.String("address", addr.Hex()[:10]),
			slog.String("resource", res.String()),
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case st, ok := <-sub.Changes():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = ledger.ErrConnection
				}
				return Result{Err: fmt.Errorf("subscription %s %s closed: %w", addr.Hex(), res, err)}
			}
			if pred(st) {
				return Result{Outcome: types.OutcomeConfirmed}
			}
		case <-timer.C:
			w.logger.Debug("Confirmation timed out",
				slog.String("address", addr.Hex()[:10]),
				slog.String("resource", res.String()),
				slog.Duration("timeout", timeout),
			)
			return Result{Outcome: types.OutcomeTimedOut}
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		}
	}
}
