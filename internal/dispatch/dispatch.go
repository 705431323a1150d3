// Package dispatch drives one wave of operations over a contiguous range of
// accounts and waits for every operation to confirm, time out or be rejected.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/nonce"
	"github.com/gateway-fm/ledgerbench/internal/watch"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// DefaultConfirmTimeout bounds every confirmation wait unless configured otherwise.
const DefaultConfirmTimeout = 20 * time.Second

// Batch is the half-open account range [Start, End) of one wave.
type Batch struct {
	Index int
	Start int
	End   int
}

// Size returns the number of accounts in the batch.
func (b Batch) Size() int {
	if b.End <= b.Start {
		return 0
	}
	return b.End - b.Start
}

// Expectation names the state an operation is expected to change.
type Expectation struct {
	Address  common.Address
	Resource ledger.Resource
	// Confirm builds the predicate from the pre-submission snapshot.
	Confirm func(snapshot ledger.State) watch.Predicate
}

// Plan describes the operation each account of a batch performs.
type Plan struct {
	Name string

	// Source returns the account whose nonce stamps acc's operation.
	// Nil means acc itself.
	Source func(acc *account.Account) *account.Account

	// Build creates acc's operation with the reserved nonce.
	Build func(acc *account.Account, nonce uint64) ledger.Operation

	// Expect describes how op's effect is observed.
	Expect func(op ledger.Operation) Expectation
}

func (p Plan) source(acc *account.Account) *account.Account {
	if p.Source == nil {
		return acc
	}
	return p.Source(acc)
}

// Result is the settled outcome of one wave.
type Result struct {
	Batch     Batch
	Succeeded int
	TimedOut  int
	Rejected  int
	Elapsed   time.Duration
	Latencies []time.Duration // Confirmation latency of each succeeded operation
}

// Report converts the result to its public form.
func (r Result) Report(phase string) types.BatchReport {
	report := types.BatchReport{
		Phase:     phase,
		Index:     r.Batch.Index,
		Start:     r.Batch.Start,
		End:       r.Batch.End,
		Size:      r.Batch.Size(),
		ElapsedMs: r.Elapsed.Milliseconds(),
		Succeeded: r.Succeeded,
		TimedOut:  r.TimedOut,
		Rejected:  r.Rejected,
	}
	if secs := r.Elapsed.Seconds(); secs > 0 {
		report.TPS = float64(r.Succeeded) / secs
	}
	return report
}

// Config configures a Dispatcher.
type Config struct {
	Pool      *account.Pool
	Tracker   *nonce.Tracker
	Submitter ledger.Submitter
	Watcher   *watch.Watcher

	ConfirmTimeout time.Duration
	Policy         nonce.Policy
	SubmitRetries  int // Resubmissions of a reclaimed nonce, PolicyReclaim only

	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// Dispatcher runs waves. It holds no per-wave state and is safe to reuse.
type Dispatcher struct {
	pool      *account.Pool
	tracker   *nonce.Tracker
	submitter ledger.Submitter
	watcher   *watch.Watcher
	timeout   time.Duration
	policy    nonce.Policy
	retries   int
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Pool == nil || cfg.Tracker == nil || cfg.Submitter == nil || cfg.Watcher == nil {
		return nil, errors.New("dispatcher requires pool, tracker, submitter and watcher")
	}
	timeout := cfg.ConfirmTimeout
	if timeout == 0 {
		timeout = DefaultConfirmTimeout
	}
	if timeout < 0 {
		return nil, watch.ErrNoDeadline
	}
	policy := cfg.Policy
	if policy == "" {
		policy = nonce.PolicyConsume
	}
	if cfg.SubmitRetries < 0 {
		return nil, fmt.Errorf("submit retries cannot be negative: %d", cfg.SubmitRetries)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		pool:      cfg.Pool,
		tracker:   cfg.Tracker,
		submitter: cfg.Submitter,
		watcher:   cfg.Watcher,
		timeout:   timeout,
		policy:    policy,
		retries:   cfg.SubmitRetries,
		metrics:   cfg.Metrics,
		logger:    logger,
	}, nil
}

// lane is the ordered list of accounts whose operations share one nonce source.
type lane struct {
	source   *account.Account
	accounts []*account.Account

	// err is set when the source's nonce baseline could not be read; the lane
	// submits nothing and every operation in it counts as rejected.
	err error
}

// lanes groups the batch by nonce source, keeping index order inside each lane.
// An account that was never derived is a programming error and panics.
func (d *Dispatcher) lanes(b Batch, plan Plan) []*lane {
	var (
		out   []*lane
		index = make(map[common.Address]*lane)
	)
	for i := b.Start; i < b.End; i++ {
		acc := d.pool.MustGet(i)
		src := plan.source(acc)
		ln, ok := index[src.Address]
		if !ok {
			ln = &lane{source: src}
			index[src.Address] = ln
			out = append(out, ln)
		}
		ln.accounts = append(ln.accounts, acc)
	}
	return out
}

// Dispatch submits one operation per account of b and waits for the whole wave.
//
// Operations sharing a nonce source are submitted one after another in nonce
// order, each after the previous acknowledgment; different sources run
// concurrently. Confirmations are awaited concurrently. Rejections, timeouts
// and failed reads or submissions of single operations are counted; only an
// unusable ledger connection or cancellation aborts the wave, and that error is
// returned together with the partial result.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch, plan Plan) (Result, error) {
	if b.Size() == 0 {
		return Result{Batch: b}, nil
	}
	if plan.Build == nil || plan.Expect == nil {
		return Result{Batch: b}, fmt.Errorf("plan %q: missing builder or expectation", plan.Name)
	}

	start := time.Now()
	lanes := d.lanes(b, plan)

	bg, bctx := errgroup.WithContext(ctx)
	for _, ln := range lanes {
		bg.Go(func() error {
			_, err := d.tracker.Baseline(bctx, ln.source.Address)
			if err != nil && !fatal(bctx, err) {
				ln.err = err
				return nil
			}
			return err
		})
	}
	if err := bg.Wait(); err != nil {
		return Result{Batch: b, Elapsed: time.Since(start)}, fmt.Errorf("batch %d: %w", b.Index, err)
	}

	t := &tally{phase: plan.Name, metrics: d.metrics}
	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range lanes {
		g.Go(func() error {
			return d.runLane(gctx, g, ln, plan, t)
		})
	}
	err := g.Wait()

	res := t.result(b, time.Since(start))
	if err != nil {
		return res, fmt.Errorf("batch %d: %w", b.Index, err)
	}
	return res, nil
}

// runLane submits the lane's operations in order. Each accepted operation's
// confirmation is awaited on its own goroutine in g.
func (d *Dispatcher) runLane(ctx context.Context, g *errgroup.Group, ln *lane, plan Plan, t *tally) error {
	if ln.err != nil {
		d.logger.Warn("Nonce baseline unavailable, skipping lane",
			slog.String("phase", plan.Name),
			slog.String("source", ln.source.String()),
			slog.Int("operations", len(ln.accounts)),
			slog.String("error", ln.err.Error()),
		)
		d.metrics.RecordError("baseline")
		for range ln.accounts {
			t.add(types.OutcomeRejected, 0)
		}
		return nil
	}

	for _, acc := range ln.accounts {
		p, settled, err := d.submit(ctx, acc, ln.source, plan)
		if err != nil {
			return err
		}
		if p == nil {
			t.add(settled, 0)
			continue
		}
		g.Go(func() error {
			res := p.Wait()
			if res.Err == nil {
				t.add(res.Outcome, res.Latency)
				return nil
			}
			if fatal(ctx, res.Err) {
				return res.Err
			}
			d.logger.Debug("Confirmation unobservable",
				slog.String("phase", plan.Name),
				slog.String("account", acc.String()),
				slog.String("error", res.Err.Error()),
			)
			t.add(types.OutcomeTimedOut, 0)
			return nil
		})
	}
	return nil
}

// submit reserves a nonce, snapshots the expected resource, submits and arms a
// watcher. When the operation settles without a watch, the Pending is nil and
// the outcome says how: rejected if the ledger never took it, timed out if it
// was accepted but cannot be observed. Only errors that must abort the wave are
// returned.
func (d *Dispatcher) submit(ctx context.Context, acc, source *account.Account, plan Plan) (*watch.Pending, types.Outcome, error) {
	for attempt := 0; ; attempt++ {
		r, err := d.tracker.Next(source.Address)
		if err != nil {
			return nil, "", err
		}
		op := plan.Build(acc, r.Value())
		exp := plan.Expect(op)

		snapshot, err := d.watcher.Snapshot(ctx, exp.Address, exp.Resource)
		if err != nil {
			r.Rollback()
			return d.drop(ctx, plan, acc, r.Value(), err)
		}

		_, err = d.submitter.Submit(ctx, op)
		if err == nil {
			r.Commit()
			p, err := d.watcher.Watch(ctx, exp.Address, exp.Resource, exp.Confirm(snapshot), d.timeout)
			if err == nil {
				return p, "", nil
			}
			if fatal(ctx, err) {
				return nil, "", err
			}
			d.logger.Debug("Accepted operation cannot be watched",
				slog.String("phase", plan.Name),
				slog.String("account", acc.String()),
				slog.Uint64("nonce", r.Value()),
				slog.String("error", err.Error()),
			)
			d.metrics.RecordError("subscribe")
			return nil, types.OutcomeTimedOut, nil
		}
		if !errors.Is(err, ledger.ErrRejected) {
			r.Rollback()
			return d.drop(ctx, plan, acc, r.Value(),
				fmt.Errorf("submit %s for %s (nonce %d): %w", plan.Name, acc, r.Value(), err))
		}

		reclaimed := d.policy.Settle(r, false)
		if reclaimed && attempt < d.retries {
			d.logger.Debug("Resubmitting with reclaimed nonce",
				slog.String("phase", plan.Name),
				slog.String("account", acc.String()),
				slog.Uint64("nonce", r.Value()),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		d.logger.Debug("Operation rejected",
			slog.String("phase", plan.Name),
			slog.String("account", acc.String()),
			slog.Uint64("nonce", r.Value()),
			slog.Bool("reclaimed", reclaimed),
			slog.String("error", err.Error()),
		)
		d.metrics.RecordError("rejected")
		return nil, types.OutcomeRejected, nil
	}
}

// drop settles an operation that failed before the ledger accepted it. Its
// nonce has already been handed back.
func (d *Dispatcher) drop(ctx context.Context, plan Plan, acc *account.Account, nonce uint64, err error) (*watch.Pending, types.Outcome, error) {
	if fatal(ctx, err) {
		return nil, "", err
	}
	d.logger.Debug("Operation not submitted",
		slog.String("phase", plan.Name),
		slog.String("account", acc.String()),
		slog.Uint64("nonce", nonce),
		slog.String("error", err.Error()),
	)
	d.metrics.RecordError("submit")
	return nil, types.OutcomeRejected, nil
}

// fatal reports whether err ends the wave: the ledger connection is unusable
// or the wave was cancelled. Any other failure belongs to one operation.
func fatal(ctx context.Context, err error) bool {
	return ledger.IsConnection(err) || ctx.Err() != nil
}

// tally collects per-operation outcomes from concurrent goroutines.
type tally struct {
	phase   string
	metrics *metrics.PrometheusMetrics

	mu        sync.Mutex
	succeeded int
	timedOut  int
	rejected  int
	latencies []time.Duration
}

func (t *tally) add(outcome types.Outcome, latency time.Duration) {
	t.metrics.RecordOutcome(t.phase, outcome)
	if outcome == types.OutcomeConfirmed {
		t.metrics.RecordConfirmLatency(t.phase, latency.Seconds())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case types.OutcomeConfirmed:
		t.succeeded++
		t.latencies = append(t.latencies, latency)
	case types.OutcomeTimedOut:
		t.timedOut++
	case types.OutcomeRejected:
		t.rejected++
	}
}

func (t *tally) result(b Batch, elapsed time.Duration) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{
		Batch:     b,
		Succeeded: t.succeeded,
		TimedOut:  t.timedOut,
		Rejected:  t.rejected,
		Elapsed:   elapsed,
		Latencies: t.latencies,
	}
}
