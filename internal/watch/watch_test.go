package watch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/ledger/memledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// countingSubscriber counts Subscribe and Unsubscribe calls on top of a real ledger.
type countingSubscriber struct {
	inner    ledger.Subscriber
	opened   atomic.Int32
	released atomic.Int32
}

var _ ledger.Subscriber = (*countingSubscriber)(nil)

func (c *countingSubscriber) Subscribe(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.Subscription, error) {
	sub, err := c.inner.Subscribe(ctx, addr, res)
	if err != nil {
		return nil, err
	}
	c.opened.Add(1)
	return &countedSub{Subscription: sub, parent: c}, nil
}

type countedSub struct {
	ledger.Subscription
	parent *countingSubscriber
}

func (s *countedSub) Unsubscribe() {
	s.parent.released.Add(1)
	s.Subscription.Unsubscribe()
}

// failingQuerier fails the first read with err and serves the rest from inner.
type failingQuerier struct {
	inner ledger.Querier
	err   error
	reads atomic.Int32
}

var _ ledger.Querier = (*failingQuerier)(nil)

func (q *failingQuerier) Query(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error) {
	if q.reads.Add(1) == 1 {
		return ledger.State{}, q.err
	}
	return q.inner.Query(ctx, addr, res)
}

type fixture struct {
	ledger  *memledger.Ledger
	subs    *countingSubscriber
	watcher *Watcher
	metrics *metrics.PrometheusMetrics
	acc     *account.Account
}

func newFixture(t *testing.T, cfg memledger.Config) *fixture {
	t.Helper()
	l := memledger.New(cfg)
	subs := &countingSubscriber{inner: l}
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	pool := account.NewPool("watch-test", nil)
	acc, err := pool.Derive(0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	return &fixture{
		ledger:  l,
		subs:    subs,
		watcher: New(Config{Querier: l, Subscriber: subs, Metrics: m}),
		metrics: m,
		acc:     acc,
	}
}

// assertReleased checks that every opened subscription was released exactly once.
func (f *fixture) assertReleased(t *testing.T, want int32) {
	t.Helper()
	if got := f.subs.opened.Load(); got != want {
		t.Errorf("opened = %d, want %d", got, want)
	}
	if got := f.subs.released.Load(); got != want {
		t.Errorf("released = %d, want %d", got, want)
	}
	if got := testutil.ToFloat64(f.metrics.OpenSubscriptions); got != 0 {
		t.Errorf("open subscriptions gauge = %v, want 0", got)
	}
}

func (f *fixture) mint(t *testing.T, nonce uint64) {
	t.Helper()
	op := ledger.Operation{Kind: ledger.OpUpdateBalance, From: f.acc, To: f.acc.Address, Amount: big.NewInt(1), Nonce: nonce}
	if _, err := f.ledger.Submit(context.Background(), op); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestWatchRequiresDeadline(t *testing.T) {
	f := newFixture(t, memledger.Config{})
	for _, timeout := range []time.Duration{0, -time.Second} {
		_, err := f.watcher.Watch(context.Background(), f.acc.Address, ledger.Balance(0), Changed(ledger.State{}), timeout)
		if !errors.Is(err, ErrNoDeadline) {
			t.Errorf("timeout %v: err = %v, want ErrNoDeadline", timeout, err)
		}
	}
	f.assertReleased(t, 0)
}

func TestWatchResolvesImmediately(t *testing.T) {
	f := newFixture(t, memledger.Config{})
	ctx := context.Background()

	snap, err := f.watcher.Snapshot(ctx, f.acc.Address, ledger.Balance(0))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// Applied synchronously, before any subscription exists.
	f.mint(t, 0)

	p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Balance(0), Changed(snap), time.Hour)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("already-satisfied predicate did not resolve immediately")
	}
	if res := p.Wait(); res.Outcome != types.OutcomeConfirmed || res.Err != nil {
		t.Errorf("result = %+v, want confirmed", res)
	}
	f.assertReleased(t, 1)
}

func TestWatchResolvesOnNotification(t *testing.T) {
	f := newFixture(t, memledger.Config{BlockTime: 20 * time.Millisecond})
	ctx := context.Background()

	snap, err := f.watcher.Snapshot(ctx, f.acc.Address, ledger.Nonce())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	f.mint(t, 0)

	p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Nonce(), Increased(snap), 5*time.Second)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	res := p.Wait()
	if res.Outcome != types.OutcomeConfirmed {
		t.Fatalf("result = %+v, want confirmed", res)
	}
	if res.Latency <= 0 || res.Latency > 5*time.Second {
		t.Errorf("latency = %v, want within (0, 5s]", res.Latency)
	}
	f.assertReleased(t, 1)
}

func TestWatchTimesOut(t *testing.T) {
	f := newFixture(t, memledger.Config{})
	ctx := context.Background()
	const timeout = 50 * time.Millisecond

	snap, _ := f.watcher.Snapshot(ctx, f.acc.Address, ledger.Balance(0))
	start := time.Now()
	p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Balance(0), Changed(snap), timeout)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	res := p.Wait()
	elapsed := time.Since(start)

	if res.Outcome != types.OutcomeTimedOut || res.Err != nil {
		t.Errorf("result = %+v, want timed out", res)
	}
	if elapsed < timeout {
		t.Errorf("resolved after %v, before the %v deadline", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Errorf("resolved after %v, long past the %v deadline", elapsed, timeout)
	}
	f.assertReleased(t, 1)
}

func TestWatchCancelled(t *testing.T) {
	f := newFixture(t, memledger.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Nonce(), Increased(ledger.NewState(0)), time.Hour)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	res := p.Wait()
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
	f.assertReleased(t, 1)
}

func TestWatchConnectionLost(t *testing.T) {
	f := newFixture(t, memledger.Config{})
	ctx := context.Background()

	p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Nonce(), Increased(ledger.NewState(0)), time.Hour)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	// Let the watcher get past its initial read.
	time.Sleep(10 * time.Millisecond)
	_ = f.ledger.Close()

	res := p.Wait()
	if !ledger.IsConnection(res.Err) {
		t.Errorf("Err = %v, want ErrConnection", res.Err)
	}
	f.assertReleased(t, 1)

	if _, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Nonce(), Increased(ledger.NewState(0)), time.Second); !ledger.IsConnection(err) {
		t.Errorf("Watch on closed ledger: err = %v, want ErrConnection", err)
	}
}

func TestWatchInitialReadFailure(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantOutcome types.Outcome
		wantConn    bool
	}{
		{"operation error waits for notification", errors.New("rpc error -32005: rate limited"), types.OutcomeConfirmed, false},
		{"connection error ends the watch", fmt.Errorf("query nonce: %w", ledger.ErrConnection), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, memledger.Config{BlockTime: 20 * time.Millisecond})
			f.watcher = New(Config{
				Querier:    &failingQuerier{inner: f.ledger, err: tt.err},
				Subscriber: f.subs,
				Metrics:    f.metrics,
			})
			f.mint(t, 0)

			p, err := f.watcher.Watch(context.Background(), f.acc.Address, ledger.Nonce(), Increased(ledger.NewState(0)), 5*time.Second)
			if err != nil {
				t.Fatalf("Watch: %v", err)
			}
			res := p.Wait()
			if res.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", res.Outcome, tt.wantOutcome)
			}
			if got := ledger.IsConnection(res.Err); got != tt.wantConn {
				t.Errorf("Err = %v, connection = %v, want %v", res.Err, got, tt.wantConn)
			}
			f.assertReleased(t, 1)
		})
	}
}

func TestWatchManyReleasesAll(t *testing.T) {
	f := newFixture(t, memledger.Config{BlockTime: 5 * time.Millisecond})
	ctx := context.Background()

	const n = 50
	pending := make([]*Pending, 0, n)
	for i := range n {
		// Half resolve, half time out.
		var pred Predicate = Increased(ledger.NewState(0))
		if i%2 == 1 {
			pred = Increased(ledger.NewState(1000))
		}
		p, err := f.watcher.Watch(ctx, f.acc.Address, ledger.Nonce(), pred, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		pending = append(pending, p)
	}
	f.mint(t, 0)

	var confirmed, timedOut int
	for _, p := range pending {
		switch p.Wait().Outcome {
		case types.OutcomeConfirmed:
			confirmed++
		case types.OutcomeTimedOut:
			timedOut++
		}
	}
	if confirmed != n/2 || timedOut != n/2 {
		t.Errorf("confirmed=%d timedOut=%d, want %d/%d", confirmed, timedOut, n/2, n/2)
	}
	f.assertReleased(t, n)
}

func TestPredicates(t *testing.T) {
	snap := ledger.NewState(5)
	tests := []struct {
		name    string
		pred    Predicate
		current ledger.State
		want    bool
	}{
		{"changed up", Changed(snap), ledger.NewState(6), true},
		{"changed down", Changed(snap), ledger.NewState(4), true},
		{"unchanged", Changed(snap), ledger.NewState(5), false},
		{"increased", Increased(snap), ledger.NewState(6), true},
		{"decreased", Increased(snap), ledger.NewState(4), false},
		{"nil is zero", Changed(ledger.State{}), ledger.NewState(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pred(tt.current); got != tt.want {
				t.Errorf("pred(%s) = %v, want %v", tt.current, got, tt.want)
			}
		})
	}
}
