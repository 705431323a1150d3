// Package nonce sequences per-account nonces for concurrent submission.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
)

// ErrNoBaseline is returned by Next when Baseline was not fetched in the current phase.
var ErrNoBaseline = errors.New("nonce baseline not fetched")

// counter is one account's sequence. Its mutex serializes Baseline and Next for
// that account only; different accounts never contend.
type counter struct {
	mu     sync.Mutex
	loaded bool
	base   uint64
	next   uint64
}

// Tracker owns the nonce counter of every account it has seen.
// No other component mutates those counters.
type Tracker struct {
	querier  ledger.Querier
	mu       sync.Mutex
	counters map[common.Address]*counter
	queries  atomic.Int64
	logger   *slog.Logger
}

// NewTracker creates a tracker that reads baselines through querier.
func NewTracker(querier ledger.Querier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		querier:  querier,
		counters: make(map[common.Address]*counter),
		logger:   logger,
	}
}

func (t *Tracker) counter(addr common.Address) *counter {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[addr]
	if !ok {
		c = &counter{}
		t.counters[addr] = c
	}
	return c
}

// BeginPhase drops every cached baseline so the next Baseline call per account
// queries the ledger again.
func (t *Tracker) BeginPhase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.counters {
		c.mu.Lock()
		c.loaded = false
		c.mu.Unlock()
	}
}

// Baseline returns the account's on-ledger nonce at the start of the phase.
// The ledger is queried once per account per phase; later calls reuse the cache.
func (t *Tracker) Baseline(ctx context.Context, addr common.Address) (uint64, error) {
	c := t.counter(addr)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.base, nil
	}

	t.queries.Add(1)
	st, err := t.querier.Query(ctx, addr, ledger.Nonce())
	if err != nil {
		return 0, fmt.Errorf("nonce baseline for %s: %w", addr.Hex(), err)
	}
	if st.Value == nil || !st.Value.IsUint64() {
		return 0, fmt.Errorf("nonce baseline for %s: invalid value %s", addr.Hex(), st)
	}
	onLedger := st.Value.Uint64()

	// Set-if-higher: a counter that already ran ahead in an earlier phase is
	// not moved backwards by a ledger that has not caught up yet.
	if onLedger > c.next {
		c.next = onLedger
	}
	c.base = c.next
	c.loaded = true

	t.logger.Debug("Nonce baseline fetched",
		slog.String("address", addr.Hex()[:10]),
		slog.Uint64("on_ledger", onLedger),
		slog.Uint64("baseline", c.base),
	)
	return c.base, nil
}

// Next reserves the account's next nonce. Safe for concurrent use; values for one
// account are strictly increasing in reservation order.
func (t *Tracker) Next(addr common.Address) (*Reservation, error) {
	c := t.counter(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrNoBaseline)
	}
	r := &Reservation{value: c.next, c: c}
	c.next++
	return r, nil
}

// Queries returns how many baseline queries reached the ledger.
func (t *Tracker) Queries() int64 {
	return t.queries.Load()
}

// Reservation is an issued nonce that must be committed or rolled back.
type Reservation struct {
	value   uint64
	c       *counter
	settled atomic.Bool
}

// Value returns the nonce value.
func (r *Reservation) Value() uint64 {
	return r.value
}

// Commit marks the nonce as consumed. Idempotent.
func (r *Reservation) Commit() {
	r.settled.Store(true)
}

// Rollback returns the nonce to the account if it is still the most recently
// issued one; otherwise the gap stays. Idempotent, no-op after Commit.
func (r *Reservation) Rollback() bool {
	if r.settled.Swap(true) {
		return false
	}
	r.c.mu.Lock()
	defer r.c.mu.Unlock()
	if r.c.next == r.value+1 {
		r.c.next = r.value
		return true
	}
	return false
}
