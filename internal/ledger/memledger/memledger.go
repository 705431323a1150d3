// Package memledger is an in-process ledger that enforces strict per-account nonce
// ordering. It backs the memory ledger mode and the harness tests.
package memledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
)

// changesBuffer is the per-subscription channel capacity. A full buffer drops
// the oldest pending state; watchers only need the latest.
const changesBuffer = 16

// Config configures a Ledger.
type Config struct {
	// BlockTime delays applying accepted operations. Zero applies them before
	// Submit returns.
	BlockTime time.Duration

	// RejectEvery rejects every N-th submission (0 disables).
	RejectEvery int

	// DropEvery accepts but never applies every N-th submission (0 disables).
	DropEvery int

	// Genesis seeds asset-0 balances.
	Genesis map[common.Address]*big.Int

	Logger *slog.Logger
}

type accountState struct {
	pending  uint64 // next acceptable nonce
	nonce    uint64 // applied nonce
	balances map[uint32]*big.Int
}

type subKey struct {
	addr common.Address
	res  ledger.Resource
}

// Ledger is a conforming in-memory ledger.
type Ledger struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[common.Address]*accountState
	subs     map[subKey]map[*subscription]struct{}
	closed   bool

	submissions atomic.Int64
	opened      atomic.Int64
	released    atomic.Int64
	applies     sync.WaitGroup
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		cfg:      cfg,
		logger:   logger,
		accounts: make(map[common.Address]*accountState),
		subs:     make(map[subKey]map[*subscription]struct{}),
	}
	for addr, amount := range cfg.Genesis {
		l.account(addr).balances[0] = new(big.Int).Set(amount)
	}
	return l
}

// account returns the state for addr, creating it lazily. Caller holds l.mu.
func (l *Ledger) account(addr common.Address) *accountState {
	a, ok := l.accounts[addr]
	if !ok {
		a = &accountState{balances: make(map[uint32]*big.Int)}
		l.accounts[addr] = a
	}
	return a
}

func (a *accountState) balance(asset uint32) *big.Int {
	b, ok := a.balances[asset]
	if !ok {
		b = new(big.Int)
		a.balances[asset] = b
	}
	return b
}

// Submit validates the nonce and funds and schedules the operation.
func (l *Ledger) Submit(ctx context.Context, op ledger.Operation) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if op.From == nil {
		return ledger.Receipt{}, &ledger.RejectionError{Reason: "missing source account", Nonce: op.Nonce}
	}
	seq := l.submissions.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ledger.Receipt{}, fmt.Errorf("submit: %w", ledger.ErrConnection)
	}

	from := l.account(op.From.Address)
	switch {
	case op.Nonce < from.pending:
		return ledger.Receipt{}, &ledger.RejectionError{Reason: fmt.Sprintf("stale nonce, expected %d", from.pending), Nonce: op.Nonce}
	case op.Nonce > from.pending:
		return ledger.Receipt{}, &ledger.RejectionError{Reason: fmt.Sprintf("future nonce, expected %d", from.pending), Nonce: op.Nonce}
	}
	if l.cfg.RejectEvery > 0 && seq%int64(l.cfg.RejectEvery) == 0 {
		return ledger.Receipt{}, &ledger.RejectionError{Reason: "rejected by policy", Nonce: op.Nonce}
	}
	if op.Kind == ledger.OpTransfer && op.Amount != nil && from.balance(op.Asset).Cmp(op.Amount) < 0 {
		return ledger.Receipt{}, &ledger.RejectionError{Reason: "insufficient balance", Nonce: op.Nonce}
	}
	from.pending++

	receipt := ledger.Receipt{ID: uuid.NewString(), SubmittedAt: time.Now()}
	if l.cfg.DropEvery > 0 && seq%int64(l.cfg.DropEvery) == 0 {
		l.logger.Debug("Dropping accepted operation",
			slog.String("from", op.From.String()),
			slog.Uint64("nonce", op.Nonce),
		)
		return receipt, nil
	}

	if l.cfg.BlockTime <= 0 {
		l.applyLocked(op)
		return receipt, nil
	}
	l.applies.Add(1)
	time.AfterFunc(l.cfg.BlockTime, func() {
		defer l.applies.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.closed {
			l.applyLocked(op)
		}
	})
	return receipt, nil
}

// applyLocked executes op. A transfer that can no longer be covered still
// consumes its nonce without moving funds. Caller holds l.mu.
func (l *Ledger) applyLocked(op ledger.Operation) {
	from := l.account(op.From.Address)
	from.nonce++
	l.notifyLocked(op.From.Address, ledger.Nonce(), ledger.State{Value: new(big.Int).SetUint64(from.nonce)})

	amount := op.Amount
	if amount == nil {
		amount = new(big.Int)
	}

	switch op.Kind {
	case ledger.OpTransfer:
		src := from.balance(op.Asset)
		if src.Cmp(amount) < 0 {
			return
		}
		src.Sub(src, amount)
		dst := l.account(op.To).balance(op.Asset)
		dst.Add(dst, amount)
		l.notifyLocked(op.From.Address, ledger.Balance(op.Asset), ledger.State{Value: new(big.Int).Set(src)})
		l.notifyLocked(op.To, ledger.Balance(op.Asset), ledger.State{Value: new(big.Int).Set(dst)})
	case ledger.OpUpdateBalance:
		dst := l.account(op.To).balance(op.Asset)
		dst.Add(dst, amount)
		l.notifyLocked(op.To, ledger.Balance(op.Asset), ledger.State{Value: new(big.Int).Set(dst)})
	case ledger.OpApplyLoan, ledger.OpAction:
		// Only the nonce moves.
	}
}

// Query returns the applied state.
func (l *Ledger) Query(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error) {
	if err := ctx.Err(); err != nil {
		return ledger.State{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ledger.State{}, fmt.Errorf("query: %w", ledger.ErrConnection)
	}
	return l.stateLocked(addr, res), nil
}

func (l *Ledger) stateLocked(addr common.Address, res ledger.Resource) ledger.State {
	a := l.account(addr)
	if res.Kind == ledger.ResourceNonce {
		return ledger.NewState(a.nonce)
	}
	return ledger.State{Value: new(big.Int).Set(a.balance(res.Asset))}
}

// Subscribe opens a change feed for (addr, res).
func (l *Ledger) Subscribe(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("subscribe: %w", ledger.ErrConnection)
	}

	key := subKey{addr: addr, res: res}
	s := &subscription{
		l:       l,
		key:     key,
		changes: make(chan ledger.State, changesBuffer),
	}
	if l.subs[key] == nil {
		l.subs[key] = make(map[*subscription]struct{})
	}
	l.subs[key][s] = struct{}{}
	l.opened.Add(1)
	return s, nil
}

// notifyLocked fans a state out to every subscriber of (addr, res). Caller holds l.mu.
func (l *Ledger) notifyLocked(addr common.Address, res ledger.Resource, st ledger.State) {
	for s := range l.subs[subKey{addr: addr, res: res}] {
		s.push(st)
	}
}

// Close simulates a dropped connection: open subscriptions end with
// ErrConnection and every later call fails.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for key, set := range l.subs {
		for s := range set {
			s.fail(ledger.ErrConnection)
		}
		delete(l.subs, key)
	}
	l.mu.Unlock()
	return nil
}

// Settle waits for every scheduled apply to run.
func (l *Ledger) Settle() {
	l.applies.Wait()
}

// OpenSubscriptions returns how many subscriptions were opened.
func (l *Ledger) OpenSubscriptions() int64 { return l.opened.Load() }

// ReleasedSubscriptions returns how many subscriptions were released.
func (l *Ledger) ReleasedSubscriptions() int64 { return l.released.Load() }

// Submissions returns how many Submit calls reached the ledger.
func (l *Ledger) Submissions() int64 { return l.submissions.Load() }

type subscription struct {
	l       *Ledger
	key     subKey
	changes chan ledger.State

	mu     sync.Mutex
	done   bool
	err    error
	unsubd atomic.Bool
}

func (s *subscription) Changes() <-chan ledger.State { return s.changes }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push delivers st without blocking the ledger.
func (s *subscription) push(st ledger.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for {
		select {
		case s.changes <- st:
			return
		default:
		}
		select {
		case <-s.changes:
		default:
		}
	}
}

// fail closes the feed with err.
func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.changes)
}

func (s *subscription) Unsubscribe() {
	if s.unsubd.Swap(true) {
		return
	}
	s.l.released.Add(1)

	s.l.mu.Lock()
	if set := s.l.subs[s.key]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.l.subs, s.key)
		}
	}
	s.l.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.changes)
	}
}
