package nonce

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
)

// mockQuerier implements ledger.Querier returning a fixed nonce per address.
type mockQuerier struct {
	mu      sync.Mutex
	nonces  map[common.Address]uint64
	calls   atomic.Int32
	failErr error
}

var _ ledger.Querier = (*mockQuerier)(nil)

func (m *mockQuerier) Query(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error) {
	m.calls.Add(1)
	if m.failErr != nil {
		return ledger.State{}, m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.NewState(m.nonces[addr]), nil
}

func (m *mockQuerier) set(addr common.Address, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[addr] = n
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newTracker(t *testing.T, nonces map[common.Address]uint64) (*Tracker, *mockQuerier) {
	t.Helper()
	q := &mockQuerier{nonces: nonces}
	return NewTracker(q, nil), q
}

func TestNextRequiresBaseline(t *testing.T) {
	tr, _ := newTracker(t, map[common.Address]uint64{})
	if _, err := tr.Next(alice); !errors.Is(err, ErrNoBaseline) {
		t.Errorf("Next before Baseline: err = %v, want ErrNoBaseline", err)
	}
}

func TestBaselineQueriedOncePerPhase(t *testing.T) {
	tr, q := newTracker(t, map[common.Address]uint64{alice: 5})

	for range 10 {
		got, err := tr.Baseline(context.Background(), alice)
		if err != nil {
			t.Fatalf("Baseline: %v", err)
		}
		if got != 5 {
			t.Errorf("Baseline = %d, want 5", got)
		}
	}
	if got := q.calls.Load(); got != 1 {
		t.Errorf("ledger queried %d times, want 1", got)
	}

	tr.BeginPhase()
	if _, err := tr.Baseline(context.Background(), alice); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if got := q.calls.Load(); got != 2 {
		t.Errorf("after BeginPhase ledger queried %d times, want 2", got)
	}
	if got := tr.Queries(); got != 2 {
		t.Errorf("Queries() = %d, want 2", got)
	}
}

func TestConcurrentBaselineSingleQuery(t *testing.T) {
	tr, q := newTracker(t, map[common.Address]uint64{alice: 3})

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Baseline(context.Background(), alice); err != nil {
				t.Errorf("Baseline: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := q.calls.Load(); got != 1 {
		t.Errorf("ledger queried %d times, want 1", got)
	}
}

func TestBaselineError(t *testing.T) {
	q := &mockQuerier{nonces: map[common.Address]uint64{}, failErr: ledger.ErrConnection}
	tr := NewTracker(q, nil)
	_, err := tr.Baseline(context.Background(), alice)
	if !errors.Is(err, ledger.ErrConnection) {
		t.Errorf("err = %v, want wrapped ErrConnection", err)
	}
	if _, err := tr.Next(alice); !errors.Is(err, ErrNoBaseline) {
		t.Errorf("failed baseline must not be cached, Next err = %v", err)
	}
}

func TestNextStrictlyIncreasing(t *testing.T) {
	tr, _ := newTracker(t, map[common.Address]uint64{alice: 100})
	if _, err := tr.Baseline(context.Background(), alice); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	var prev uint64
	for i := range 50 {
		r, err := tr.Next(alice)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		r.Commit()
		if i == 0 {
			if r.Value() != 100 {
				t.Errorf("first nonce = %d, want 100", r.Value())
			}
		} else if r.Value() <= prev {
			t.Fatalf("nonce %d not greater than previous %d", r.Value(), prev)
		}
		prev = r.Value()
	}
}

func TestConcurrentNextNoDuplicates(t *testing.T) {
	tr, _ := newTracker(t, map[common.Address]uint64{alice: 0, bob: 7})
	for _, addr := range []common.Address{alice, bob} {
		if _, err := tr.Baseline(context.Background(), addr); err != nil {
			t.Fatalf("Baseline: %v", err)
		}
	}

	const perAccount = 500
	var mu sync.Mutex
	issued := map[common.Address][]uint64{}

	var wg sync.WaitGroup
	for _, addr := range []common.Address{alice, bob} {
		for range perAccount {
			wg.Add(1)
			go func(addr common.Address) {
				defer wg.Done()
				r, err := tr.Next(addr)
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				r.Commit()
				mu.Lock()
				issued[addr] = append(issued[addr], r.Value())
				mu.Unlock()
			}(addr)
		}
	}
	wg.Wait()

	for addr, base := range map[common.Address]uint64{alice: 0, bob: 7} {
		vals := issued[addr]
		sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
		if len(vals) != perAccount {
			t.Fatalf("%s: %d nonces issued, want %d", addr.Hex(), len(vals), perAccount)
		}
		for i, v := range vals {
			if v != base+uint64(i) {
				t.Fatalf("%s: nonce[%d] = %d, want %d (duplicate or gap)", addr.Hex(), i, v, base+uint64(i))
			}
		}
	}
}

func TestRollback(t *testing.T) {
	tr, _ := newTracker(t, map[common.Address]uint64{alice: 10})
	if _, err := tr.Baseline(context.Background(), alice); err != nil {
		t.Fatalf("Baseline: %v", err)
	}

	r, _ := tr.Next(alice)
	if !r.Rollback() {
		t.Error("Rollback of latest nonce should succeed")
	}
	if got := nextValue(tr, alice); got != 10 {
		t.Errorf("after rollback next = %d, want 10", got)
	}
	if r.Rollback() {
		t.Error("second Rollback should be a no-op")
	}

	// Out-of-order rollback leaves the gap.
	first, _ := tr.Next(alice)
	second, _ := tr.Next(alice)
	if first.Rollback() {
		t.Error("Rollback of a non-latest nonce should not rewind")
	}
	second.Commit()
	if second.Rollback() {
		t.Error("Rollback after Commit should be a no-op")
	}
	if got := nextValue(tr, alice); got != 12 {
		t.Errorf("next = %d, want 12", got)
	}
}

func TestBaselineSetIfHigher(t *testing.T) {
	tr, q := newTracker(t, map[common.Address]uint64{alice: 4})
	if _, err := tr.Baseline(context.Background(), alice); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	for range 3 {
		r, _ := tr.Next(alice)
		r.Commit()
	}

	// Ledger lags behind (one op rejected after its nonce was consumed).
	q.set(alice, 6)
	tr.BeginPhase()
	got, err := tr.Baseline(context.Background(), alice)
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if got != 7 {
		t.Errorf("Baseline = %d, want 7 (cached value kept when ledger lags)", got)
	}

	q.set(alice, 20)
	tr.BeginPhase()
	got, _ = tr.Baseline(context.Background(), alice)
	if got != 20 {
		t.Errorf("Baseline = %d, want 20 (ledger ahead wins)", got)
	}
}

func TestPolicySettle(t *testing.T) {
	tests := []struct {
		name         string
		policy       Policy
		accepted     bool
		wantReturned bool
		wantNext     uint64
	}{
		{"consume accepted", PolicyConsume, true, false, 1},
		{"consume rejected keeps gap", PolicyConsume, false, false, 1},
		{"reclaim accepted", PolicyReclaim, true, false, 1},
		{"reclaim rejected hands nonce back", PolicyReclaim, false, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker(t, map[common.Address]uint64{alice: 0})
			if _, err := tr.Baseline(context.Background(), alice); err != nil {
				t.Fatalf("Baseline: %v", err)
			}
			r, _ := tr.Next(alice)
			if got := tt.policy.Settle(r, tt.accepted); got != tt.wantReturned {
				t.Errorf("Settle() = %v, want %v", got, tt.wantReturned)
			}
			if got := nextValue(tr, alice); got != tt.wantNext {
				t.Errorf("next = %d, want %d", got, tt.wantNext)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyConsume, false},
		{"consume", PolicyConsume, false},
		{"reclaim", PolicyReclaim, false},
		{"retry", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// nextValue returns the value addr's next reservation would get.
func nextValue(tr *Tracker, addr common.Address) uint64 {
	c := tr.counter(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
