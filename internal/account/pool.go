package account

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// ErrNotProvisioned is returned by Get for an index that was never derived.
var ErrNotProvisioned = errors.New("account not provisioned")

// Pool is the in-memory registry of derived test identities.
// Derivation is deterministic: the same seed and index always yield the same account.
type Pool struct {
	seed     []byte
	mu       sync.RWMutex
	accounts map[int]*Account
	logger   *slog.Logger
}

// NewPool creates an empty pool for the given seed.
func NewPool(seed string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		seed:     []byte(seed),
		accounts: make(map[int]*Account),
		logger:   logger,
	}
}

// Derive returns the account at index, deriving and registering it on first use.
// Idempotent: repeated calls return the same *Account.
func (p *Pool) Derive(index int) (*Account, error) {
	if index < 0 {
		return nil, fmt.Errorf("negative account index %d", index)
	}

	p.mu.RLock()
	acc, ok := p.accounts[index]
	p.mu.RUnlock()
	if ok {
		return acc, nil
	}

	key, err := deriveKey(p.seed, index)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have won the race; keep the first registration.
	if existing, ok := p.accounts[index]; ok {
		return existing, nil
	}
	acc = NewAccount(index, key)
	p.accounts[index] = acc
	return acc, nil
}

// DeriveRange derives [start, end) using parallel key generation.
func (p *Pool) DeriveRange(start, end int) error {
	if start >= end {
		return nil
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > 16 {
		numWorkers = 16 // Diminishing returns beyond this
	}

	indices := make(chan int, end-start)
	for i := start; i < end; i++ {
		indices <- i
	}
	close(indices)

	var (
		wg       sync.WaitGroup
		firstErr error
		errOnce  sync.Once
	)
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				if _, err := p.Derive(i); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	p.logger.Debug("Derived accounts",
		slog.Int("start", start),
		slog.Int("end", end),
		slog.Int("total", p.Len()),
	)
	return nil
}

// Get returns a previously derived account.
func (p *Pool) Get(index int) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.accounts[index]
	if !ok {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotProvisioned)
	}
	return acc, nil
}

// MustGet is Get for callers that treat a missing account as a programming error.
func (p *Pool) MustGet(index int) *Account {
	acc, err := p.Get(index)
	if err != nil {
		panic(err)
	}
	return acc
}

// Len returns the number of derived accounts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}
