// Package sender bounds and paces submissions to the ledger.
package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
)

// DefaultConcurrency is the number of outstanding submissions allowed on the
// shared connection.
const DefaultConcurrency = 500

// Sender is a ledger.Submitter that holds a semaphore slot for the duration of
// each submission and optionally waits on a rate limiter first.
type Sender struct {
	next      ledger.Submitter
	semaphore chan struct{}
	limiter   *ratelimit.Limiter
	metrics   *metrics.PrometheusMetrics
	logger    *slog.Logger
}

var _ ledger.Submitter = (*Sender)(nil)

// Config for creating a Sender.
type Config struct {
	Submitter   ledger.Submitter
	Concurrency int                // Max outstanding submissions (default: 500)
	Limiter     *ratelimit.Limiter // Optional
	Metrics     *metrics.PrometheusMetrics
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		next:      cfg.Submitter,
		semaphore: make(chan struct{}, concurrency),
		limiter:   cfg.Limiter,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Submit waits for a permit and a free slot, then submits op. It returns
// ctx.Err() if the context ends while waiting.
func (s *Sender) Submit(ctx context.Context, op ledger.Operation) (ledger.Receipt, error) {
	if !s.limiter.Unlimited() {
		if err := s.limiter.Wait(ctx); err != nil {
			return ledger.Receipt{}, err
		}
	}

	select {
	case s.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ledger.Receipt{}, ctx.Err()
	}
	defer func() { <-s.semaphore }()

	return s.submit(ctx, op)
}

func (s *Sender) submit(ctx context.Context, op ledger.Operation) (ledger.Receipt, error) {
	start := time.Now()
	receipt, err := s.next.Submit(ctx, op)
	s.metrics.RecordSubmit(err == nil, time.Since(start).Seconds())
	if err != nil && ledger.IsConnection(err) {
		s.logger.Debug("submit failed",
			slog.String("from", op.From.String()),
			slog.Uint64("nonce", op.Nonce),
			slog.String("error", err.Error()),
		)
	}
	return receipt, err
}

// Capacity returns the total number of submission slots.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of submissions awaiting acknowledgement.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}

// Rate returns the submission pace in permits per second, 0 when unpaced.
func (s *Sender) Rate() float64 {
	return s.limiter.Rate()
}
