// Package harness runs a benchmark: it provisions the account population and
// drives every phase over it batch by batch, one settled wave at a time.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/dispatch"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// ErrAlreadyRunning is returned by Run while another run is in progress.
var ErrAlreadyRunning = errors.New("a run is already in progress")

// Dispatcher runs one wave.
type Dispatcher interface {
	Dispatch(ctx context.Context, b dispatch.Batch, plan dispatch.Plan) (dispatch.Result, error)
}

// PhaseStarter is notified before each ledger phase; the nonce tracker uses it
// to refetch baselines.
type PhaseStarter interface {
	BeginPhase()
}

// Phase is one ordered stage of a run.
type Phase struct {
	Name string
	// Banner is logged before every batch of the phase.
	Banner string
	Plan   dispatch.Plan
}

// Config configures a Harness.
type Config struct {
	Pool       *account.Pool
	Dispatcher Dispatcher
	Phases     PhaseStarter

	// Optional
	Storage storage.Storage
	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger

	// OnBatch is called after every settled batch, in order.
	OnBatch func(types.BatchReport)
}

// Harness orchestrates runs. One run at a time.
type Harness struct {
	pool       *account.Pool
	dispatcher Dispatcher
	phases     PhaseStarter
	storage    storage.Storage
	metrics    *metrics.PrometheusMetrics
	logger     *slog.Logger
	onBatch    func(types.BatchReport)

	mu       sync.RWMutex
	running  bool
	progress types.Progress
}

// New creates a Harness.
func New(cfg Config) (*Harness, error) {
	if cfg.Pool == nil || cfg.Dispatcher == nil {
		return nil, errors.New("harness requires a pool and a dispatcher")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		pool:       cfg.Pool,
		dispatcher: cfg.Dispatcher,
		phases:     cfg.Phases,
		storage:    cfg.Storage,
		metrics:    cfg.Metrics,
		logger:     logger,
		onBatch:    cfg.OnBatch,
		progress:   types.Progress{Status: types.StatusIdle},
	}, nil
}

// Batches partitions [0, total) into consecutive ranges of batchSize. The last
// range holds the remainder; an empty trailing range is skipped.
func Batches(total, batchSize int) []dispatch.Batch {
	if total <= 0 || batchSize <= 0 {
		return nil
	}
	var out []dispatch.Batch
	for i := 0; i <= total/batchSize; i++ {
		start := i * batchSize
		end := min(start+batchSize, total)
		if start >= end {
			continue
		}
		out = append(out, dispatch.Batch{Index: i, Start: start, End: end})
	}
	return out
}

// Progress returns a snapshot of the current or last run.
func (h *Harness) Progress() types.Progress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p := h.progress
	if p.LastBatch != nil {
		last := *p.LastBatch
		p.LastBatch = &last
	}
	return p
}

func (h *Harness) updateProgress(fn func(p *types.Progress)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.progress)
}

// Run provisions [0, total) and then runs each phase over it in order. Batches
// run strictly one after another; a batch's operations run concurrently inside
// the dispatcher. Rejections and timeouts are reported, not fatal. A dispatcher
// error ends the run and is returned with the summary collected so far.
func (h *Harness) Run(ctx context.Context, total, batchSize int, phases []Phase) (*types.RunSummary, error) {
	if total <= 0 {
		return nil, fmt.Errorf("total accounts must be positive, got %d", total)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	batches := Batches(total, batchSize)
	plan := []string{types.PhaseProvision}
	for _, p := range phases {
		plan = append(plan, p.Name)
	}

	summary := &types.RunSummary{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Accounts:  total,
		BatchSize: batchSize,
		Plan:      plan,
		Status:    types.StatusRunning,
	}
	h.updateProgress(func(p *types.Progress) {
		*p = types.Progress{RunID: summary.ID, Status: types.StatusRunning, BatchesTotal: len(batches)}
	})
	// Exported series describe the current run only.
	h.metrics.Reset()
	h.metrics.SetRunStatus(types.StatusRunning)
	if h.storage != nil {
		if err := h.storage.CreateRun(ctx, summary); err != nil {
			h.logger.Warn("failed to persist run", slog.String("error", err.Error()))
		}
	}

	h.logger.Info("Run started",
		slog.String("run_id", summary.ID),
		slog.Int("accounts", total),
		slog.Int("batch_size", batchSize),
		slog.Int("batches", len(batches)),
		slog.Any("plan", plan),
	)

	err := h.provision(ctx, summary, batches)
	if err == nil {
		for _, phase := range phases {
			if err = h.runPhase(ctx, summary, phase, batches); err != nil {
				break
			}
		}
	}
	h.finish(summary, err)
	return summary, err
}

// provision derives the population batch by batch.
func (h *Harness) provision(ctx context.Context, summary *types.RunSummary, batches []dispatch.Batch) error {
	acc := newPhaseAccumulator(types.PhaseProvision)
	h.startPhase(types.PhaseProvision)

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			summary.Phases = append(summary.Phases, acc.summary())
			return err
		}
		start := time.Now()
		if err := h.pool.DeriveRange(b.Start, b.End); err != nil {
			summary.Phases = append(summary.Phases, acc.summary())
			return fmt.Errorf("provision batch %d: %w", b.Index, err)
		}
		res := dispatch.Result{Batch: b, Succeeded: b.Size(), Elapsed: time.Since(start)}
		h.settle(ctx, summary.ID, acc, res)
	}

	summary.Phases = append(summary.Phases, acc.summary())
	return nil
}

// runPhase dispatches the phase over every batch, waiting for each wave.
func (h *Harness) runPhase(ctx context.Context, summary *types.RunSummary, phase Phase, batches []dispatch.Batch) error {
	acc := newPhaseAccumulator(phase.Name)
	h.startPhase(phase.Name)
	if h.phases != nil {
		h.phases.BeginPhase()
	}

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			summary.Phases = append(summary.Phases, acc.summary())
			return err
		}
		if phase.Banner != "" {
			h.logger.Info(phase.Banner,
				slog.String("phase", phase.Name),
				slog.Int("batch", b.Index),
				slog.Int("size", b.Size()),
			)
		}

		res, err := h.dispatcher.Dispatch(ctx, b, phase.Plan)
		h.settle(ctx, summary.ID, acc, res)
		if err != nil {
			summary.Phases = append(summary.Phases, acc.summary())
			return fmt.Errorf("phase %s: %w", phase.Name, err)
		}
	}

	s := acc.summary()
	summary.Phases = append(summary.Phases, s)
	h.logPhase(s)
	return nil
}

func (h *Harness) startPhase(name string) {
	h.updateProgress(func(p *types.Progress) {
		p.Phase = name
		p.BatchIndex = 0
	})
}

// settle records one batch result everywhere it is reported.
func (h *Harness) settle(ctx context.Context, runID string, acc *phaseAccumulator, res dispatch.Result) {
	report := acc.add(res)

	h.logger.Info("Batch done",
		slog.String("phase", report.Phase),
		slog.Int("batch", report.Index),
		slog.Int("size", report.Size),
		slog.Int64("elapsed_ms", report.ElapsedMs),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("timed_out", report.TimedOut),
		slog.Int("rejected", report.Rejected),
		slog.Float64("tps", report.TPS),
	)

	h.metrics.RecordBatch(report)
	if h.storage != nil {
		if err := h.storage.RecordBatch(ctx, runID, report); err != nil {
			h.logger.Warn("failed to persist batch report", slog.String("error", err.Error()))
		}
	}
	h.updateProgress(func(p *types.Progress) {
		p.BatchIndex = report.Index + 1
		p.Succeeded += uint64(report.Succeeded)
		p.TimedOut += uint64(report.TimedOut)
		p.Rejected += uint64(report.Rejected)
		p.LastBatch = &report
	})
	if h.onBatch != nil {
		h.onBatch(report)
	}
}

func (h *Harness) logPhase(s types.PhaseSummary) {
	attrs := []any{
		slog.String("phase", s.Name),
		slog.Int("batches", s.Batches),
		slog.Int("operations", s.Operations),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("timed_out", s.TimedOut),
		slog.Int("rejected", s.Rejected),
		slog.Int64("elapsed_ms", s.ElapsedMs),
		slog.Float64("tps", s.TPS),
	}
	if s.Latency != nil {
		attrs = append(attrs,
			slog.Float64("p50_ms", s.Latency.P50),
			slog.Float64("p95_ms", s.Latency.P95),
			slog.Float64("p99_ms", s.Latency.P99),
		)
	}
	h.logger.Info("Phase done", attrs...)
}

// finish stamps the final status and persists it.
func (h *Harness) finish(summary *types.RunSummary, err error) {
	now := time.Now()
	summary.CompletedAt = &now
	summary.Status = types.StatusCompleted
	if err != nil {
		summary.Status = types.StatusError
		summary.Error = err.Error()
	}

	h.updateProgress(func(p *types.Progress) {
		p.Status = summary.Status
		p.Error = summary.Error
	})
	h.metrics.SetRunStatus(summary.Status)

	if h.storage != nil {
		// The run context may already be cancelled; the final record still goes in.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := h.storage.CompleteRun(ctx, summary); serr != nil {
			h.logger.Warn("failed to persist run completion", slog.String("error", serr.Error()))
		}
	}

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, "Run finished",
		slog.String("run_id", summary.ID),
		slog.String("status", string(summary.Status)),
		slog.Duration("elapsed", now.Sub(summary.StartedAt)),
		slog.String("error", summary.Error),
	)
}

// phaseAccumulator aggregates the batch results of one phase.
type phaseAccumulator struct {
	s       types.PhaseSummary
	latency *metrics.StreamingLatencyStats
}

func newPhaseAccumulator(name string) *phaseAccumulator {
	return &phaseAccumulator{
		s:       types.PhaseSummary{Name: name},
		latency: metrics.NewStreamingLatencyStats(),
	}
}

func (a *phaseAccumulator) add(res dispatch.Result) types.BatchReport {
	report := res.Report(a.s.Name)
	a.s.Batches++
	a.s.Operations += report.Size
	a.s.Succeeded += report.Succeeded
	a.s.TimedOut += report.TimedOut
	a.s.Rejected += report.Rejected
	a.s.ElapsedMs += report.ElapsedMs
	for _, l := range res.Latencies {
		a.latency.AddDuration(l)
	}
	return report
}

func (a *phaseAccumulator) summary() types.PhaseSummary {
	s := a.s
	if s.ElapsedMs > 0 {
		s.TPS = float64(s.Succeeded) / (float64(s.ElapsedMs) / 1000)
	}
	s.Latency = a.latency.GetStats()
	return s
}
