// Command ledgerbench provisions a population of accounts on a ledger and
// measures how fast the ledger confirms batches of operations from them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/transport"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run executes one benchmark and returns the process exit code: 0 when every
// phase completed, 1 otherwise.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level}))

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.String("error", err.Error()))
		return 1
	}
	defer st.Close()

	phases, err := st.catalog.Phases(cfg.Phases)
	if err != nil {
		logger.Error("invalid phase list", slog.String("error", err.Error()))
		return 1
	}

	if cfg.ListenAddr != "" {
		srv := startHTTP(cfg, st, logger)
		defer stopHTTP(srv, 5*time.Second, logger)
	}

	summary, err := st.harness.Run(ctx, cfg.Accounts, cfg.BatchSize, phases)
	logSummary(logger, summary)
	if err != nil {
		switch {
		case ledger.IsConnection(err):
			logger.Error("ledger connection lost", slog.String("error", err.Error()))
		case errors.Is(err, context.Canceled):
			logger.Warn("run cancelled")
		default:
			logger.Error("run failed", slog.String("error", err.Error()))
		}
		return 1
	}
	return 0
}

// startHTTP serves the API in the background for the lifetime of the run.
func startHTTP(cfg *config.Config, st *stack, logger *slog.Logger) *http.Server {
	api := transport.NewServer(transport.Config{
		Progress:           st,
		Storage:            st.store,
		Health:             st,
		Gatherer:           st.registry,
		Logger:             logger,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(api.Close)

	go func() {
		logger.Info("starting HTTP server", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// stopHTTP drains in-flight requests for up to timeout. A server that does not
// drain in time is logged and abandoned.
func stopHTTP(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown failed", slog.String("error", err.Error()))
	}
}

// logSummary prints whole-run throughput. Per-phase lines are logged by the
// harness as each phase finishes.
func logSummary(logger *slog.Logger, s *types.RunSummary) {
	if s == nil {
		return
	}
	var succeeded, timedOut, rejected int
	var elapsedMs int64
	for _, p := range s.Phases {
		if p.Name == types.PhaseProvision {
			continue
		}
		succeeded += p.Succeeded
		timedOut += p.TimedOut
		rejected += p.Rejected
		elapsedMs += p.ElapsedMs
	}
	var tps float64
	if elapsedMs > 0 {
		tps = float64(succeeded) / (float64(elapsedMs) / 1000)
	}
	logger.Info("Run summary",
		slog.String("run_id", s.ID),
		slog.String("status", string(s.Status)),
		slog.Int("accounts", s.Accounts),
		slog.Int("phases", len(s.Phases)),
		slog.Int("succeeded", succeeded),
		slog.Int("timed_out", timedOut),
		slog.Int("rejected", rejected),
		slog.Int64("elapsed_ms", elapsedMs),
		slog.Float64("tps", tps),
	)
}
