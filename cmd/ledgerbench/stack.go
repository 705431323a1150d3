package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/internal/dispatch"
	"github.com/gateway-fm/ledgerbench/internal/harness"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/ledger/ethledger"
	"github.com/gateway-fm/ledgerbench/internal/ledger/memledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/nonce"
	"github.com/gateway-fm/ledgerbench/internal/ratelimit"
	"github.com/gateway-fm/ledgerbench/internal/rpc"
	"github.com/gateway-fm/ledgerbench/internal/sender"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/internal/txbuilder"
	"github.com/gateway-fm/ledgerbench/internal/watch"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// stack is every long-lived component of one benchmark process.
type stack struct {
	ledger   ledger.Ledger
	store    storage.Storage // nil when persistence is disabled
	registry *prometheus.Registry
	funder   *account.Account
	pool     *account.Pool
	sender   *sender.Sender
	harness  *harness.Harness
	catalog  harness.Catalog
}

func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	st := &stack{registry: prometheus.NewRegistry()}
	ready := false
	defer func() {
		if !ready {
			st.Close()
		}
	}()

	st.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheusMetrics(st.registry)

	var err error
	if cfg.FunderKey != "" {
		if st.funder, err = account.NewAccountFromHex(cfg.FunderKey); err != nil {
			return nil, fmt.Errorf("funder key: %w", err)
		}
	}

	if cfg.DatabasePath != "" {
		if st.store, err = storage.NewSQLiteStorage(cfg.DatabasePath); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))
	}

	switch cfg.Ledger {
	case config.LedgerMemory:
		st.ledger = newMemLedger(cfg, st.funder, logger)
	default:
		l, err := dialEthLedger(ctx, cfg, m, logger)
		if err != nil {
			return nil, err
		}
		st.ledger = l
		if err := checkFunderBalance(ctx, cfg, l, st.funder, logger); err != nil {
			return nil, err
		}
	}

	st.pool = account.NewPool(cfg.AccountSeed, logger)
	tracker := nonce.NewTracker(st.ledger, logger)

	var limiter *ratelimit.Limiter
	if cfg.SubmitRate > 0 {
		limiter = ratelimit.New(cfg.SubmitRate, max(1, int(cfg.SubmitRate/10)))
	}
	st.sender = sender.New(sender.Config{
		Submitter:   st.ledger,
		Concurrency: cfg.SubmitConcurrency,
		Limiter:     limiter,
		Metrics:     m,
		Logger:      logger,
	})

	watcher := watch.New(watch.Config{
		Querier:    st.ledger,
		Subscriber: st.ledger,
		Metrics:    m,
		Logger:     logger,
	})

	dispatcher, err := dispatch.New(dispatch.Config{
		Pool:           st.pool,
		Tracker:        tracker,
		Submitter:      st.sender,
		Watcher:        watcher,
		ConfirmTimeout: cfg.ConfirmTimeout,
		Policy:         cfg.NoncePolicy,
		SubmitRetries:  cfg.SubmitRetries,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	if st.harness, err = harness.New(harness.Config{
		Pool:       st.pool,
		Dispatcher: dispatcher,
		Phases:     tracker,
		Storage:    st.store,
		Metrics:    m,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}

	st.catalog = harness.Catalog{
		Funder:      st.funder,
		FundAmount:  cfg.FundAmount,
		MintAsset:   cfg.MintAsset,
		MintAmount:  cfg.MintAmount,
		LoanAmount:  cfg.LoanAmount,
		LoanPackage: cfg.LoanPackage,
	}
	ready = true
	return st, nil
}

// newMemLedger seeds the funder with enough native balance to fund every account.
func newMemLedger(cfg *config.Config, funder *account.Account, logger *slog.Logger) *memledger.Ledger {
	genesis := map[common.Address]*big.Int{}
	if funder != nil {
		genesis[funder.Address] = new(big.Int).Mul(cfg.FundAmount, big.NewInt(int64(cfg.Accounts)))
	}
	logger.Info("using in-memory ledger",
		slog.Duration("block_time", cfg.MemBlockTime),
		slog.Int("reject_every", cfg.MemRejectEvery),
	)
	return memledger.New(memledger.Config{
		BlockTime:   cfg.MemBlockTime,
		RejectEvery: cfg.MemRejectEvery,
		Genesis:     genesis,
		Logger:      logger,
	})
}

// dialEthLedger resolves chain ID and gas pricing from the node when they are
// not configured, then connects the head subscription.
func dialEthLedger(ctx context.Context, cfg *config.Config, m *metrics.PrometheusMetrics, logger *slog.Logger) (*ethledger.Ledger, error) {
	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.MaxConns = cfg.SubmitConcurrency
	rpcCfg.Metrics = m
	rpcCfg.Logger = logger
	client := rpc.NewHTTPClient(rpcCfg)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain ID: %w", ledgerErr(err))
		}
		chainID = new(big.Int).SetUint64(id)
	}

	tipCap := big.NewInt(cfg.GasTipCap)
	feeCap := big.NewInt(cfg.GasFeeCap)
	if cfg.GasFeeCap == 0 {
		gasPrice, err := client.GasPrice(ctx)
		if err != nil {
			logger.Warn("failed to query gas price, using 2x tip as fee cap", slog.String("error", err.Error()))
			feeCap = new(big.Int).Mul(tipCap, big.NewInt(2))
		} else {
			// 2x headroom against base fee movement, never below the tip.
			feeCap = new(big.Int).Mul(gasPrice, big.NewInt(2))
			if feeCap.Cmp(tipCap) < 0 {
				feeCap.Set(tipCap)
			}
		}
	}
	logger.Info("gas pricing configured",
		slog.String("chain_id", chainID.String()),
		slog.String("gas_tip_cap", tipCap.String()),
		slog.String("gas_fee_cap", feeCap.String()),
		slog.Bool("legacy", cfg.Legacy),
	)

	builder, err := txbuilder.New(txbuilder.Config{
		ChainID:        chainID,
		GasTipCap:      tipCap,
		GasFeeCap:      feeCap,
		Legacy:         cfg.Legacy,
		Tokens:         cfg.TokenAddresses,
		LoanContract:   cfg.LoanContract,
		ActionContract: cfg.ActionContract,
	})
	if err != nil {
		return nil, fmt.Errorf("transaction builder: %w", err)
	}

	return ethledger.Dial(ctx, ethledger.Config{
		Client:  client,
		WSURL:   cfg.WSURL,
		Builder: builder,
		Metrics: m,
		Logger:  logger,
	})
}

// nativeBalancer reads an address's balance of the ledger's base currency.
type nativeBalancer interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// checkFunderBalance fails before the run when the funder cannot cover the
// value the fund phase transfers. Gas is not included.
func checkFunderBalance(ctx context.Context, cfg *config.Config, l nativeBalancer, funder *account.Account, logger *slog.Logger) error {
	if funder == nil || !slices.Contains(cfg.Phases, types.PhaseFund) {
		return nil
	}
	need := new(big.Int).Mul(cfg.FundAmount, big.NewInt(int64(cfg.Accounts)))
	have, err := l.NativeBalance(ctx, funder.Address)
	if err != nil {
		return fmt.Errorf("read funder balance: %w", err)
	}
	logger.Info("funder balance",
		slog.String("address", funder.Address.Hex()),
		slog.String("balance", have.String()),
		slog.String("required", need.String()),
	)
	if have.Cmp(need) < 0 {
		return fmt.Errorf("funder %s holds %s, fund phase transfers %s", funder.Address.Hex(), have, need)
	}
	return nil
}

// Progress is the harness progress plus the live load on the ledger connection.
func (st *stack) Progress() types.Progress {
	p := st.harness.Progress()
	p.InFlight = st.sender.InFlight()
	p.SubmitCapacity = st.sender.Capacity()
	p.SubmitRate = st.sender.Rate()
	if h, ok := st.ledger.(interface{ Heads() uint64 }); ok {
		p.Heads = h.Heads()
	}
	return p
}

// ledgerErr marks exhausted transport retries as a connection failure.
func ledgerErr(err error) error {
	if rpc.IsTransport(err) {
		return fmt.Errorf("%w: %w", ledger.ErrConnection, err)
	}
	return err
}

// CheckLedger reads the funder's nonce (or the first account's) as a liveness probe.
func (st *stack) CheckLedger(ctx context.Context) error {
	acc := st.funder
	if acc == nil {
		var err error
		if acc, err = st.pool.Get(0); err != nil {
			return errors.New("no account to probe yet")
		}
	}
	_, err := st.ledger.Query(ctx, acc.Address, ledger.Nonce())
	return err
}

// Close releases the ledger connection and the database.
func (st *stack) Close() {
	if st.ledger != nil {
		st.ledger.Close()
	}
	if st.store != nil {
		st.store.Close()
	}
}
