// Package ethledger drives an Ethereum-compatible node as the ledger: operations
// become signed transactions, queries are JSON-RPC reads and state changes are
// observed by re-reading on every new head.
package ethledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/internal/rpc"
	"github.com/gateway-fm/ledgerbench/internal/txbuilder"
)

// Config configures a Ledger.
type Config struct {
	Client  rpc.Client
	WSURL   string
	Builder *txbuilder.Builder

	// RefreshConcurrency bounds the re-reads issued per head (default 32).
	RefreshConcurrency int
	Dialer             *websocket.Dialer

	Metrics *metrics.PrometheusMetrics
	Logger  *slog.Logger
}

// Ledger implements ledger.Ledger over JSON-RPC.
type Ledger struct {
	client  rpc.Client
	builder *txbuilder.Builder
	signer  types.Signer
	heads   *headHub
	logger  *slog.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// Dial connects the head subscription and returns a ready Ledger. A node that
// cannot be reached yields an error wrapping ledger.ErrConnection.
func Dial(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Client == nil || cfg.Builder == nil {
		return nil, errors.New("ethledger requires a client and a builder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		client:  cfg.Client,
		builder: cfg.Builder,
		signer:  types.LatestSignerForChainID(cfg.Builder.ChainID()),
		logger:  logger,
	}

	heads, err := dialHeads(ctx, headConfig{
		url:         cfg.WSURL,
		dialer:      cfg.Dialer,
		query:       l.Query,
		concurrency: cfg.RefreshConcurrency,
		metrics:     cfg.Metrics,
		logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	l.heads = heads
	return l, nil
}

// Submit signs op and sends it. JSON-RPC errors are rejections; a node that
// cannot be reached is a connection failure.
func (l *Ledger) Submit(ctx context.Context, op ledger.Operation) (ledger.Receipt, error) {
	tx, err := l.builder.Build(op)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("build %s: %w", op.Kind, err)
	}
	signed, err := types.SignTx(tx, l.signer, op.From.Signer())
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("sign %s: %w", op.Kind, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("encode %s: %w", op.Kind, err)
	}

	submittedAt := time.Now()
	if _, err := l.client.SendRawTransaction(ctx, raw); err != nil {
		return ledger.Receipt{}, classify("submit", err, op.Nonce)
	}
	return ledger.Receipt{ID: signed.Hash().Hex(), SubmittedAt: submittedAt}, nil
}

// Query reads the applied state of res.
func (l *Ledger) Query(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.State, error) {
	switch {
	case res.Kind == ledger.ResourceNonce:
		n, err := l.client.GetNonce(ctx, addr.Hex(), "latest")
		if err != nil {
			return ledger.State{}, classify("query nonce", err, 0)
		}
		return ledger.NewState(n), nil

	case res.Kind == ledger.ResourceBalance && res.Asset == txbuilder.NativeAsset:
		bal, err := l.client.GetBalance(ctx, addr.Hex())
		if err != nil {
			return ledger.State{}, classify("query balance", err, 0)
		}
		return ledger.State{Value: bal}, nil

	case res.Kind == ledger.ResourceBalance:
		token, err := l.builder.Token(res.Asset)
		if err != nil {
			return ledger.State{}, err
		}
		ret, err := l.client.EthCall(ctx, token.Hex(), txbuilder.EncodeBalanceOf(addr))
		if err != nil {
			return ledger.State{}, classify("query token balance", err, 0)
		}
		return ledger.State{Value: txbuilder.DecodeUint256(ret)}, nil

	default:
		return ledger.State{}, fmt.Errorf("unknown resource %q", res.Kind)
	}
}

// Subscribe registers (addr, res) for a re-read on every new head.
func (l *Ledger) Subscribe(ctx context.Context, addr common.Address, res ledger.Resource) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.heads.subscribe(addr, res)
}

// Close drops the head subscription. Open subscriptions end with ErrConnection.
func (l *Ledger) Close() error {
	return l.heads.close()
}

// Heads returns the number of new heads received on the feed.
func (l *Ledger) Heads() uint64 {
	return l.heads.Heads()
}

// NativeBalance reads the native balance of addr. The CLI checks the funder with
// it before a fund phase.
func (l *Ledger) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	st, err := l.Query(ctx, addr, ledger.Balance(txbuilder.NativeAsset))
	if err != nil {
		return nil, err
	}
	return st.Value, nil
}

// classify maps client errors onto the ledger error classes.
func classify(what string, err error, nonce uint64) error {
	var rpcErr *rpc.RPCError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &rpcErr) && what == "submit":
		return &ledger.RejectionError{Reason: rpcErr.Message, Nonce: nonce}
	case rpc.IsTransport(err):
		return fmt.Errorf("%s: %w: %v", what, ledger.ErrConnection, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
