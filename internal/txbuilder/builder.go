// Package txbuilder turns ledger operations into Ethereum transactions.
package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
)

// NativeAsset is carried as transaction value; every other asset is an ERC20 token.
const NativeAsset uint32 = 0

// Gas limits per call. ERC20 transfers and mints to fresh accounts pay a cold
// SSTORE (~52k), so they get 70k.
const (
	GasNativeTransfer uint64 = 21000
	GasTokenTransfer  uint64 = 70000
	GasTokenMint      uint64 = 70000
	GasApplyLoan      uint64 = 150000
	GasAction         uint64 = 60000
)

// ErrUnsupported means the operation cannot be expressed with the configured contracts.
var ErrUnsupported = errors.New("operation not supported by configuration")

// Config holds the chain and contract parameters.
type Config struct {
	ChainID   *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int // Gas price when Legacy
	Legacy    bool

	Tokens         map[uint32]common.Address // ERC20 per asset ID
	LoanContract   common.Address            // Zero disables apply_loan
	ActionContract common.Address            // Zero makes action a zero-value self transfer
}

// Builder encodes operations. It is immutable and safe for concurrent use.
type Builder struct {
	cfg Config
}

// New validates cfg and creates a Builder.
func New(cfg Config) (*Builder, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		return nil, errors.New("ChainID must be non-nil and non-zero")
	}
	if cfg.GasFeeCap == nil || cfg.GasFeeCap.Sign() <= 0 {
		return nil, errors.New("GasFeeCap must be positive")
	}
	if cfg.GasTipCap == nil {
		cfg.GasTipCap = new(big.Int)
	}
	if !cfg.Legacy && cfg.GasTipCap.Cmp(cfg.GasFeeCap) > 0 {
		return nil, fmt.Errorf("GasTipCap %s exceeds GasFeeCap %s", cfg.GasTipCap, cfg.GasFeeCap)
	}
	return &Builder{cfg: cfg}, nil
}

// ChainID returns the chain the builder signs for.
func (b *Builder) ChainID() *big.Int {
	return b.cfg.ChainID
}

// Token returns the ERC20 contract of asset.
func (b *Builder) Token(asset uint32) (common.Address, error) {
	addr, ok := b.cfg.Tokens[asset]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: no token for asset %d", ErrUnsupported, asset)
	}
	return addr, nil
}

// Check reports whether operations of kind on asset can be built.
func (b *Builder) Check(kind ledger.OpKind, asset uint32) error {
	switch kind {
	case ledger.OpTransfer:
		if asset == NativeAsset {
			return nil
		}
		_, err := b.Token(asset)
		return err
	case ledger.OpUpdateBalance:
		if asset == NativeAsset {
			return fmt.Errorf("%w: the native asset cannot be minted", ErrUnsupported)
		}
		_, err := b.Token(asset)
		return err
	case ledger.OpApplyLoan:
		if b.cfg.LoanContract == (common.Address{}) {
			return fmt.Errorf("%w: no loan contract", ErrUnsupported)
		}
		return nil
	case ledger.OpAction:
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrUnsupported, kind)
	}
}

// Build creates the unsigned transaction for op.
func (b *Builder) Build(op ledger.Operation) (*types.Transaction, error) {
	if op.From == nil {
		return nil, errors.New("operation has no source account")
	}
	if err := b.Check(op.Kind, op.Asset); err != nil {
		return nil, err
	}

	switch op.Kind {
	case ledger.OpTransfer:
		if op.Asset == NativeAsset {
			return b.tx(op.Nonce, op.To, op.Amount, GasNativeTransfer, nil), nil
		}
		token, _ := b.Token(op.Asset)
		return b.tx(op.Nonce, token, nil, GasTokenTransfer, EncodeTransfer(op.To, op.Amount)), nil

	case ledger.OpUpdateBalance:
		token, _ := b.Token(op.Asset)
		return b.tx(op.Nonce, token, nil, GasTokenMint, EncodeMint(op.To, op.Amount)), nil

	case ledger.OpApplyLoan:
		return b.tx(op.Nonce, b.cfg.LoanContract, nil, GasApplyLoan, EncodeApply(op.Amount, op.Asset, op.Package)), nil

	default: // ledger.OpAction
		if b.cfg.ActionContract == (common.Address{}) {
			return b.tx(op.Nonce, op.From.Address, nil, GasNativeTransfer, nil), nil
		}
		return b.tx(op.Nonce, b.cfg.ActionContract, nil, GasAction, EncodeDoSomething()), nil
	}
}

func (b *Builder) tx(nonce uint64, to common.Address, value *big.Int, gas uint64, data []byte) *types.Transaction {
	return newTx(b.cfg.ChainID, nonce, to, value, gas, b.cfg.GasTipCap, b.cfg.GasFeeCap, data, b.cfg.Legacy)
}
