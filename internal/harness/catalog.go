package harness

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/dispatch"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/watch"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// NativeAsset is the ledger's base currency.
const NativeAsset uint32 = 0

// Catalog builds the known phases.
type Catalog struct {
	// Funder signs the fund and mint operations of every account.
	Funder *account.Account

	FundAmount  *big.Int
	MintAsset   uint32
	MintAmount  *big.Int
	LoanAmount  *big.Int
	LoanPackage uint32
}

// Phases resolves names to phases in the given order. Unknown or repeated
// names are rejected, and fund must come first when present since the other
// phases spend what it provides.
func (c Catalog) Phases(names []string) ([]Phase, error) {
	if len(names) == 0 {
		return nil, errors.New("no phases requested")
	}
	seen := make(map[string]bool, len(names))
	out := make([]Phase, 0, len(names))
	for i, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("phase %q listed twice", name)
		}
		seen[name] = true
		if name == types.PhaseFund && i != 0 {
			return nil, fmt.Errorf("phase %q must run first", name)
		}

		p, err := c.phase(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c Catalog) phase(name string) (Phase, error) {
	switch name {
	case types.PhaseFund:
		if c.Funder == nil {
			return Phase{}, errors.New("fund phase requires a funder account")
		}
		return c.fund(), nil
	case types.PhaseMint:
		if c.Funder == nil {
			return Phase{}, errors.New("mint phase requires a funder account")
		}
		return c.mint(), nil
	case types.PhaseLoan:
		return c.loan(), nil
	case types.PhaseAction:
		return c.action(), nil
	default:
		return Phase{}, fmt.Errorf("unknown phase %q", name)
	}
}

func (c Catalog) funder(*account.Account) *account.Account {
	return c.Funder
}

// fund transfers FundAmount of the native asset from the funder to each account.
func (c Catalog) fund() Phase {
	return Phase{
		Name:   types.PhaseFund,
		Banner: fmt.Sprintf("creating accounts with balance %s", amountString(c.FundAmount)),
		Plan: dispatch.Plan{
			Name:   types.PhaseFund,
			Source: c.funder,
			Build: func(acc *account.Account, n uint64) ledger.Operation {
				return ledger.Operation{
					Kind:   ledger.OpTransfer,
					From:   c.Funder,
					To:     acc.Address,
					Asset:  NativeAsset,
					Amount: c.FundAmount,
					Nonce:  n,
				}
			},
			Expect: func(op ledger.Operation) dispatch.Expectation {
				return dispatch.Expectation{Address: op.To, Resource: ledger.Balance(NativeAsset), Confirm: watch.Changed}
			},
		},
	}
}

// mint credits MintAmount of MintAsset to each account.
func (c Catalog) mint() Phase {
	return Phase{
		Name:   types.PhaseMint,
		Banner: fmt.Sprintf("minting %s of asset %d", amountString(c.MintAmount), c.MintAsset),
		Plan: dispatch.Plan{
			Name:   types.PhaseMint,
			Source: c.funder,
			Build: func(acc *account.Account, n uint64) ledger.Operation {
				return ledger.Operation{
					Kind:   ledger.OpUpdateBalance,
					From:   c.Funder,
					To:     acc.Address,
					Asset:  c.MintAsset,
					Amount: c.MintAmount,
					Nonce:  n,
				}
			},
			Expect: func(op ledger.Operation) dispatch.Expectation {
				return dispatch.Expectation{Address: op.To, Resource: ledger.Balance(op.Asset), Confirm: watch.Changed}
			},
		},
	}
}

// loan has each account apply for LoanAmount under LoanPackage.
func (c Catalog) loan() Phase {
	return Phase{
		Name:   types.PhaseLoan,
		Banner: fmt.Sprintf("applying for loans of %s (package %d)", amountString(c.LoanAmount), c.LoanPackage),
		Plan: dispatch.Plan{
			Name: types.PhaseLoan,
			Build: func(acc *account.Account, n uint64) ledger.Operation {
				return ledger.Operation{
					Kind:    ledger.OpApplyLoan,
					From:    acc,
					Asset:   c.MintAsset,
					Amount:  c.LoanAmount,
					Package: c.LoanPackage,
					Nonce:   n,
				}
			},
			Expect: ownNonce,
		},
	}
}

// action has each account perform one arbitrary call.
func (c Catalog) action() Phase {
	return Phase{
		Name:   types.PhaseAction,
		Banner: "doing actions",
		Plan: dispatch.Plan{
			Name: types.PhaseAction,
			Build: func(acc *account.Account, n uint64) ledger.Operation {
				return ledger.Operation{Kind: ledger.OpAction, From: acc, Nonce: n}
			},
			Expect: ownNonce,
		},
	}
}

func ownNonce(op ledger.Operation) dispatch.Expectation {
	return dispatch.Expectation{Address: op.From.Address, Resource: ledger.Nonce(), Confirm: watch.Increased}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
