// Package ledger defines the contract of the remote ledger the harness drives:
// submit-and-acknowledge, point-in-time queries and state-change subscriptions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/ledgerbench/internal/account"
)

// OpKind identifies a ledger-mutating call.
type OpKind string

const (
	OpTransfer      OpKind = "transfer"       // Move Amount of Asset from From to To
	OpUpdateBalance OpKind = "update_balance" // Privileged credit of Amount of Asset to To
	OpApplyLoan     OpKind = "apply_loan"     // From applies for a loan of Amount under Package
	OpAction        OpKind = "action"         // Arbitrary state-mutating call by From
)

// Operation is one ledger-mutating call stamped with its source account's nonce.
type Operation struct {
	Kind    OpKind
	From    *account.Account // Nonce source and signer
	To      common.Address
	Asset   uint32
	Amount  *big.Int
	Package uint32
	Nonce   uint64
}

// ResourceKind identifies which piece of account state is observed.
type ResourceKind string

const (
	ResourceBalance ResourceKind = "balance"
	ResourceNonce   ResourceKind = "nonce"
)

// Resource addresses one observable scalar of an account.
type Resource struct {
	Kind  ResourceKind
	Asset uint32 // Only meaningful for ResourceBalance
}

// Balance returns the balance resource for asset.
func Balance(asset uint32) Resource {
	return Resource{Kind: ResourceBalance, Asset: asset}
}

// Nonce returns the account nonce resource.
func Nonce() Resource {
	return Resource{Kind: ResourceNonce}
}

func (r Resource) String() string {
	if r.Kind == ResourceBalance {
		return fmt.Sprintf("balance/%d", r.Asset)
	}
	return string(r.Kind)
}

// State is a point-in-time value of a resource.
type State struct {
	Value *big.Int
}

// NewState wraps a uint64.
func NewState(v uint64) State {
	return State{Value: new(big.Int).SetUint64(v)}
}

// Cmp compares two states; a nil value compares as zero.
func (s State) Cmp(other State) int {
	return valueOrZero(s.Value).Cmp(valueOrZero(other.Value))
}

func (s State) String() string {
	return valueOrZero(s.Value).String()
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Receipt acknowledges that the ledger accepted an operation for inclusion.
// It says nothing about whether the operation has taken effect.
type Receipt struct {
	ID          string
	SubmittedAt time.Time
}

// Submitter accepts signed operations.
type Submitter interface {
	Submit(ctx context.Context, op Operation) (Receipt, error)
}

// Querier reads current state.
type Querier interface {
	Query(ctx context.Context, addr common.Address, res Resource) (State, error)
}

// Subscription delivers every observed state transition of one (account, resource)
// until Unsubscribe is called. Unsubscribe is idempotent.
type Subscription interface {
	Changes() <-chan State
	// Err reports why Changes was closed by the ledger, nil after Unsubscribe.
	Err() error
	Unsubscribe()
}

// Subscriber opens state-change subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, addr common.Address, res Resource) (Subscription, error)
}

// Ledger is the full external collaborator.
type Ledger interface {
	Submitter
	Querier
	Subscriber
	Close() error
}

var (
	// ErrConnection means the ledger connection is unusable. Fatal for the run.
	ErrConnection = errors.New("ledger connection failure")

	// ErrRejected means the ledger refused an operation. Recorded per operation.
	ErrRejected = errors.New("submission rejected")
)

// RejectionError describes why an operation was refused.
type RejectionError struct {
	Reason string
	Nonce  uint64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("submission rejected (nonce %d): %s", e.Nonce, e.Reason)
}

// Unwrap lets errors.Is match ErrRejected.
func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// IsConnection reports whether err is a connection-level failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
