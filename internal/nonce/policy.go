package nonce

import "fmt"

// Policy decides what happens to the nonce of a rejected submission.
type Policy string

const (
	// PolicyConsume keeps a rejected operation's nonce consumed. Later operations
	// from the same account keep counting from there; the tracker may drift ahead
	// of the ledger and is not reconciled.
	PolicyConsume Policy = "consume"

	// PolicyReclaim rolls a rejected operation's nonce back so the retry path (or
	// the account's next operation) submits with the same value.
	PolicyReclaim Policy = "reclaim"
)

// ParsePolicy parses a policy name. Empty means PolicyConsume.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyConsume:
		return PolicyConsume, nil
	case PolicyReclaim:
		return PolicyReclaim, nil
	default:
		return "", fmt.Errorf("invalid nonce policy %q (valid: consume, reclaim)", s)
	}
}

// Settle commits r when the ledger accepted the operation, and otherwise applies
// the policy. It reports whether the nonce was handed back for reuse.
func (p Policy) Settle(r *Reservation, accepted bool) bool {
	if accepted || p != PolicyReclaim {
		r.Commit()
		return false
	}
	return r.Rollback()
}
