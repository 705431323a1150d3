// Package account derives and registers the test identities driven by the harness.
package account

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is an immutable test identity.
// The signing key is opaque to the harness; only ledger backends call Signer.
type Account struct {
	Index   int
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewAccount creates an account from a private key.
func NewAccount(index int, privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		Index:   index,
		Address: crypto.PubkeyToAddress(privateKey.PublicKey),
		key:     privateKey,
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// Index is -1 because the account is not part of the derived population.
func NewAccountFromHex(hexKey string) (*Account, error) {
	if len(hexKey) > 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewAccount(-1, privateKey), nil
}

// Signer returns the account's signing key.
func (a *Account) Signer() *ecdsa.PrivateKey {
	return a.key
}

// String returns a short form for logs.
func (a *Account) String() string {
	return fmt.Sprintf("#%d(%s)", a.Index, a.Address.Hex()[:10])
}

// DerivationPath returns the path string hashed to derive the key at index.
func DerivationPath(index int) string {
	return fmt.Sprintf("//fake_user/%d", index)
}

// deriveKey maps (seed, index) to a valid secp256k1 key.
// Hashes are re-hashed until they land in [1, N), which in practice is the first try.
func deriveKey(seed []byte, index int) (*ecdsa.PrivateKey, error) {
	material := crypto.Keccak256(seed, []byte(DerivationPath(index)))
	n := crypto.S256().Params().N
	for range 16 {
		k := new(big.Int).SetBytes(material)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return crypto.ToECDSA(material)
		}
		material = crypto.Keccak256(material)
	}
	return nil, fmt.Errorf("no valid key for index %d", index)
}

// Well-known funder key (Anvil/Hardhat account 0), used when no funder is configured.
const DevFunderKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
