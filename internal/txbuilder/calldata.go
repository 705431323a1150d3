package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Function selectors (first 4 bytes of keccak256(signature))
var (
	// ERC20 selectors
	SelectorTransfer  = selector("transfer(address,uint256)")
	SelectorMint      = selector("mint(address,uint256)")
	SelectorBalanceOf = selector("balanceOf(address)")

	// Loan contract: apply(amount, asset, package)
	SelectorApply = selector("apply(uint256,uint32,uint32)")

	// Action contract
	SelectorDoSomething = selector("doSomething()")
)

// selector computes the 4-byte function selector from signature.
func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// word returns a 32-byte ABI word holding v.
func word(v *big.Int) []byte {
	out := make([]byte, 32)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}

func call(sel []byte, args ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(args))
	data = append(data, sel...)
	for _, a := range args {
		data = append(data, a...)
	}
	return data
}

// EncodeTransfer encodes ERC20.transfer(address,uint256).
func EncodeTransfer(to common.Address, amount *big.Int) []byte {
	return call(SelectorTransfer, common.LeftPadBytes(to.Bytes(), 32), word(amount))
}

// EncodeMint encodes ERC20.mint(address,uint256).
func EncodeMint(to common.Address, amount *big.Int) []byte {
	return call(SelectorMint, common.LeftPadBytes(to.Bytes(), 32), word(amount))
}

// EncodeBalanceOf encodes ERC20.balanceOf(address).
func EncodeBalanceOf(owner common.Address) []byte {
	return call(SelectorBalanceOf, common.LeftPadBytes(owner.Bytes(), 32))
}

// EncodeApply encodes apply(uint256,uint32,uint32).
func EncodeApply(amount *big.Int, asset, pkg uint32) []byte {
	return call(SelectorApply,
		word(amount),
		word(new(big.Int).SetUint64(uint64(asset))),
		word(new(big.Int).SetUint64(uint64(pkg))),
	)
}

// EncodeDoSomething encodes doSomething().
func EncodeDoSomething() []byte {
	return call(SelectorDoSomething)
}

// DecodeUint256 reads the first return word of a call.
func DecodeUint256(ret []byte) *big.Int {
	if len(ret) < 32 {
		return new(big.Int).SetBytes(ret)
	}
	return new(big.Int).SetBytes(ret[:32])
}
