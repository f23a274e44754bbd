package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var canonicalArgs = mustArguments(
	"address", "uint256", "bytes", "bytes", "bytes32", "bytes32", "bytes32", "bytes",
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("userop: bad abi type %s: %v", t, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// Canonical is abi.encode(sender, nonce, initCode, callData,
// accountGasLimits, preVerificationGas, gasFees, paymasterAndData).
// The signature is never part of it.
func Canonical(b *body, paymasterAndData []byte) []byte {
	out, err := canonicalArgs.Pack(
		b.sender,
		b.nonce,
		b.initCode,
		b.callData,
		b.accountGasLimits,
		b.preVerificationGas,
		b.gasFees,
		nonNil(paymasterAndData),
	)
	if err != nil {
		// Every field was validated when the draft was built.
		panic(fmt.Sprintf("userop: canonical encoding: %v", err))
	}
	return out
}

// Hash computes the EntryPoint v0.7 userOpHash:
//
//	keccak256(abi.encode(keccak256(packUserOp), entryPoint, chainID))
//
// where packUserOp hashes the dynamic fields and keeps the fixed ones as
// they are. Every field is a single word, so abi.encode is a plain
// concatenation. A v0.6 entry point hashes the unpacked gas fields, so
// this value only matches what a v0.7 bundler reports.
func Hash(b *body, paymasterAndData []byte, entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := crypto.Keccak256(
		common.LeftPadBytes(b.sender.Bytes(), 32),
		math.U256Bytes(new(big.Int).Set(b.nonce)),
		crypto.Keccak256(b.initCode),
		crypto.Keccak256(b.callData),
		b.accountGasLimits[:],
		b.preVerificationGas[:],
		b.gasFees[:],
		crypto.Keccak256(paymasterAndData),
	)
	if chainID == nil {
		chainID = new(big.Int)
	}
	return crypto.Keccak256Hash(
		packed,
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		math.U256Bytes(new(big.Int).Set(chainID)),
	)
}

// RPC is the JSON shape sent to the sponsor and the bundler: every field
// hex encoded with a 0x prefix, gas fields in their packed form.
type RPC struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   hexutil.Bytes  `json:"accountGasLimits"`
	PreVerificationGas hexutil.Bytes  `json:"preVerificationGas"`
	GasFees            hexutil.Bytes  `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

func (b *body) rpc(paymasterAndData, signature []byte) RPC {
	return RPC{
		Sender:             b.sender,
		Nonce:              (*hexutil.Big)(new(big.Int).Set(b.nonce)),
		InitCode:           nonNil(b.initCode),
		CallData:           nonNil(b.callData),
		AccountGasLimits:   common.CopyBytes(b.accountGasLimits[:]),
		PreVerificationGas: common.CopyBytes(b.preVerificationGas[:]),
		GasFees:            common.CopyBytes(b.gasFees[:]),
		PaymasterAndData:   nonNil(paymasterAndData),
		Signature:          nonNil(signature),
	}
}

// RPC renders a draft with empty paymasterAndData and signature, the form
// a sponsor is asked to authorise.
func (d *Draft) RPC() RPC { return d.rpc(nil, nil) }

func (d *Draft) MarshalJSON() ([]byte, error) { return json.Marshal(d.RPC()) }

func (s *Sponsored) RPC() RPC { return s.rpc(s.paymasterAndData, nil) }

func (s *Sponsored) MarshalJSON() ([]byte, error) { return json.Marshal(s.RPC()) }

func (s *Signed) RPC() RPC { return s.rpc(s.paymasterAndData, s.signature) }

func (s *Signed) MarshalJSON() ([]byte, error) { return json.Marshal(s.RPC()) }

// nonNil keeps empty fields encoding as "0x" rather than null.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return common.CopyBytes(b)
}
