// Package userop models a packed ERC-4337 user operation as it moves
// through assembly. Each stage is its own type:
//
//	Draft      every field but paymasterAndData and signature
//	Sponsored  Draft fields frozen, paymasterAndData attached
//	Signed     signature attached, ready for the bundler
//
// Values only move forward and never expose their fields for writing, so
// the fields a sponsor authorised cannot change before submission.
package userop

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/gaspack"
)

type State int

const (
	StateDraft State = iota
	StateSponsored
	StateSigned
	StateSubmitted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateSponsored:
		return "sponsored"
	case StateSigned:
		return "signed"
	case StateSubmitted:
		return "submitted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Word is a 32 byte packed gas field.
type Word = [gaspack.WordSize]byte

// DraftParams are the inputs of NewDraft. Slices are copied.
type DraftParams struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   Word
	PreVerificationGas Word
	GasFees            Word
}

// body holds the fields shared by every stage. Its getters hand out copies.
type body struct {
	sender             common.Address
	nonce              *big.Int
	initCode           []byte
	callData           []byte
	accountGasLimits   Word
	preVerificationGas Word
	gasFees            Word
}

func (b *body) Sender() common.Address   { return b.sender }
func (b *body) Nonce() *big.Int          { return new(big.Int).Set(b.nonce) }
func (b *body) InitCode() []byte         { return common.CopyBytes(b.initCode) }
func (b *body) CallData() []byte         { return common.CopyBytes(b.callData) }
func (b *body) AccountGasLimits() Word   { return b.accountGasLimits }
func (b *body) PreVerificationGas() Word { return b.preVerificationGas }
func (b *body) GasFees() Word            { return b.gasFees }

// VerificationGasLimit and CallGasLimit unpack AccountGasLimits.
func (b *body) VerificationGasLimit() *big.Int {
	hi, _ := gaspack.UnpackPair(b.accountGasLimits)
	return hi
}

func (b *body) CallGasLimit() *big.Int {
	_, lo := gaspack.UnpackPair(b.accountGasLimits)
	return lo
}

// MaxPriorityFeePerGas and MaxFeePerGas unpack GasFees.
func (b *body) MaxPriorityFeePerGas() *big.Int {
	hi, _ := gaspack.UnpackPair(b.gasFees)
	return hi
}

func (b *body) MaxFeePerGas() *big.Int {
	_, lo := gaspack.UnpackPair(b.gasFees)
	return lo
}

// Draft is an operation awaiting sponsorship.
type Draft struct {
	body
	consumed atomic.Bool
}

func NewDraft(p DraftParams) (*Draft, error) {
	if p.Nonce == nil || p.Nonce.Sign() < 0 || p.Nonce.BitLen() > 256 {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "invalid nonce %v", p.Nonce)
	}
	if p.Sender == (common.Address{}) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "sender is the zero address")
	}
	return &Draft{body: body{
		sender:             p.Sender,
		nonce:              new(big.Int).Set(p.Nonce),
		initCode:           common.CopyBytes(p.InitCode),
		callData:           common.CopyBytes(p.CallData),
		accountGasLimits:   p.AccountGasLimits,
		preVerificationGas: p.PreVerificationGas,
		gasFees:            p.GasFees,
	}}, nil
}

func (d *Draft) State() State {
	if d.consumed.Load() {
		return StateSponsored
	}
	return StateDraft
}

// Sponsor consumes the draft and attaches the sponsor's paymasterAndData.
// A draft can be sponsored once; a failed sponsorship leaves it untouched
// so the same draft can be offered again.
func (d *Draft) Sponsor(paymasterAndData []byte) (*Sponsored, error) {
	if !d.consumed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("draft for sender %s nonce %s was already sponsored", d.sender.Hex(), d.nonce)
	}
	return &Sponsored{
		body:             d.body,
		paymasterAndData: common.CopyBytes(paymasterAndData),
	}, nil
}

// Sponsored is a draft with paymaster data. Its fields are final.
type Sponsored struct {
	body
	paymasterAndData []byte
}

func (s *Sponsored) State() State { return StateSponsored }

func (s *Sponsored) PaymasterAndData() []byte { return common.CopyBytes(s.paymasterAndData) }

// CanonicalBytes is the payload a Signer signs: every field in order,
// signature excluded. See Canonical.
func (s *Sponsored) CanonicalBytes() []byte {
	return Canonical(&s.body, s.paymasterAndData)
}

// Hash is the entry point's userOpHash for this operation.
func (s *Sponsored) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	return Hash(&s.body, s.paymasterAndData, entryPoint, chainID)
}

// Signer produces a signature over a canonical operation payload.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
}

// Sign attaches a signature over CanonicalBytes. s itself is left as it is.
func (s *Sponsored) Sign(ctx context.Context, signer Signer) (*Signed, error) {
	if signer == nil {
		return nil, aaerr.Newf(aaerr.ErrSigning, "no signer configured")
	}
	sig, err := signer.Sign(ctx, s.CanonicalBytes())
	if err != nil {
		return nil, aaerr.New(aaerr.ErrSigning, err)
	}
	if len(sig) == 0 {
		return nil, aaerr.Newf(aaerr.ErrSigning, "signer returned an empty signature")
	}
	return &Signed{
		body:             s.body,
		paymasterAndData: s.paymasterAndData,
		signature:        common.CopyBytes(sig),
	}, nil
}

// Signed is the final operation handed to the bundler.
type Signed struct {
	body
	paymasterAndData []byte
	signature        []byte
}

func (s *Signed) State() State { return StateSigned }

func (s *Signed) PaymasterAndData() []byte { return common.CopyBytes(s.paymasterAndData) }
func (s *Signed) Signature() []byte        { return common.CopyBytes(s.signature) }

func (s *Signed) CanonicalBytes() []byte {
	return Canonical(&s.body, s.paymasterAndData)
}

func (s *Signed) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	return Hash(&s.body, s.paymasterAndData, entryPoint, chainID)
}
