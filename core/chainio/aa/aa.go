package aa

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/calldata"
)

var entryPointABI abi.ABI

func init() {
	var err error
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Errorf("Invalid entry point ABI: %w", err))
	}
}

// NonceSource reads the replay protection counter of an account.
type NonceSource interface {
	GetNonce(ctx context.Context, sender common.Address) (*big.Int, error)
}

// EntryPointNonceSource reads nonces with getNonce(sender, key) on an entry
// point contract.
type EntryPointNonceSource struct {
	entryPoint common.Address
	contract   *bind.BoundContract
	key        *big.Int
}

// NewEntryPointNonceSource reads nonces of key 0, the sequential nonce
// space used by single operation accounts.
func NewEntryPointNonceSource(entryPoint common.Address, caller bind.ContractCaller) *EntryPointNonceSource {
	return NewEntryPointNonceSourceWithKey(entryPoint, caller, defaultNonceKey)
}

func NewEntryPointNonceSourceWithKey(entryPoint common.Address, caller bind.ContractCaller, key *big.Int) *EntryPointNonceSource {
	if key == nil {
		key = defaultNonceKey
	}
	return &EntryPointNonceSource{
		entryPoint: entryPoint,
		contract:   bind.NewBoundContract(entryPoint, entryPointABI, caller, nil, nil),
		key:        new(big.Int).Set(key),
	}
}

func (s *EntryPointNonceSource) EntryPoint() common.Address { return s.entryPoint }

// GetNonce fails with aaerr.ErrNonceFetch. It never retries.
func (s *EntryPointNonceSource) GetNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	var out []interface{}
	err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, s.key)
	if err != nil {
		return nil, aaerr.Newf(aaerr.ErrNonceFetch, "getNonce(%s) on %s: %w", sender.Hex(), s.entryPoint.Hex(), err)
	}
	if len(out) != 1 {
		return nil, aaerr.Newf(aaerr.ErrNonceFetch, "getNonce returned %d values", len(out))
	}
	nonce, ok := out[0].(*big.Int)
	if !ok || nonce == nil {
		return nil, aaerr.Newf(aaerr.ErrNonceFetch, "getNonce returned %T", out[0])
	}
	return nonce, nil
}

// PackExecute wraps inner call data in the account's
// execute(address,uint256,bytes) so the account forwards it to target.
func PackExecute(enc *calldata.Encoder, target common.Address, value *big.Int, inner []byte) ([]byte, error) {
	if value == nil {
		value = common.Big0
	}
	if inner == nil {
		inner = []byte{}
	}
	return enc.Encode(calldata.MustParseSignature(executeSignature), target, value, inner)
}
