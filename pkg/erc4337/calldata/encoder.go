// Package calldata produces the ABI call data a smart account executes: a
// four byte selector followed by the ABI encoded argument tuple.
package calldata

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
)

const defaultCacheSize = 128

// Encoder turns signatures into abi.Method values, caching them by their
// canonical signature.
type Encoder struct {
	methods *lru.Cache[string, abi.Method]
}

func NewEncoder(cacheSize int) (*Encoder, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, abi.Method](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("cannot create method cache: %w", err)
	}
	return &Encoder{methods: cache}, nil
}

// Method resolves the abi.Method for sig.
func (e *Encoder) Method(sig Signature) (abi.Method, error) {
	key := sig.String()
	if m, ok := e.methods.Get(key); ok {
		return m, nil
	}

	inputs := make(abi.Arguments, 0, len(sig.Inputs))
	for i, t := range sig.Inputs {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return abi.Method{}, aaerr.Newf(aaerr.ErrEncoding, "parameter %d of %s: %v", i, key, err)
		}
		inputs = append(inputs, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: typ})
	}

	m := abi.NewMethod(sig.Name, sig.Name, abi.Function, "nonpayable", false, false, inputs, nil)
	e.methods.Add(key, m)
	return m, nil
}

// Encode returns selector ‖ abi.encode(args). The output depends only on
// sig and args.
func (e *Encoder) Encode(sig Signature, args ...any) ([]byte, error) {
	m, err := e.Method(sig)
	if err != nil {
		return nil, err
	}
	if len(args) != len(m.Inputs) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s expects %d arguments, got %d", m.Sig, len(m.Inputs), len(args))
	}

	coerced := make([]any, len(args))
	for i, arg := range args {
		coerced[i] = coerce(m.Inputs[i].Type, arg)
	}

	packed, err := m.Inputs.Pack(coerced...)
	if err != nil {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "packing arguments for %s: %v", m.Sig, err)
	}

	out := make([]byte, 0, len(m.ID)+len(packed))
	out = append(out, m.ID...)
	return append(out, packed...), nil
}

// Decode reverses Encode. The selector must match sig.
func (e *Encoder) Decode(sig Signature, data []byte) ([]any, error) {
	m, err := e.Method(sig)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "call data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], m.ID) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "selector 0x%x does not match %s", data[:4], m.Sig)
	}

	values, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "unpacking arguments for %s: %v", m.Sig, err)
	}
	return values, nil
}

// Selector returns the four byte function selector of sig.
func (e *Encoder) Selector(sig Signature) ([4]byte, error) {
	var out [4]byte
	m, err := e.Method(sig)
	if err != nil {
		return out, err
	}
	copy(out[:], m.ID)
	return out, nil
}

// ParseArgs converts command line strings into values Encode accepts.
// Supported: string, bool, address, bytes, bytesN and (u)intN.
func (e *Encoder) ParseArgs(sig Signature, raw []string) ([]any, error) {
	m, err := e.Method(sig)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(m.Inputs) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s expects %d arguments, got %d", m.Sig, len(m.Inputs), len(raw))
	}

	out := make([]any, len(raw))
	for i, s := range raw {
		v, err := parseArg(m.Inputs[i].Type, s)
		if err != nil {
			return nil, aaerr.Newf(aaerr.ErrEncoding, "argument %d (%s): %v", i, m.Inputs[i].Type, err)
		}
		out[i] = v
	}
	return out, nil
}

// coerce widens plain Go integers into the Go type the ABI packer expects.
// Anything else is passed through for the packer to judge.
func coerce(t abi.Type, arg any) any {
	if t.T != abi.IntTy && t.T != abi.UintTy {
		return arg
	}

	var n *big.Int
	switch v := arg.(type) {
	case int:
		n = big.NewInt(int64(v))
	case int64:
		n = big.NewInt(v)
	case uint64:
		n = new(big.Int).SetUint64(v)
	default:
		return arg
	}
	return fromBig(t, n)
}

func fromBig(t abi.Type, n *big.Int) any {
	target := t.GetType()
	if target == reflect.TypeOf(&big.Int{}) {
		return n
	}
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return n
		}
		return reflect.ValueOf(n.Uint64()).Convert(target).Interface()
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
		return n
	}
	return reflect.ValueOf(n.Int64()).Convert(target).Interface()
}

func parseArg(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.StringTy:
		return s, nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return fromBig(t, n), nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}
