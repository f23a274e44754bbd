// Package gaspack encodes gas values into the 32 byte words carried by a
// packed user operation.
//
// A pair word holds two 128 bit values: the first one in the high 16 bytes,
// the second one in the low 16 bytes, both big-endian. A single word holds
// one 256 bit value, left padded.
package gaspack

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
)

const (
	WordSize = 32
	halfSize = 16
	halfBits = 128
)

// PackPair packs (hi, lo) into a single word. Both values must fit in 128 bits.
func PackPair(hi, lo *big.Int) ([WordSize]byte, error) {
	var out [WordSize]byte

	h, err := toUint(hi, halfBits, "high")
	if err != nil {
		return out, err
	}
	l, err := toUint(lo, halfBits, "low")
	if err != nil {
		return out, err
	}

	hb := h.Bytes32()
	lb := l.Bytes32()
	copy(out[:halfSize], hb[halfSize:])
	copy(out[halfSize:], lb[halfSize:])
	return out, nil
}

// UnpackPair is the inverse of PackPair.
func UnpackPair(word [WordSize]byte) (hi, lo *big.Int) {
	hi = new(uint256.Int).SetBytes(word[:halfSize]).ToBig()
	lo = new(uint256.Int).SetBytes(word[halfSize:]).ToBig()
	return hi, lo
}

// PackWord encodes v as a left padded big-endian word.
func PackWord(v *big.Int) ([WordSize]byte, error) {
	u, err := toUint(v, 256, "value")
	if err != nil {
		return [WordSize]byte{}, err
	}
	return u.Bytes32(), nil
}

// UnpackWord is the inverse of PackWord.
func UnpackWord(word [WordSize]byte) *big.Int {
	return new(uint256.Int).SetBytes32(word[:]).ToBig()
}

// MustPackPair panics on invalid input. Meant for constants.
func MustPackPair(hi, lo *big.Int) [WordSize]byte {
	w, err := PackPair(hi, lo)
	if err != nil {
		panic(err)
	}
	return w
}

func toUint(v *big.Int, bits int, name string) (*uint256.Int, error) {
	if v == nil {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s gas value is missing", name)
	}
	if v.Sign() < 0 {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s gas value %s is negative", name, v)
	}
	if v.BitLen() > bits {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s gas value %s exceeds %d bits", name, v, bits)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "%s gas value %s overflows a word", name, v)
	}
	return u, nil
}
