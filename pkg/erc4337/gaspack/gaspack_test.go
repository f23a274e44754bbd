package gaspack

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rand"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
)

var max128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func TestPackPairTwoMillion(t *testing.T) {
	word, err := PackPair(big.NewInt(2_000_000), big.NewInt(2_000_000))
	require.NoError(t, err)

	half := strings.Repeat("0", 26) + "1e8480"
	assert.Equal(t, half+half, common.Bytes2Hex(word[:]))

	hi, lo := UnpackPair(word)
	assert.Equal(t, int64(2_000_000), hi.Int64())
	assert.Equal(t, int64(2_000_000), lo.Int64())
}

func TestPackPairOrdering(t *testing.T) {
	word, err := PackPair(big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)

	assert.Equal(t, byte(1), word[15])
	assert.Equal(t, byte(2), word[31])
	for i, b := range word {
		if i != 15 && i != 31 {
			assert.Zero(t, b, "byte %d", i)
		}
	}
}

func TestPackPairRoundTrip(t *testing.T) {
	r := rand.New(42)
	edges := []*big.Int{big.NewInt(0), big.NewInt(1), max128}

	values := append([]*big.Int{}, edges...)
	for i := 0; i < 200; i++ {
		v := new(big.Int).Lsh(new(big.Int).SetUint64(r.Uint64()), 64)
		v.Or(v, new(big.Int).SetUint64(r.Uint64()))
		values = append(values, v)
	}

	for i := range values {
		a := values[i]
		b := values[len(values)-1-i]

		word, err := PackPair(a, b)
		require.NoError(t, err)

		hi, lo := UnpackPair(word)
		assert.Zero(t, a.Cmp(hi), "hi mismatch for %s", a)
		assert.Zero(t, b.Cmp(lo), "lo mismatch for %s", b)
	}
}

func TestPackPairRejectsInvalidValues(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 128)

	tests := []struct {
		name   string
		hi, lo *big.Int
	}{
		{"high over 128 bits", tooBig, big.NewInt(1)},
		{"low over 128 bits", big.NewInt(1), tooBig},
		{"negative", big.NewInt(-1), big.NewInt(1)},
		{"missing", nil, big.NewInt(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PackPair(tt.hi, tt.lo)
			require.Error(t, err)
			assert.True(t, errors.Is(err, aaerr.ErrEncoding))
		})
	}
}

func TestPackWord(t *testing.T) {
	word, err := PackWord(big.NewInt(2_000_000))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0", 58)+"1e8480", common.Bytes2Hex(word[:]))
	assert.Equal(t, int64(2_000_000), UnpackWord(word).Int64())

	max256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	word, err = PackWord(max256)
	require.NoError(t, err)
	assert.Zero(t, max256.Cmp(UnpackWord(word)))

	_, err = PackWord(new(big.Int).Lsh(big.NewInt(1), 256))
	assert.True(t, errors.Is(err, aaerr.ErrEncoding))
}

func TestMustPackPairPanics(t *testing.T) {
	assert.Panics(t, func() { MustPackPair(big.NewInt(-5), big.NewInt(0)) })
	assert.NotPanics(t, func() { MustPackPair(big.NewInt(5), big.NewInt(0)) })
}
