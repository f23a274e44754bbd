package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var (
	// DefaultEntryPoint is used when no entry point is configured.
	DefaultEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	// defaultNonceKey selects the sequential nonce space of an account.
	defaultNonceKey = common.Big0
)

const (
	entryPointABIJSON = `[
		{"inputs":[{"internalType":"address","name":"sender","type":"address"},{"internalType":"uint192","name":"key","type":"uint192"}],
		 "name":"getNonce","outputs":[{"internalType":"uint256","name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	executeSignature = "execute(address,uint256,bytes)"
)
