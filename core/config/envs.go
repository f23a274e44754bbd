package config

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type ChainEnv string

const (
	SepoliaEnv  = ChainEnv("sepolia")
	HoleskyEnv  = ChainEnv("holesky")
	EthereumEnv = ChainEnv("ethereum")
	UnknownEnv  = ChainEnv("unknown")
)

var (
	MainnetChainID = big.NewInt(1)
	SepoliaChainID = big.NewInt(11155111)
	HoleskyChainID = big.NewInt(17000)
)

func ChainEnvOf(chainID *big.Int) ChainEnv {
	switch {
	case chainID == nil:
		return UnknownEnv
	case chainID.Cmp(MainnetChainID) == 0:
		return EthereumEnv
	case chainID.Cmp(SepoliaChainID) == 0:
		return SepoliaEnv
	case chainID.Cmp(HoleskyChainID) == 0:
		return HoleskyEnv
	}
	return UnknownEnv
}

func IsMainnet(chainID *big.Int) bool {
	return ChainEnvOf(chainID) == EthereumEnv
}

// EtherscanURL returns the explorer for chainID, or "" when there is none.
func EtherscanURL(chainID *big.Int) string {
	switch ChainEnvOf(chainID) {
	case EthereumEnv:
		return "https://etherscan.io"
	case SepoliaEnv:
		return "https://sepolia.etherscan.io"
	case HoleskyEnv:
		return "https://holesky.etherscan.io"
	}
	return ""
}

// JiffyscanURL links a userOpHash on the account abstraction explorer.
func JiffyscanURL(chainID *big.Int, userOpHash common.Hash) string {
	network := ChainEnvOf(chainID)
	if network == UnknownEnv {
		return ""
	}
	if network == EthereumEnv {
		network = "mainnet"
	}
	return fmt.Sprintf("https://jiffyscan.xyz/userOpHash/%s?network=%s", userOpHash.Hex(), network)
}

func TxURL(chainID *big.Int, txHash common.Hash) string {
	base := EtherscanURL(chainID)
	if base == "" {
		return ""
	}
	return base + "/tx/" + txHash.Hex()
}
