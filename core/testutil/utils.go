package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/signer"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/bundler"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/sponsor"
)

// Well known anvil/hardhat account #0. Never holds funds on a public chain.
const (
	TestOwnerPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TestOwnerAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func GetTestRPCURL() string {
	return envOr("SEPOLIA_RPC", "https://sepolia.drpc.org")
}

func GetTestBundlerURL() string {
	return os.Getenv("SEPOLIA_BUNDLER_RPC")
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// GetTestSigner returns the owner signer from TEST_PRIVATE_KEY, falling back
// to the well known test key.
func GetTestSigner() *signer.LocalSigner {
	s, err := signer.FromPrivateKeyHex(envOr("TEST_PRIVATE_KEY", TestOwnerPrivateKey))
	if err != nil {
		panic(err)
	}
	return s
}

// LiveSettings are the endpoints a test against a real network needs.
type LiveSettings struct {
	RpcURL     string
	BundlerURL string
	Sponsor    sponsor.Config
	PolicyID   string
	Sender     common.Address
	Greeter    common.Address
}

// GetLiveSettings reads the live network settings from the environment. ok
// is false when any of them is missing or CI is set.
func GetLiveSettings() (LiveSettings, bool) {
	s := LiveSettings{
		RpcURL:     GetTestRPCURL(),
		BundlerURL: GetTestBundlerURL(),
		Sponsor: sponsor.Config{
			URL:        envOr("SEPOLIA_SPONSOR_RPC", GetTestBundlerURL()),
			EntryPoint: aa.DefaultEntryPoint,
		},
		PolicyID: os.Getenv("SPONSOR_POLICY_ID"),
		Sender:   common.HexToAddress(os.Getenv("SMART_WALLET_ADDRESS")),
		Greeter:  common.HexToAddress(os.Getenv("GREETER_ADDRESS")),
	}
	ok := os.Getenv("CI") == "" &&
		s.BundlerURL != "" && s.PolicyID != "" &&
		s.Sender != (common.Address{}) && s.Greeter != (common.Address{})
	return s, ok
}

// CheckBundlerAvailability dials url and makes sure it serves the default
// entry point.
func CheckBundlerAvailability(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := bundler.Dial(ctx, url, aa.DefaultEntryPoint, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	supported, err := c.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	if !lo.Contains(supported, aa.DefaultEntryPoint) {
		return fmt.Errorf("bundler does not support %s, it supports %s", aa.DefaultEntryPoint.Hex(),
			strings.Join(lo.Map(supported, func(a common.Address, _ int) string { return a.Hex() }), ","))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
