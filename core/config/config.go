package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/signer"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/preset"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/sponsor"
)

// DefaultGreeterMethod is the call the send command makes when the config
// names no other.
const DefaultGreeterMethod = "setGreeting(string)"

// Config is the materialised form of ConfigRaw that the commands wire the
// pipeline from.
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	EthRpcUrl  string
	BundlerUrl string
	EntryPoint common.Address
	// ChainID is nil when the config leaves it to be read from the node.
	ChainID *big.Int

	Sender   common.Address
	InitCode []byte

	// Exactly one of OwnerPrivateKey and RemoteSignerUrl is set.
	OwnerPrivateKey string `json:"-"`
	RemoteSignerUrl string
	OwnerAddress    common.Address

	Sponsor  sponsor.Config
	PolicyID string

	GreeterAddress common.Address
	GreeterMethod  string
	// WrapExecute routes the greeter call through the account's execute.
	WrapExecute bool

	Gas      preset.Gas
	Timeouts preset.Timeouts

	MetricsAddress string
}

// ConfigRaw is read from the yaml file as is.
type ConfigRaw struct {
	Environment       sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`
	EthRpcUrl         string              `yaml:"eth_rpc_url" validate:"required,url"`
	BundlerUrl        string              `yaml:"bundler_url" validate:"required,url"`
	EntryPointAddress string              `yaml:"entry_point_address" validate:"omitempty,eth_addr"`
	ChainID           uint64              `yaml:"chain_id"`
	MetricsAddress    string              `yaml:"metrics_address"`

	SmartWallet SmartWalletRaw `yaml:"smart_wallet"`
	Sponsor     SponsorRaw     `yaml:"sponsor"`
	Greeter     GreeterRaw     `yaml:"greeter"`
	Gas         GasRaw         `yaml:"gas"`
	Timeouts    TimeoutsRaw    `yaml:"timeouts"`
}

type SmartWalletRaw struct {
	Sender          string `yaml:"sender" validate:"required,eth_addr"`
	InitCode        string `yaml:"init_code" validate:"omitempty,hexadecimal"`
	OwnerPrivateKey string `yaml:"owner_private_key" validate:"required_without=RemoteSignerUrl,excluded_with=RemoteSignerUrl"`
	RemoteSignerUrl string `yaml:"remote_signer_url" validate:"omitempty,url"`
	OwnerAddress    string `yaml:"owner_address" validate:"omitempty,eth_addr"`
}

type SponsorRaw struct {
	Url          string            `yaml:"url" validate:"required,url"`
	Method       string            `yaml:"method"`
	PolicyID     string            `yaml:"policy_id" validate:"required"`
	Timeout      string            `yaml:"timeout"`
	MaxAttempts  int               `yaml:"max_attempts" validate:"gte=0,lte=10"`
	RetryBackoff string            `yaml:"retry_backoff"`
	Headers      map[string]string `yaml:"headers"`
}

type GreeterRaw struct {
	Address     string `yaml:"address" validate:"required,eth_addr"`
	Method      string `yaml:"method"`
	WrapExecute bool   `yaml:"wrap_execute"`
}

// GasRaw values are base-10 integers. Empty fields take the pipeline default.
type GasRaw struct {
	VerificationGasLimit string `yaml:"verification_gas_limit"`
	CallGasLimit         string `yaml:"call_gas_limit"`
	PreVerificationGas   string `yaml:"pre_verification_gas"`
	MaxPriorityFeePerGas string `yaml:"max_priority_fee_per_gas"`
	MaxFeePerGas         string `yaml:"max_fee_per_gas"`
}

type TimeoutsRaw struct {
	Nonce   string `yaml:"nonce"`
	Sponsor string `yaml:"sponsor"`
	Sign    string `yaml:"sign"`
	Submit  string `yaml:"submit"`
}

var validate = validator.New()

// NewConfig reads, validates and materialises the yaml config at path.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := ReadConfigRaw(configFilePath)
	if err != nil {
		return nil, err
	}
	return raw.Materialise()
}

// ReadConfigRaw parses and validates the yaml file without materialising it.
func ReadConfigRaw(configFilePath string) (*ConfigRaw, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, aaerr.New(aaerr.ErrConfig, fmt.Errorf("cannot read config file %s: %w", configFilePath, err))
	}
	return ParseConfigRaw(data)
}

func ParseConfigRaw(data []byte) (*ConfigRaw, error) {
	var raw ConfigRaw
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, aaerr.New(aaerr.ErrConfig, fmt.Errorf("invalid yaml: %w", err))
	}
	if err := validate.Struct(&raw); err != nil {
		return nil, aaerr.New(aaerr.ErrConfig, err)
	}
	if raw.SmartWallet.RemoteSignerUrl != "" && raw.SmartWallet.OwnerAddress == "" {
		return nil, aaerr.Newf(aaerr.ErrConfig, "smart_wallet.owner_address is required with remote_signer_url")
	}
	return &raw, nil
}

// Materialise parses addresses, durations and gas values and builds the
// logger.
func (raw *ConfigRaw) Materialise() (*Config, error) {
	env := raw.Environment
	if env == "" {
		env = sdklogging.Development
	}
	logger, err := sdklogging.NewZapLogger(env)
	if err != nil {
		return nil, aaerr.New(aaerr.ErrConfig, err)
	}

	c := &Config{
		Logger:          logger,
		Environment:     env,
		EthRpcUrl:       raw.EthRpcUrl,
		BundlerUrl:      raw.BundlerUrl,
		EntryPoint:      aa.DefaultEntryPoint,
		Sender:          common.HexToAddress(raw.SmartWallet.Sender),
		OwnerPrivateKey: raw.SmartWallet.OwnerPrivateKey,
		RemoteSignerUrl: raw.SmartWallet.RemoteSignerUrl,
		OwnerAddress:    common.HexToAddress(raw.SmartWallet.OwnerAddress),
		PolicyID:        raw.Sponsor.PolicyID,
		GreeterAddress:  common.HexToAddress(raw.Greeter.Address),
		GreeterMethod:   lo.Ternary(raw.Greeter.Method == "", DefaultGreeterMethod, raw.Greeter.Method),
		WrapExecute:     raw.Greeter.WrapExecute,
		MetricsAddress:  raw.MetricsAddress,
	}
	if raw.EntryPointAddress != "" {
		c.EntryPoint = common.HexToAddress(raw.EntryPointAddress)
	}
	if raw.ChainID != 0 {
		c.ChainID = new(big.Int).SetUint64(raw.ChainID)
	}
	if raw.SmartWallet.InitCode != "" {
		if c.InitCode, err = decodeHex(raw.SmartWallet.InitCode); err != nil {
			return nil, aaerr.New(aaerr.ErrConfig, fmt.Errorf("init_code: %w", err))
		}
	}

	if c.Sponsor, err = raw.Sponsor.materialise(c.EntryPoint); err != nil {
		return nil, err
	}
	if c.Gas, err = raw.Gas.materialise(); err != nil {
		return nil, err
	}
	if c.Timeouts, err = raw.Timeouts.materialise(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r SponsorRaw) materialise(entryPoint common.Address) (sponsor.Config, error) {
	cfg := sponsor.Config{
		URL:         r.Url,
		Method:      r.Method,
		EntryPoint:  entryPoint,
		MaxAttempts: r.MaxAttempts,
		Headers:     r.Headers,
	}
	var err error
	if cfg.Timeout, err = parseDuration("sponsor.timeout", r.Timeout); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoff, err = parseDuration("sponsor.retry_backoff", r.RetryBackoff); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r GasRaw) materialise() (preset.Gas, error) {
	var g preset.Gas
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"verification_gas_limit", r.VerificationGasLimit, &g.VerificationGasLimit},
		{"call_gas_limit", r.CallGasLimit, &g.CallGasLimit},
		{"pre_verification_gas", r.PreVerificationGas, &g.PreVerificationGas},
		{"max_priority_fee_per_gas", r.MaxPriorityFeePerGas, &g.MaxPriorityFeePerGas},
		{"max_fee_per_gas", r.MaxFeePerGas, &g.MaxFeePerGas},
	}
	for _, f := range fields {
		v, err := parseGasValue(f.raw)
		if err != nil {
			return g, aaerr.New(aaerr.ErrConfig, fmt.Errorf("gas.%s: %w", f.name, err))
		}
		*f.dst = v
	}
	return g, nil
}

func (r TimeoutsRaw) materialise() (preset.Timeouts, error) {
	var t preset.Timeouts
	var err error
	if t.Nonce, err = parseDuration("timeouts.nonce", r.Nonce); err != nil {
		return t, err
	}
	if t.Sponsor, err = parseDuration("timeouts.sponsor", r.Sponsor); err != nil {
		return t, err
	}
	if t.Sign, err = parseDuration("timeouts.sign", r.Sign); err != nil {
		return t, err
	}
	if t.Submit, err = parseDuration("timeouts.submit", r.Submit); err != nil {
		return t, err
	}
	return t, nil
}

// parseGasValue accepts plain or exponent notation ("2000000", "2e6") as
// long as the value is a non-negative integer. An empty string yields nil.
func parseGasValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() || !d.IsInteger() {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return d.BigInt(), nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, aaerr.New(aaerr.ErrConfig, fmt.Errorf("%s: %w", name, err))
	}
	if d < 0 {
		return 0, aaerr.Newf(aaerr.ErrConfig, "%s: negative duration %s", name, s)
	}
	return d, nil
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// OpenSigner returns the owner signer the config selects. The returned
// close func releases the remote connection, if any.
func (c *Config) OpenSigner(ctx context.Context) (signer.Signer, func(), error) {
	if c.RemoteSignerUrl != "" {
		rs, err := signer.DialRemoteSigner(ctx, c.RemoteSignerUrl, c.OwnerAddress)
		if err != nil {
			return nil, nil, aaerr.New(aaerr.ErrConfig, err)
		}
		return rs, rs.Close, nil
	}

	ls, err := signer.FromPrivateKeyHex(c.OwnerPrivateKey)
	if err != nil {
		return nil, nil, aaerr.New(aaerr.ErrConfig, err)
	}
	return ls, func() {}, nil
}
