package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/k0kubun/pp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/config"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/metrics"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/bundler"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/calldata"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/preset"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/sponsor"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/userop"
)

var (
	greeting    string
	sendVerbose bool
	waitFor     time.Duration

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Set a greeting through a sponsored user operation",
		Long: `Build a user operation calling the configured greeter, get it sponsored by the
paymaster service, sign it with the owner key and submit it to the bundler.

A failed submission whose outcome is unknown is looked up at the bundler by its
userOpHash instead of being sent again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSend(ctx, cmd.OutOrStdout())
		},
	}
)

func init() {
	sendCmd.Flags().StringVarP(&greeting, "greeting", "g", "Hello, ERC-4337!", "greeting to set")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "print the signed user operation")
	sendCmd.Flags().DurationVar(&waitFor, "wait", 0, "wait this long for the operation to be mined")

	rootCmd.AddCommand(sendCmd)
}

func runSend(ctx context.Context, out io.Writer) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %s\nMake sure it exists and is a valid yaml file: %w", configPath, err)
	}
	logger := cfg.Logger

	eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", cfg.EthRpcUrl, err)
	}
	defer eth.Close()

	chainID := cfg.ChainID
	if chainID == nil {
		if chainID, err = eth.ChainID(ctx); err != nil {
			return fmt.Errorf("cannot read chain id: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewPipelineMetrics(reg)
	if cfg.MetricsAddress != "" {
		metrics.Serve(ctx, cfg.MetricsAddress, reg, logger)
	}

	sponsorClient, err := sponsor.NewClient(cfg.Sponsor, logger, rec)
	if err != nil {
		return err
	}
	bundlerClient, err := bundler.Dial(ctx, cfg.BundlerUrl, cfg.EntryPoint, logger)
	if err != nil {
		return err
	}
	defer bundlerClient.Close()

	owner, closeSigner, err := cfg.OpenSigner(ctx)
	if err != nil {
		return err
	}
	defer closeSigner()

	asm, err := preset.NewAssembler(
		preset.Config{ChainID: chainID, PolicyID: cfg.PolicyID, Timeouts: cfg.Timeouts},
		preset.Deps{
			Nonces:    aa.NewEntryPointNonceSource(cfg.EntryPoint, eth),
			Sponsor:   sponsorClient,
			Signer:    owner,
			Submitter: bundlerClient,
			Logger:    logger,
			Metrics:   rec,
		},
	)
	if err != nil {
		return err
	}

	req, err := greetingRequest(cfg, greeting)
	if err != nil {
		return err
	}

	logger.Info("Sending greeting", "sender", cfg.Sender.Hex(), "owner", owner.Address().Hex(),
		"greeter", cfg.GreeterAddress.Hex(), "chainId", chainID.String())

	res, err := asm.SendUserOp(ctx, req)
	if res.Operation != nil {
		printOperation(out, res.Operation, sendVerbose)
	}
	if err != nil {
		return handleSendError(ctx, out, asm, res, chainID, err)
	}

	fmt.Fprintf(out, "userOpHash: %s\n", res.UserOpHash.Hex())
	if link := config.JiffyscanURL(chainID, res.UserOpHash); link != "" {
		fmt.Fprintf(out, "explorer:   %s\n", link)
	}

	if waitFor <= 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	receipt, err := asm.WaitForReceipt(wctx, res.UserOpHash)
	if err != nil {
		return fmt.Errorf("operation %s not mined within %s: %w", res.UserOpHash.Hex(), waitFor, err)
	}
	printReceipt(out, chainID, receipt)
	if !receipt.Success {
		return fmt.Errorf("operation reverted: %s", receipt.Reason)
	}
	return nil
}

// greetingRequest builds the greeter call for the configured account. When
// wrap_execute is off, the call data goes to the account itself.
func greetingRequest(cfg *config.Config, greeting string) (preset.Request, error) {
	method, err := calldata.ParseSignature(cfg.GreeterMethod)
	if err != nil {
		return preset.Request{}, err
	}
	req := preset.Request{
		Sender:   cfg.Sender,
		InitCode: cfg.InitCode,
		Method:   &method,
		Args:     []any{greeting},
		Gas:      cfg.Gas,
	}
	if cfg.WrapExecute {
		target := cfg.GreeterAddress
		req.Target = &target
		req.Value = common.Big0
	}
	return req, nil
}

func handleSendError(ctx context.Context, out io.Writer, asm *preset.Assembler, res *preset.Result, chainID *big.Int, sendErr error) error {
	fmt.Fprintf(out, "failed in %s after reaching %s: %v\n", aaerr.StageOf(sendErr), res.FailedState, sendErr)

	if !errors.Is(sendErr, aaerr.ErrAmbiguousOutcome) || res.Operation == nil {
		if aaerr.SameNonceSafe(sendErr) && res.Nonce != nil {
			fmt.Fprintf(out, "nonce %s was not consumed, it is safe to try again\n", res.Nonce)
		}
		return sendErr
	}

	// Never resend blindly: the bundler may already hold the operation.
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	inc, err := asm.CheckInclusion(lctx, res.Operation)
	if err != nil {
		fmt.Fprintf(out, "could not resolve outcome of %s: %v\n", res.UserOpHash.Hex(), err)
		return sendErr
	}
	switch {
	case inc.Included:
		fmt.Fprintf(out, "operation %s was included in %s\n", inc.UserOpHash.Hex(), inc.TransactionHash.Hex())
		if link := config.TxURL(chainID, inc.TransactionHash); link != "" {
			fmt.Fprintf(out, "explorer: %s\n", link)
		}
		return nil
	case inc.Known:
		fmt.Fprintf(out, "operation %s is pending at the bundler\n", inc.UserOpHash.Hex())
		return nil
	}
	fmt.Fprintf(out, "bundler does not know %s yet, check again before sending a new operation\n", inc.UserOpHash.Hex())
	return sendErr
}

func printOperation(out io.Writer, op *userop.Signed, verbose bool) {
	fmt.Fprintf(out, "sender:     %s\n", op.Sender().Hex())
	fmt.Fprintf(out, "nonce:      %s\n", op.Nonce())
	fmt.Fprintf(out, "maxFee:     %s gwei (priority %s gwei)\n", gwei(op.MaxFeePerGas()), gwei(op.MaxPriorityFeePerGas()))
	fmt.Fprintf(out, "gas limits: verification %s, call %s\n", op.VerificationGasLimit(), op.CallGasLimit())
	if verbose {
		printer := pp.New()
		printer.SetOutput(out)
		printer.SetColoringEnabled(false)
		printer.Println(op.RPC())
	}
}

func printReceipt(out io.Writer, chainID *big.Int, r *bundler.UserOperationReceipt) {
	fmt.Fprintf(out, "mined in tx %s (success=%t)\n", r.Receipt.TransactionHash.Hex(), r.Success)
	if r.ActualGasCost != nil {
		fmt.Fprintf(out, "actual gas cost: %s gwei\n", gwei(r.ActualGasCost.ToInt()))
	}
	if link := config.TxURL(chainID, r.Receipt.TransactionHash); link != "" {
		fmt.Fprintf(out, "explorer: %s\n", link)
	}
}

func gwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).String()
}
