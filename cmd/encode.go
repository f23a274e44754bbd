package cmd

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/calldata"
)

var (
	encodeTarget string
	encodeValue  string

	encodeCmd = &cobra.Command{
		Use:   "encode <signature> [args...]",
		Short: "Print call data for a method signature and arguments",
		Long: `Print the ABI encoded call data for a method such as 'setGreeting(string)'.

With --target the call is wrapped in the smart account's execute(address,uint256,bytes)
so it can be used as a user operation's callData.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := calldata.NewEncoder(0)
			if err != nil {
				return err
			}
			sig, err := calldata.ParseSignature(args[0])
			if err != nil {
				return err
			}
			values, err := enc.ParseArgs(sig, args[1:])
			if err != nil {
				return err
			}
			data, err := enc.Encode(sig, values...)
			if err != nil {
				return err
			}

			if encodeTarget != "" {
				if !common.IsHexAddress(encodeTarget) {
					return fmt.Errorf("invalid target address %q", encodeTarget)
				}
				value, ok := new(big.Int).SetString(encodeValue, 10)
				if !ok {
					return fmt.Errorf("invalid value %q", encodeValue)
				}
				if data, err = aa.PackExecute(enc, common.HexToAddress(encodeTarget), value, data); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(data))
			return nil
		},
	}

	decodeCmd = &cobra.Command{
		Use:   "decode <signature> <calldata>",
		Short: "Decode call data against a method signature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := calldata.NewEncoder(0)
			if err != nil {
				return err
			}
			sig, err := calldata.ParseSignature(args[0])
			if err != nil {
				return err
			}
			data, err := hexutil.Decode(args[1])
			if err != nil {
				return fmt.Errorf("invalid call data: %w", err)
			}
			values, err := enc.Decode(sig, data)
			if err != nil {
				return err
			}
			for i, v := range values {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %v\n", i, v)
			}
			return nil
		},
	}
)

func init() {
	encodeCmd.Flags().StringVar(&encodeTarget, "target", "", "wrap the call in execute(target, value, call)")
	encodeCmd.Flags().StringVar(&encodeValue, "value", "0", "wei sent along with --target")

	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(decodeCmd)
}
