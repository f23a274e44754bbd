// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"syscall"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/userop"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/logger"
)

// Client is a JSON-RPC client for an EIP-4337 bundler bound to one entry
// point.
type Client struct {
	client     *rpc.Client
	entryPoint common.Address
	logger     sdklogging.Logger
}

// Dial connects to the bundler at url. HTTP and WebSocket endpoints are
// both accepted.
func Dial(ctx context.Context, url string, entryPoint common.Address, log sdklogging.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("Error creating bundler client: %w", err)
	}
	return NewClient(c, entryPoint, log), nil
}

func NewClient(c *rpc.Client, entryPoint common.Address, log sdklogging.Logger) *Client {
	return &Client{
		client:     c,
		entryPoint: entryPoint,
		logger:     logger.Component(log, "bundler"),
	}
}

// Close closes the underlying RPC client connection.
func (bc *Client) Close() {
	bc.client.Close()
}

func (bc *Client) EntryPoint() common.Address { return bc.entryPoint }

// SendUserOperation hands op to the bundler with eth_sendUserOperation and
// returns the userOpHash it reports.
//
// A JSON-RPC error or an HTTP 4xx is a definite rejection
// (aaerr.ErrSubmission). A connection that could not be opened is
// aaerr.ErrNotSent and leaves the nonce unused. Any other failure once the
// request is on the wire is reported as aaerr.ErrAmbiguousOutcome: the
// bundler may have accepted the operation. The request is never resent here.
func (bc *Client) SendUserOperation(ctx context.Context, op *userop.Signed) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, aaerr.At(aaerr.StageSubmit, aaerr.New(aaerr.ErrCancelled, err))
	}

	bc.logger.Debug("Sending user operation",
		"sender", op.Sender().Hex(),
		"nonce", op.Nonce().String(),
		"entryPoint", bc.entryPoint.Hex())

	var hash common.Hash
	err := bc.client.CallContext(ctx, &hash, "eth_sendUserOperation", op.RPC(), bc.entryPoint)
	if err != nil {
		return common.Hash{}, classifySendError(err)
	}
	return hash, nil
}

func classifySendError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return aaerr.New(aaerr.ErrSubmission, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) &&
		httpErr.StatusCode >= http.StatusBadRequest && httpErr.StatusCode < http.StatusInternalServerError &&
		httpErr.StatusCode != http.StatusRequestTimeout && httpErr.StatusCode != http.StatusTooManyRequests {
		return aaerr.New(aaerr.ErrSubmission, err)
	}
	if notSent(err) {
		return aaerr.New(aaerr.ErrNotSent, err)
	}
	return aaerr.New(aaerr.ErrAmbiguousOutcome, err)
}

// notSent reports whether err happened while connecting, before the request
// was written.
func notSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsNonceRejection reports whether a submission was refused because of its
// nonce (EntryPoint AA25, or a bundler level duplicate/stale nonce check).
func IsNonceRejection(err error) bool {
	if !errors.Is(err, aaerr.ErrSubmission) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "aa25") || strings.Contains(msg, "nonce")
}

// UserOperationByHash is the eth_getUserOperationByHash result. Block fields
// are empty while the operation is pending.
type UserOperationByHash struct {
	UserOperation   userop.RPC     `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
}

func (u *UserOperationByHash) Included() bool {
	return u.BlockNumber != nil && u.TransactionHash != (common.Hash{})
}

// UserOperationReceipt is the eth_getUserOperationReceipt result.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	EntryPoint    common.Address `json:"entryPoint"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

// GetUserOperationByHash fetches a UserOperation by its hash. It returns
// nil, nil when the bundler does not know the hash.
func (bc *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var userOp *UserOperationByHash
	err := bc.client.CallContext(ctx, &userOp, "eth_getUserOperationByHash", hash)
	return userOp, err
}

// GetUserOperationReceipt fetches the receipt of a UserOperation. It returns
// nil, nil until the operation is mined.
func (bc *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := bc.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash)
	return receipt, err
}

// SupportedEntryPoints lists the entry points the bundler accepts.
func (bc *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	err := bc.client.CallContext(ctx, &eps, "eth_supportedEntryPoints")
	return eps, err
}

// ChainID is the chain the bundler submits to.
func (bc *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := bc.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&id), nil
}
