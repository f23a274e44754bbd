// Package sponsor asks a paymaster JSON-RPC service to sponsor a draft user
// operation and returns the paymasterAndData it signs off on.
package sponsor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/oklog/ulid/v2"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/metrics"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/userop"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/logger"
)

const (
	DefaultMethod       = "alchemy_requestPaymasterAndData"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 500 * time.Millisecond

	maxBackoff    = 5 * time.Second
	backoffFactor = 2
)

type Config struct {
	URL        string
	Method     string
	EntryPoint common.Address
	// Timeout bounds a single HTTP attempt.
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Headers      map[string]string
}

// Client talks to one sponsor endpoint for one entry point.
type Client struct {
	cfg     Config
	http    *resty.Client
	logger  sdklogging.Logger
	metrics metrics.Recorder
}

func NewClient(cfg Config, log sdklogging.Logger, rec metrics.Recorder) (*Client, error) {
	if cfg.URL == "" {
		return nil, aaerr.Newf(aaerr.ErrConfig, "sponsor url is required")
	}
	if cfg.EntryPoint == (common.Address{}) {
		return nil, aaerr.Newf(aaerr.ErrConfig, "sponsor entry point is required")
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	httpClient := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if len(cfg.Headers) > 0 {
		httpClient.SetHeaders(cfg.Headers)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		logger:  logger.Component(log, "sponsor"),
		metrics: metrics.EnsureRecorder(rec),
	}, nil
}

// EntryPoint is the entry point named in every sponsorship request.
func (c *Client) EntryPoint() common.Address { return c.cfg.EntryPoint }

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type sponsorParams struct {
	PolicyID      string         `json:"policyId"`
	EntryPoint    common.Address `json:"entryPoint"`
	UserOperation userop.RPC     `json:"userOperation"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

type sponsorResult struct {
	PaymasterAndData *string `json:"paymasterAndData"`
}

// RequestPaymasterAndData sends draft to the sponsor under policyID. Only
// ErrSponsorUnavailable failures are retried, up to MaxAttempts, with the
// same request body. draft is never modified.
func (c *Client) RequestPaymasterAndData(ctx context.Context, draft *userop.Draft, policyID string) ([]byte, error) {
	if draft == nil {
		return nil, aaerr.Newf(aaerr.ErrSponsorRejected, "nil draft")
	}

	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      ulid.Make().String(),
		Method:  c.cfg.Method,
		Params: []any{sponsorParams{
			PolicyID:      policyID,
			EntryPoint:    c.cfg.EntryPoint,
			UserOperation: draft.RPC(),
		}},
	}
	log := c.logger.With("requestId", req.ID, "sender", draft.Sender().Hex(), "nonce", draft.Nonce().String())

	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		pmd, err := c.requestOnce(ctx, req)
		if err == nil {
			c.metrics.IncSponsorRequest("ok")
			c.metrics.ObserveSponsorAttempts(attempt)
			log.Debug("Sponsor approved user operation", "attempt", attempt, "paymasterAndDataLen", len(pmd))
			return pmd, nil
		}
		c.metrics.IncSponsorRequest(outcome(err))
		lastErr = err

		if !aaerr.Retryable(err) {
			c.metrics.ObserveSponsorAttempts(attempt)
			log.Warn("Sponsor request failed", "attempt", attempt, "error", err)
			return nil, err
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		log.Info("Sponsor unavailable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			c.metrics.ObserveSponsorAttempts(attempt)
			return nil, cancelled(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= backoffFactor
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	c.metrics.ObserveSponsorAttempts(c.cfg.MaxAttempts)
	log.Warn("Sponsor retry budget exhausted", "attempts", c.cfg.MaxAttempts, "error", lastErr)
	return nil, lastErr
}

func (c *Client) requestOnce(ctx context.Context, req jsonRPCRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(attemptCtx).
		SetBody(req).
		Post(c.cfg.URL)
	if err != nil {
		// The caller giving up is not an outage.
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, aaerr.New(aaerr.ErrSponsorUnavailable, err)
	}

	return classify(resp.StatusCode(), resp.Body())
}

// classify maps an HTTP response from the sponsor to paymasterAndData or a
// typed failure. A paymasterAndData of "0x" is malformed: an empty field
// would leave the operation unsponsored.
func classify(status int, body []byte) ([]byte, error) {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return nil, aaerr.Newf(aaerr.ErrSponsorUnavailable, "http status %d", status)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if status >= http.StatusBadRequest {
			return nil, aaerr.Newf(aaerr.ErrSponsorRejected, "http status %d", status)
		}
		return nil, aaerr.Newf(aaerr.ErrSponsorMalformed, "invalid json-rpc body: %v", err)
	}
	if rpcResp.Error != nil {
		return nil, aaerr.New(aaerr.ErrSponsorRejected, rpcResp.Error)
	}
	if status >= http.StatusBadRequest {
		return nil, aaerr.Newf(aaerr.ErrSponsorRejected, "http status %d", status)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil, aaerr.Newf(aaerr.ErrSponsorRejected, "response has no result")
	}

	var result sponsorResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, aaerr.Newf(aaerr.ErrSponsorMalformed, "unexpected result %s", rpcResp.Result)
	}
	if result.PaymasterAndData == nil {
		return nil, aaerr.Newf(aaerr.ErrSponsorMalformed, "result has no paymasterAndData")
	}
	pmd, err := hexutil.Decode(*result.PaymasterAndData)
	if err != nil {
		return nil, aaerr.Newf(aaerr.ErrSponsorMalformed, "paymasterAndData %q: %v", *result.PaymasterAndData, err)
	}
	if len(pmd) == 0 {
		return nil, aaerr.Newf(aaerr.ErrSponsorMalformed, "empty paymasterAndData")
	}
	return pmd, nil
}

func cancelled(err error) error {
	return aaerr.At(aaerr.StageSponsor, aaerr.New(aaerr.ErrCancelled, err))
}

func outcome(err error) string {
	switch {
	case errors.Is(err, aaerr.ErrSponsorUnavailable):
		return "unavailable"
	case errors.Is(err, aaerr.ErrSponsorRejected):
		return "rejected"
	case errors.Is(err, aaerr.ErrSponsorMalformed):
		return "malformed"
	case errors.Is(err, aaerr.ErrCancelled):
		return "cancelled"
	}
	return "error"
}
