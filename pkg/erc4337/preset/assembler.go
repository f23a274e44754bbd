// Package preset assembles, sponsors, signs and submits user operations for
// an already deployed smart account.
package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/core/chainio/aa"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/metrics"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/bundler"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/calldata"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/gaspack"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/userop"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/logger"
)

var (
	DefaultNonceTimeout   = 10 * time.Second
	DefaultSponsorTimeout = 30 * time.Second
	DefaultSignTimeout    = 10 * time.Second
	DefaultSubmitTimeout  = 30 * time.Second

	// Gas values the greeting flow uses when the caller supplies none.
	DefaultGasLimit = big.NewInt(2_000_000)
)

// Submitter hands a signed operation to a bundler.
type Submitter interface {
	SendUserOperation(ctx context.Context, op *userop.Signed) (common.Hash, error)
	EntryPoint() common.Address
}

// Sponsor returns the paymasterAndData a paymaster service signs off on.
type Sponsor interface {
	RequestPaymasterAndData(ctx context.Context, draft *userop.Draft, policyID string) ([]byte, error)
	EntryPoint() common.Address
}

// Tracker looks operations up after submission. *bundler.Client is one.
type Tracker interface {
	GetUserOperationByHash(ctx context.Context, hash common.Hash) (*bundler.UserOperationByHash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
}

// Timeouts bound each networked stage independently. Sponsor covers the
// whole sponsorship including the sponsor client's own retries.
type Timeouts struct {
	Nonce   time.Duration
	Sponsor time.Duration
	Sign    time.Duration
	Submit  time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Nonce <= 0 {
		t.Nonce = DefaultNonceTimeout
	}
	if t.Sponsor <= 0 {
		t.Sponsor = DefaultSponsorTimeout
	}
	if t.Sign <= 0 {
		t.Sign = DefaultSignTimeout
	}
	if t.Submit <= 0 {
		t.Submit = DefaultSubmitTimeout
	}
	return t
}

type Config struct {
	ChainID  *big.Int
	PolicyID string
	Timeouts Timeouts
}

// Deps are the collaborators of an Assembler. Tracker, Logger and Metrics
// are optional; Tracker defaults to Submitter when it implements it.
type Deps struct {
	Nonces    aa.NonceSource
	Encoder   *calldata.Encoder
	Sponsor   Sponsor
	Signer    userop.Signer
	Submitter Submitter
	Tracker   Tracker
	Logger    sdklogging.Logger
	Metrics   metrics.Recorder
}

// Gas carries the caller supplied gas values. Nil fields take
// DefaultGasLimit.
type Gas struct {
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	PreVerificationGas   *big.Int
	MaxPriorityFeePerGas *big.Int
	MaxFeePerGas         *big.Int
}

// Request describes one operation. Exactly one of CallData or Method must
// be given. With Target set, the encoded call is wrapped in the account's
// execute(target, value, call).
type Request struct {
	Sender   common.Address
	InitCode []byte
	CallData []byte
	Method   *calldata.Signature
	Args     []any
	Target   *common.Address
	Value    *big.Int
	Gas      Gas
}

// Receipt is what the bundler acknowledged.
type Receipt struct {
	UserOpHash common.Hash
	Sender     common.Address
	Nonce      *big.Int
}

// Result describes an attempt, including a failed one. Operation is set
// once signing succeeded, so an ambiguous submission can be checked with
// CheckInclusion.
type Result struct {
	AttemptID   string
	State       userop.State
	// FailedState is the last state reached before a failure.
	FailedState userop.State
	Nonce       *big.Int
	Operation   *userop.Signed
	UserOpHash  common.Hash
}

// Assembler runs the Draft, Sponsored, Signed, Submitted pipeline.
type Assembler struct {
	nonces    *bundler.NonceManager
	encoder   *calldata.Encoder
	sponsor   Sponsor
	signer    userop.Signer
	submitter Submitter
	tracker   Tracker

	entryPoint common.Address
	chainID    *big.Int
	policyID   string
	timeouts   Timeouts
	leases     *senderLeases

	logger  sdklogging.Logger
	metrics metrics.Recorder
}

func NewAssembler(cfg Config, deps Deps) (*Assembler, error) {
	switch {
	case deps.Nonces == nil:
		return nil, aaerr.Newf(aaerr.ErrConfig, "nonce source is required")
	case deps.Sponsor == nil:
		return nil, aaerr.Newf(aaerr.ErrConfig, "sponsor is required")
	case deps.Signer == nil:
		return nil, aaerr.Newf(aaerr.ErrConfig, "signer is required")
	case deps.Submitter == nil:
		return nil, aaerr.Newf(aaerr.ErrConfig, "submitter is required")
	}
	if deps.Sponsor.EntryPoint() != deps.Submitter.EntryPoint() {
		return nil, aaerr.Newf(aaerr.ErrConfig, "sponsor entry point %s differs from submitter entry point %s",
			deps.Sponsor.EntryPoint().Hex(), deps.Submitter.EntryPoint().Hex())
	}

	enc := deps.Encoder
	if enc == nil {
		var err error
		if enc, err = calldata.NewEncoder(0); err != nil {
			return nil, aaerr.New(aaerr.ErrConfig, err)
		}
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker, _ = deps.Submitter.(Tracker)
	}
	chainID := new(big.Int)
	if cfg.ChainID != nil {
		chainID.Set(cfg.ChainID)
	}

	log := logger.Component(deps.Logger, "assembler")
	return &Assembler{
		nonces:     bundler.NewNonceManager(deps.Nonces, log),
		encoder:    enc,
		sponsor:    deps.Sponsor,
		signer:     deps.Signer,
		submitter:  deps.Submitter,
		tracker:    tracker,
		entryPoint: deps.Submitter.EntryPoint(),
		chainID:    chainID,
		policyID:   cfg.PolicyID,
		timeouts:   cfg.Timeouts.withDefaults(),
		leases:     newSenderLeases(),
		logger:     log,
		metrics:    metrics.EnsureRecorder(deps.Metrics),
	}, nil
}

func (a *Assembler) EntryPoint() common.Address { return a.entryPoint }

// BuildDraft fetches the nonce and encodes the call concurrently, then packs
// the gas values into a Draft. Callers using the step methods directly are
// responsible for serializing work per sender; SendUserOp does it for them.
func (a *Assembler) BuildDraft(ctx context.Context, req Request) (draft *userop.Draft, err error) {
	defer a.observe(aaerr.StageDraft, time.Now(), &err)

	if req.Sender == (common.Address{}) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "sender is required")
	}

	var (
		nonce    *big.Int
		callData []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nctx, cancel := context.WithTimeout(gctx, a.timeouts.Nonce)
		defer cancel()
		n, err := a.nonces.GetNextNonce(nctx, req.Sender)
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	g.Go(func() error {
		data, err := a.encodeCall(req)
		if err != nil {
			return err
		}
		callData = data
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, aaerr.At(aaerr.StageDraft, aaerr.New(aaerr.ErrCancelled, ctx.Err()))
		}
		var typed *aaerr.Error
		if !errors.As(err, &typed) {
			err = aaerr.New(aaerr.ErrNonceFetch, err)
		}
		return nil, err
	}

	params, err := packGas(req.Gas)
	if err != nil {
		return nil, err
	}
	params.Sender = req.Sender
	params.Nonce = nonce
	params.InitCode = req.InitCode
	params.CallData = callData

	return userop.NewDraft(params)
}

func (a *Assembler) encodeCall(req Request) ([]byte, error) {
	if (req.CallData == nil) == (req.Method == nil) {
		return nil, aaerr.Newf(aaerr.ErrEncoding, "exactly one of call data or method is required")
	}

	inner := req.CallData
	if req.Method != nil {
		var err error
		if inner, err = a.encoder.Encode(*req.Method, req.Args...); err != nil {
			return nil, err
		}
	}
	if req.Target == nil {
		return inner, nil
	}
	return aa.PackExecute(a.encoder, *req.Target, req.Value, inner)
}

func packGas(g Gas) (userop.DraftParams, error) {
	var p userop.DraftParams
	var err error
	if p.AccountGasLimits, err = gaspack.PackPair(orDefault(g.VerificationGasLimit), orDefault(g.CallGasLimit)); err != nil {
		return p, fmt.Errorf("accountGasLimits: %w", err)
	}
	if p.GasFees, err = gaspack.PackPair(orDefault(g.MaxPriorityFeePerGas), orDefault(g.MaxFeePerGas)); err != nil {
		return p, fmt.Errorf("gasFees: %w", err)
	}
	// preVerificationGas stays a single word, not a pair.
	if p.PreVerificationGas, err = gaspack.PackWord(orDefault(g.PreVerificationGas)); err != nil {
		return p, fmt.Errorf("preVerificationGas: %w", err)
	}
	return p, nil
}

func orDefault(v *big.Int) *big.Int {
	if v == nil {
		return DefaultGasLimit
	}
	return v
}

// Sponsor asks the sponsor to authorise draft. On failure draft is left
// unsponsored and the signer is never involved.
func (a *Assembler) Sponsor(ctx context.Context, draft *userop.Draft) (sponsored *userop.Sponsored, err error) {
	defer a.observe(aaerr.StageSponsor, time.Now(), &err)

	if draft.State() != userop.StateDraft {
		return nil, aaerr.At(aaerr.StageSponsor, errors.New("draft was already sponsored"))
	}

	sctx, cancel := context.WithTimeout(ctx, a.timeouts.Sponsor)
	defer cancel()

	pmd, err := a.sponsor.RequestPaymasterAndData(sctx, draft, a.policyID)
	if err != nil {
		if errors.Is(err, aaerr.ErrCancelled) && ctx.Err() == nil {
			// Our own stage budget ran out, not the caller's.
			return nil, aaerr.Newf(aaerr.ErrSponsorUnavailable, "sponsorship timed out after %s: %v", a.timeouts.Sponsor, err)
		}
		return nil, aaerr.At(aaerr.StageSponsor, err)
	}
	sponsored, err = draft.Sponsor(pmd)
	if err != nil {
		return nil, aaerr.At(aaerr.StageSponsor, err)
	}
	return sponsored, nil
}

func (a *Assembler) Sign(ctx context.Context, sponsored *userop.Sponsored) (signed *userop.Signed, err error) {
	defer a.observe(aaerr.StageSign, time.Now(), &err)

	sctx, cancel := context.WithTimeout(ctx, a.timeouts.Sign)
	defer cancel()
	return sponsored.Sign(sctx, a.signer)
}

// Submit hands signed to the submitter. It never resubmits: an
// aaerr.ErrAmbiguousOutcome must be resolved with CheckInclusion first.
func (a *Assembler) Submit(ctx context.Context, signed *userop.Signed) (receipt Receipt, err error) {
	defer a.observe(aaerr.StageSubmit, time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return Receipt{}, aaerr.At(aaerr.StageSubmit, aaerr.New(aaerr.ErrCancelled, err))
	}

	sctx, cancel := context.WithTimeout(ctx, a.timeouts.Submit)
	defer cancel()

	hash, err := a.submitter.SendUserOperation(sctx, signed)
	if err != nil {
		return Receipt{}, aaerr.At(aaerr.StageSubmit, err)
	}

	if a.chainID.Sign() > 0 {
		if local := signed.Hash(a.entryPoint, a.chainID); local != hash {
			a.logger.Warn("Bundler reported a different userOpHash",
				"bundler", hash.Hex(), "local", local.Hex())
		}
	}
	return Receipt{UserOpHash: hash, Sender: signed.Sender(), Nonce: signed.Nonce()}, nil
}

// SendUserOp runs the whole pipeline for req while holding the sender's
// lease, so a concurrent call for the same sender observes the next nonce.
// No stage is retried here beyond the sponsor client's own budget.
//
// The returned Result is never nil. On failure the error carries the stage
// and aaerr.SameNonceSafe tells whether the nonce may be reused.
func (a *Assembler) SendUserOp(ctx context.Context, req Request) (*Result, error) {
	res := &Result{AttemptID: ulid.Make().String(), State: userop.StateDraft}
	log := a.logger.With("attemptId", res.AttemptID, "sender", req.Sender.Hex())

	release, err := a.leases.Acquire(ctx, req.Sender)
	if err != nil {
		res.FailedState = res.State
		res.State = userop.StateFailed
		return res, aaerr.At(aaerr.StageDraft, aaerr.New(aaerr.ErrCancelled, err))
	}
	defer release()

	fail := func(err error) (*Result, error) {
		log.Warn("User operation failed",
			"stage", aaerr.StageOf(err), "lastState", res.State, "sameNonceSafe", aaerr.SameNonceSafe(err), "error", err)
		res.FailedState = res.State
		res.State = userop.StateFailed
		return res, err
	}

	draft, err := a.BuildDraft(ctx, req)
	if err != nil {
		return fail(err)
	}
	res.Nonce = draft.Nonce()
	log = log.With("nonce", res.Nonce.String())
	log.Debug("Draft built", "callDataLen", len(draft.CallData()))

	sponsored, err := a.Sponsor(ctx, draft)
	if err != nil {
		return fail(err)
	}
	res.State = userop.StateSponsored

	signed, err := a.Sign(ctx, sponsored)
	if err != nil {
		return fail(err)
	}
	res.State = userop.StateSigned
	res.Operation = signed
	if a.chainID.Sign() > 0 {
		res.UserOpHash = signed.Hash(a.entryPoint, a.chainID)
	}

	receipt, err := a.Submit(ctx, signed)
	switch {
	case err == nil:
		a.nonces.IncrementNonce(req.Sender, res.Nonce)
		res.State = userop.StateSubmitted
		res.UserOpHash = receipt.UserOpHash
		log.Info("User operation submitted", "userOpHash", receipt.UserOpHash.Hex())
		return res, nil
	case errors.Is(err, aaerr.ErrAmbiguousOutcome):
		// The bundler may hold the operation; never hand this nonce out again.
		a.nonces.IncrementNonce(req.Sender, res.Nonce)
	case errors.Is(err, aaerr.ErrNotSent):
		// Nothing reached the bundler; the nonce is still free.
	case bundler.IsNonceRejection(err):
		a.nonces.ResetNonce(req.Sender)
	}
	return fail(err)
}

// Inclusion is what the bundler knows about a submitted operation.
type Inclusion struct {
	UserOpHash      common.Hash
	Known           bool
	Included        bool
	TransactionHash common.Hash
	// Success is set once a receipt is available.
	Success *bool
}

// CheckInclusion looks signed up at the bundler by its userOpHash. Use it
// after an aaerr.ErrAmbiguousOutcome before deciding to build a new
// operation. The hash is the v0.7 one (see userop.Hash), so against a v0.6
// entry point a missing operation is reported as unknown.
func (a *Assembler) CheckInclusion(ctx context.Context, signed *userop.Signed) (Inclusion, error) {
	if a.tracker == nil {
		return Inclusion{}, aaerr.Newf(aaerr.ErrConfig, "no tracker configured")
	}
	if a.chainID.Sign() == 0 {
		return Inclusion{}, aaerr.Newf(aaerr.ErrConfig, "chain id is required to compute the userOpHash")
	}

	out := Inclusion{UserOpHash: signed.Hash(a.entryPoint, a.chainID)}
	found, err := a.tracker.GetUserOperationByHash(ctx, out.UserOpHash)
	if err != nil {
		return out, fmt.Errorf("lookup %s: %w", out.UserOpHash.Hex(), err)
	}
	if found == nil {
		return out, nil
	}
	out.Known = true
	out.Included = found.Included()
	out.TransactionHash = found.TransactionHash
	if !out.Included {
		return out, nil
	}

	receipt, err := a.tracker.GetUserOperationReceipt(ctx, out.UserOpHash)
	if err != nil {
		return out, fmt.Errorf("receipt %s: %w", out.UserOpHash.Hex(), err)
	}
	if receipt != nil {
		success := receipt.Success
		out.Success = &success
	}
	return out, nil
}

const (
	initialPollInterval = 1 * time.Second
	maxPollInterval     = 5 * time.Second
	pollBackoffFactor   = 1.5
)

// WaitForReceipt polls the bundler with exponential backoff until the
// receipt for hash shows up or ctx is done. Lookup errors are logged and
// polling continues.
func (a *Assembler) WaitForReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error) {
	if a.tracker == nil {
		return nil, aaerr.Newf(aaerr.ErrConfig, "no tracker configured")
	}

	interval := initialPollInterval
	for attempt := 1; ; attempt++ {
		receipt, err := a.tracker.GetUserOperationReceipt(ctx, hash)
		switch {
		case err != nil:
			a.logger.Debug("Receipt poll failed", "userOpHash", hash.Hex(), "attempt", attempt, "error", err)
		case receipt != nil:
			a.logger.Info("User operation mined", "userOpHash", hash.Hex(), "attempt", attempt,
				"success", receipt.Success, "txHash", receipt.Receipt.TransactionHash.Hex())
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * pollBackoffFactor)
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (a *Assembler) observe(stage aaerr.Stage, start time.Time, errp *error) {
	status := "ok"
	if *errp != nil {
		status = "error"
		if errors.Is(*errp, aaerr.ErrCancelled) {
			status = "cancelled"
		}
	}
	a.metrics.IncStage(string(stage), status)
	a.metrics.ObserveStageDuration(string(stage), time.Since(start))
}
