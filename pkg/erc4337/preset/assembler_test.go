package preset

import (
	"context"
	"errors"
	"math/big"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/aaerr"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/bundler"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/calldata"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/gaspack"
	"github.com/laurentknauss/erc4337compliant-HelloWorld/pkg/erc4337/userop"
)

var (
	testSender     = common.HexToAddress("0x2aaf91afc256dfa51e36eb4b88eb57acb5114157")
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testChainID    = big.NewInt(11155111)
	testCallData   = []byte{0xa4, 0x13, 0x68, 0x62, 0x00, 0x01}
)

type fakeNonces struct {
	mu    sync.Mutex
	value int64
	err   error
	calls int
}

func (f *fakeNonces) GetNonce(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return big.NewInt(f.value), nil
}

type fakeSponsor struct {
	entryPoint common.Address
	pmd        []byte
	err        error
	block      bool
	calls      atomic.Int32
	policy     string
}

func (f *fakeSponsor) EntryPoint() common.Address { return f.entryPoint }

func (f *fakeSponsor) RequestPaymasterAndData(ctx context.Context, draft *userop.Draft, policyID string) ([]byte, error) {
	f.calls.Add(1)
	f.policy = policyID
	if f.block {
		<-ctx.Done()
		return nil, aaerr.At(aaerr.StageSponsor, aaerr.New(aaerr.ErrCancelled, ctx.Err()))
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pmd, nil
}

type fakeSigner struct {
	sig   []byte
	err   error
	calls atomic.Int32
}

func (f *fakeSigner) Sign(context.Context, []byte) ([]byte, error) {
	f.calls.Add(1)
	return f.sig, f.err
}

type fakeSubmitter struct {
	mu         sync.Mutex
	entryPoint common.Address
	errs       []error
	ops        []*userop.Signed
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	delay      time.Duration
}

func (f *fakeSubmitter) EntryPoint() common.Address { return f.entryPoint }

func (f *fakeSubmitter) SendUserOperation(_ context.Context, op *userop.Signed) (common.Hash, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxFlight.Load()
		if n <= cur || f.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	return op.Hash(f.entryPoint, testChainID), nil
}

func (f *fakeSubmitter) submitted() []*userop.Signed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*userop.Signed(nil), f.ops...)
}

type fakeTracker struct {
	byHash   map[common.Hash]*bundler.UserOperationByHash
	receipts map[common.Hash]*bundler.UserOperationReceipt
}

func (f *fakeTracker) GetUserOperationByHash(_ context.Context, h common.Hash) (*bundler.UserOperationByHash, error) {
	return f.byHash[h], nil
}

func (f *fakeTracker) GetUserOperationReceipt(_ context.Context, h common.Hash) (*bundler.UserOperationReceipt, error) {
	return f.receipts[h], nil
}

type fixture struct {
	nonces    *fakeNonces
	sponsor   *fakeSponsor
	signer    *fakeSigner
	submitter *fakeSubmitter
	tracker   *fakeTracker
	asm       *Assembler
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		nonces:    &fakeNonces{value: 5},
		sponsor:   &fakeSponsor{entryPoint: testEntryPoint, pmd: []byte{0x01}},
		signer:    &fakeSigner{sig: []byte("sig")},
		submitter: &fakeSubmitter{entryPoint: testEntryPoint},
		tracker:   &fakeTracker{},
	}
	cfg := Config{ChainID: testChainID, PolicyID: "policy-1"}
	for _, m := range mutate {
		m(&cfg)
	}
	asm, err := NewAssembler(cfg, Deps{
		Nonces:    f.nonces,
		Sponsor:   f.sponsor,
		Signer:    f.signer,
		Submitter: f.submitter,
		Tracker:   f.tracker,
	})
	require.NoError(t, err)
	f.asm = asm
	return f
}

func greetingRequest() Request {
	return Request{Sender: testSender, CallData: testCallData}
}

func TestSendUserOpEndToEnd(t *testing.T) {
	f := newFixture(t)

	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	assert.Equal(t, userop.StateSubmitted, res.State)
	assert.NotEmpty(t, res.AttemptID)
	assert.Equal(t, "policy-1", f.sponsor.policy)

	ops := f.submitter.submitted()
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Same(t, res.Operation, op, "the signed operation is passed on as is")

	pair := gaspack.MustPackPair(big.NewInt(2_000_000), big.NewInt(2_000_000))
	pvg, err := gaspack.PackWord(big.NewInt(2_000_000))
	require.NoError(t, err)

	assert.Equal(t, testSender, op.Sender())
	assert.Equal(t, int64(5), op.Nonce().Int64())
	assert.Empty(t, op.InitCode())
	assert.Equal(t, testCallData, op.CallData())
	assert.Equal(t, pair, op.AccountGasLimits())
	assert.Equal(t, pvg, op.PreVerificationGas())
	assert.Equal(t, pair, op.GasFees())
	assert.Equal(t, []byte{0x01}, op.PaymasterAndData())
	assert.Equal(t, []byte("sig"), op.Signature())

	assert.Equal(t, op.Hash(testEntryPoint, testChainID), res.UserOpHash)
}

func TestSendUserOpEncodesMethod(t *testing.T) {
	f := newFixture(t)
	sig := calldata.MustParseSignature("setGreeting(string)")
	target := common.HexToAddress("0xe0f7d11fd714674722d325cd86062a5f1882e13a")

	res, err := f.asm.SendUserOp(context.Background(), Request{
		Sender: testSender,
		Method: &sig,
		Args:   []any{"Hello, World!"},
		Target: &target,
	})
	require.NoError(t, err)

	enc, err := calldata.NewEncoder(0)
	require.NoError(t, err)
	values, err := enc.Decode(calldata.MustParseSignature("execute(address,uint256,bytes)"), res.Operation.CallData())
	require.NoError(t, err)
	assert.Equal(t, target, values[0])

	inner, err := enc.Encode(sig, "Hello, World!")
	require.NoError(t, err)
	assert.Equal(t, inner, values[2])
}

func TestSequentialSubmissionsUseIncreasingNonces(t *testing.T) {
	f := newFixture(t)

	first, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	second, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(5), first.Nonce.Int64())
	assert.Equal(t, int64(6), second.Nonce.Int64())
}

func TestConcurrentSubmissionsForSameSenderAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.submitter.delay = 20 * time.Millisecond

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.asm.SendUserOp(context.Background(), greetingRequest())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	var nonces []int64
	for _, op := range f.submitter.submitted() {
		nonces = append(nonces, op.Nonce().Int64())
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	assert.Equal(t, []int64{5, 6, 7, 8}, nonces)
	assert.Equal(t, int32(1), f.submitter.maxFlight.Load())
	assert.Zero(t, f.asm.leases.size(), "leases are released")
}

func TestSponsorRejectionIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.sponsor.err = aaerr.Newf(aaerr.ErrSponsorRejected, "policy exhausted")

	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, aaerr.ErrSponsorRejected))
	assert.Equal(t, aaerr.StageSponsor, aaerr.StageOf(err))
	assert.True(t, aaerr.SameNonceSafe(err))

	assert.Equal(t, userop.StateFailed, res.State)
	assert.Equal(t, userop.StateDraft, res.FailedState)
	assert.Nil(t, res.Operation)
	assert.Zero(t, f.signer.calls.Load(), "signer must not run")
	assert.Empty(t, f.submitter.submitted())

	// The nonce was not consumed.
	f.sponsor.err = nil
	res, err = f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Nonce.Int64())
}

func TestSponsorStageTimeoutIsUnavailable(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Timeouts.Sponsor = 20 * time.Millisecond })
	f.sponsor.block = true

	_, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	assert.True(t, errors.Is(err, aaerr.ErrSponsorUnavailable), "got %v", err)
	assert.True(t, aaerr.Retryable(err))
	assert.False(t, errors.Is(err, aaerr.ErrCancelled), "a stage timeout is not a caller cancellation")
	assert.Zero(t, f.signer.calls.Load())
}

type stageCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *stageCounts) IncStage(stage, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[stage+"/"+status]++
}

func (s *stageCounts) IncSponsorRequest(string)                   {}
func (s *stageCounts) ObserveSponsorAttempts(int)                 {}
func (s *stageCounts) ObserveStageDuration(string, time.Duration) {}

func TestSponsorStageTimeoutCountsAsError(t *testing.T) {
	f := newFixture(t)
	f.sponsor.block = true
	rec := &stageCounts{}
	asm, err := NewAssembler(Config{
		ChainID:  testChainID,
		PolicyID: "policy-1",
		Timeouts: Timeouts{Sponsor: 20 * time.Millisecond},
	}, Deps{
		Nonces:    f.nonces,
		Sponsor:   f.sponsor,
		Signer:    f.signer,
		Submitter: f.submitter,
		Metrics:   rec,
	})
	require.NoError(t, err)

	_, err = asm.SendUserOp(context.Background(), greetingRequest())
	require.Error(t, err)
	assert.Equal(t, 1, rec.counts["sponsor/error"])
	assert.Zero(t, rec.counts["sponsor/cancelled"])
}

func TestSigningFailure(t *testing.T) {
	f := newFixture(t)
	f.signer.err = errors.New("hsm offline")

	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	assert.True(t, errors.Is(err, aaerr.ErrSigning))
	assert.Equal(t, aaerr.StageSign, aaerr.StageOf(err))
	assert.True(t, aaerr.SameNonceSafe(err))
	assert.Equal(t, userop.StateSponsored, res.FailedState)
	assert.Empty(t, f.submitter.submitted())
}

func TestAmbiguousSubmission(t *testing.T) {
	f := newFixture(t)
	f.submitter.errs = []error{aaerr.Newf(aaerr.ErrAmbiguousOutcome, "connection reset")}

	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, aaerr.ErrAmbiguousOutcome))
	assert.False(t, aaerr.SameNonceSafe(err))
	assert.Equal(t, userop.StateSigned, res.FailedState)
	require.NotNil(t, res.Operation)

	// The operation made it after all.
	hash := res.Operation.Hash(testEntryPoint, testChainID)
	f.tracker.byHash = map[common.Hash]*bundler.UserOperationByHash{hash: {
		EntryPoint:      testEntryPoint,
		TransactionHash: common.HexToHash("0xbeef"),
		BlockNumber:     nil,
	}}
	inc, err := f.asm.CheckInclusion(context.Background(), res.Operation)
	require.NoError(t, err)
	assert.True(t, inc.Known)
	assert.False(t, inc.Included)
	assert.Equal(t, hash, inc.UserOpHash)

	// The nonce is treated as used.
	next, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(6), next.Nonce.Int64())
}

func TestUnsentSubmissionKeepsNonce(t *testing.T) {
	f := newFixture(t)
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	f.submitter.errs = []error{aaerr.New(aaerr.ErrNotSent, refused)}

	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, aaerr.ErrNotSent))
	assert.True(t, aaerr.SameNonceSafe(err))
	assert.Equal(t, userop.StateSigned, res.FailedState)
	assert.Equal(t, int64(5), res.Nonce.Int64())

	next, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.Nonce.Int64())
	assert.Len(t, f.submitter.submitted(), 2)
}

func TestNonceRejectionResetsCache(t *testing.T) {
	f := newFixture(t)

	_, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)

	f.submitter.errs = []error{aaerr.Newf(aaerr.ErrSubmission, "AA25 invalid account nonce")}
	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, aaerr.ErrSubmission))
	assert.Equal(t, int64(6), res.Nonce.Int64())

	// The chain never advanced, so the next attempt starts from it again.
	res, err = f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Nonce.Int64())
}

func TestCheckInclusionWithReceipt(t *testing.T) {
	f := newFixture(t)
	res, err := f.asm.SendUserOp(context.Background(), greetingRequest())
	require.NoError(t, err)

	hash := res.Operation.Hash(testEntryPoint, testChainID)
	f.tracker.byHash = map[common.Hash]*bundler.UserOperationByHash{hash: {
		TransactionHash: common.HexToHash("0xbeef"),
		BlockNumber:     (*hexutil.Big)(big.NewInt(10)),
	}}
	f.tracker.receipts = map[common.Hash]*bundler.UserOperationReceipt{hash: {UserOpHash: hash, Success: true}}

	inc, err := f.asm.CheckInclusion(context.Background(), res.Operation)
	require.NoError(t, err)
	assert.True(t, inc.Included)
	require.NotNil(t, inc.Success)
	assert.True(t, *inc.Success)

	unknown, err := newFixture(t).asm.CheckInclusion(context.Background(), res.Operation)
	require.NoError(t, err)
	assert.False(t, unknown.Known)
}

func TestCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.asm.SendUserOp(ctx, greetingRequest())
	assert.True(t, errors.Is(err, aaerr.ErrCancelled), "got %v", err)
	assert.True(t, aaerr.SameNonceSafe(err))
	assert.Equal(t, userop.StateFailed, res.State)
	assert.Empty(t, f.submitter.submitted())
}

func TestLeaseWaitHonoursContext(t *testing.T) {
	f := newFixture(t)
	release, err := f.asm.leases.Acquire(context.Background(), testSender)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.asm.SendUserOp(ctx, greetingRequest())
	assert.True(t, errors.Is(err, aaerr.ErrCancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, f.nonces.calls, "nothing ran without the lease")
}

func TestBuildDraftFailures(t *testing.T) {
	t.Run("nonce fetch", func(t *testing.T) {
		f := newFixture(t)
		f.nonces.err = errors.New("rpc down")
		_, err := f.asm.BuildDraft(context.Background(), greetingRequest())
		assert.True(t, errors.Is(err, aaerr.ErrNonceFetch), "got %v", err)
		assert.Equal(t, aaerr.StageDraft, aaerr.StageOf(err))
	})

	t.Run("no call", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.asm.BuildDraft(context.Background(), Request{Sender: testSender})
		assert.True(t, errors.Is(err, aaerr.ErrEncoding))
	})

	t.Run("both call forms", func(t *testing.T) {
		f := newFixture(t)
		sig := calldata.MustParseSignature("ping()")
		_, err := f.asm.BuildDraft(context.Background(), Request{Sender: testSender, CallData: []byte{1}, Method: &sig})
		assert.True(t, errors.Is(err, aaerr.ErrEncoding))
	})

	t.Run("gas overflow", func(t *testing.T) {
		f := newFixture(t)
		req := greetingRequest()
		req.Gas.CallGasLimit = new(big.Int).Lsh(common.Big1, 128)
		_, err := f.asm.BuildDraft(context.Background(), req)
		assert.True(t, errors.Is(err, aaerr.ErrEncoding))
		assert.ErrorContains(t, err, "accountGasLimits")
	})

	t.Run("zero sender", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.asm.BuildDraft(context.Background(), Request{CallData: testCallData})
		assert.True(t, errors.Is(err, aaerr.ErrEncoding))
		assert.Zero(t, f.nonces.calls)
	})
}

func TestSponsorRefusesConsumedDraft(t *testing.T) {
	f := newFixture(t)
	draft, err := f.asm.BuildDraft(context.Background(), greetingRequest())
	require.NoError(t, err)

	_, err = f.asm.Sponsor(context.Background(), draft)
	require.NoError(t, err)
	_, err = f.asm.Sponsor(context.Background(), draft)
	require.Error(t, err)
	assert.Equal(t, int32(1), f.sponsor.calls.Load())
}

func TestNewAssemblerChecksEntryPoints(t *testing.T) {
	_, err := NewAssembler(Config{}, Deps{
		Nonces:    &fakeNonces{},
		Sponsor:   &fakeSponsor{entryPoint: testEntryPoint},
		Signer:    &fakeSigner{},
		Submitter: &fakeSubmitter{entryPoint: common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")},
	})
	assert.True(t, errors.Is(err, aaerr.ErrConfig))
	assert.ErrorContains(t, err, "differs")

	_, err = NewAssembler(Config{}, Deps{Nonces: &fakeNonces{}})
	assert.True(t, errors.Is(err, aaerr.ErrConfig))
}

func TestWaitForReceipt(t *testing.T) {
	f := newFixture(t)
	hash := common.HexToHash("0x01")
	f.tracker.receipts = map[common.Hash]*bundler.UserOperationReceipt{hash: {UserOpHash: hash, Success: true}}

	receipt, err := f.asm.WaitForReceipt(context.Background(), hash)
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.asm.WaitForReceipt(ctx, common.HexToHash("0x02"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
