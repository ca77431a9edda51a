package settlement_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/settlement"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

// fakeChainB simulates the destination contract: idempotent on payment
// id, dispatch errors configurable, transient failures injectable.
type fakeChainB struct {
	mu        sync.Mutex
	settled   map[string]string // payment id -> tx hash
	calls     int
	transient int               // fail this many calls with a transport error
	reject    *types.ChainError // contract-level rejection
}

func newFakeChainB() *fakeChainB {
	return &fakeChainB{settled: make(map[string]string)}
}

func (f *fakeChainB) Settle(_ context.Context, id string, _ types.DestinationAction, _ []types.Confirmation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.transient > 0 {
		f.transient--
		return "", errors.New("timeout awaiting inclusion")
	}
	if f.reject != nil {
		return "", f.reject
	}
	if hash, done := f.settled[id]; done {
		// the node echoes the original hash with the rejection
		return hash, &types.ChainError{
			Section: "paymentOracle",
			Name:    settlement.AlreadyProcessedError,
			Message: "payment id already settled",
		}
	}
	hash := fmt.Sprintf("0xb%06d", f.calls)
	f.settled[id] = hash
	return hash, nil
}

func (f *fakeChainB) settleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

func setup(t *testing.T, threshold, operators int) (*store.Memory, *quorum.Coordinator, []*quorum.Signer) {
	t.Helper()
	s := store.NewMemory(nil)
	coord := quorum.NewCoordinator(threshold, nil, nil)
	signers := make([]*quorum.Signer, 0, operators)
	for i := 0; i < operators; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		signer, err := quorum.NewSigner(fmt.Sprintf("op-%d", i), hex.EncodeToString(crypto.FromECDSA(key)))
		require.NoError(t, err)
		coord.RegisterOperator(signer.OperatorID(), signer.Address())
		signers = append(signers, signer)
	}
	return s, coord, signers
}

func confirmingRequest(t *testing.T, s store.Store, signers []*quorum.Signer, confirmations int) *types.PaymentRequest {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	_, err := s.Create(ctx, &types.PaymentRequest{
		ID:               "req-1",
		PrincipalAmount:  decimal.NewFromInt(50_000),
		FeeAmount:        decimal.NewFromInt(250),
		Method:           types.MethodSolanaStablecoin,
		Action:           types.DestinationAction{Kind: types.ActionStake, StakePool: "alpha", StakeAmount: decPtr(50_000)},
		RecipientAddress: "recv",
		Status:           types.StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	req, err := s.Transition(ctx, "req-1", types.StatusPending, types.StatusConfirming, store.Patch{
		ChainATxHash: store.StrPtr("sigA"),
	})
	require.NoError(t, err)

	for i := 0; i < confirmations; i++ {
		conf, err := signers[i].Confirm(req.ID, "sigA", req.PrincipalAmount)
		require.NoError(t, err)
		req, err = s.AppendConfirmation(ctx, req.ID, conf)
		require.NoError(t, err)
	}
	return req
}

func decPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestSweepSettlesOnQuorum(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	confirmingRequest(t, s, signers, 3)

	chain := newFakeChainB()
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)
	require.NoError(t, sub.Sweep(ctx))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.NotEmpty(t, got.ChainBTxHash)
	assert.Equal(t, 1, chain.settleCount())
}

func TestSweepHoldsBelowQuorum(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	confirmingRequest(t, s, signers, 2)

	chain := newFakeChainB()
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)
	require.NoError(t, sub.Sweep(ctx))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirming, got.Status)
	assert.Zero(t, chain.calls, "no settlement without quorum")
}

func TestSweepBlocksOnDivergedConfirmations(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 2, 4)
	req := confirmingRequest(t, s, signers, 2)

	// a third operator confirms a different chain-A transaction
	diverging, err := signers[2].Confirm(req.ID, "sigOTHER", req.PrincipalAmount)
	require.NoError(t, err)
	_, err = s.AppendConfirmation(ctx, req.ID, diverging)
	require.NoError(t, err)

	chain := newFakeChainB()
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)
	require.NoError(t, sub.Sweep(ctx))

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirming, got.Status, "diverged quorum is never settled automatically")
	assert.Zero(t, chain.calls)
}

func TestSubmitRetryAfterCrashSettlesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	req := confirmingRequest(t, s, signers, 3)

	chain := newFakeChainB()
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)

	// first submission lands on chain B
	sub.Submit(ctx, req)
	require.Equal(t, 1, chain.settleCount())

	// simulate a submitter crash after dispatch but before the store
	// recorded the outcome: rewind our view and submit again
	stale := req.Clone()
	sub.Submit(ctx, stale)

	assert.Equal(t, 1, chain.settleCount(), "second dispatch with the same id must not re-run the action")
	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
}

func TestSubmitLostAckRecoversChainBTxHash(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	req := confirmingRequest(t, s, signers, 3)

	// the dispatch landed but the ack never reached us: the store still
	// says Confirming with no chain-B hash
	chain := newFakeChainB()
	chain.settled[req.ID] = "0xb000001"

	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)
	sub.Submit(ctx, req)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.Equal(t, "0xb000001", got.ChainBTxHash, "the echoed hash is recorded, never an empty one")
}

func TestSubmitTransientFailureRetriesSameID(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	req := confirmingRequest(t, s, signers, 3)

	chain := newFakeChainB()
	chain.transient = 2
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{MaxAttempts: 5, RetryDelay: time.Millisecond}, nil, nil)
	sub.Submit(ctx, req)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
	assert.Equal(t, 1, chain.settleCount())
	assert.Equal(t, 3, chain.calls, "two transient failures then success")
}

func TestSubmitTransientExhaustionLeavesConfirming(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	req := confirmingRequest(t, s, signers, 3)

	chain := newFakeChainB()
	chain.transient = 100
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{MaxAttempts: 2, RetryDelay: time.Millisecond}, nil, nil)
	sub.Submit(ctx, req)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirming, got.Status, "transient failures never fail the request")
	assert.Equal(t, 2, got.RetryCount)
}

func TestSubmitDispatchErrorFailsWithDecodedError(t *testing.T) {
	ctx := context.Background()
	s, coord, signers := setup(t, 3, 5)
	req := confirmingRequest(t, s, signers, 3)

	chain := newFakeChainB()
	chain.reject = &types.ChainError{
		Section: "treasury",
		Name:    "InsufficientBalance",
		Message: "treasury cannot cover the mint",
	}
	sub := settlement.NewSubmitter(s, coord, chain, settlement.Config{}, nil, nil)
	sub.Submit(ctx, req)

	got, err := s.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "treasury", got.LastError.Section)
	assert.Equal(t, "InsufficientBalance", got.LastError.Name)
}
