package paymentoracle_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paymentoracle "github.com/fiapo/payment-oracle"
	"github.com/fiapo/payment-oracle/chainwatch"
	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

const receiver = "FiapoRecv11111111111111111111111111111111111"

type fakeChain struct {
	mu        sync.Mutex
	transfers []chainwatch.Transfer
}

func (f *fakeChain) IncomingTransfers(context.Context, string, int) ([]chainwatch.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chainwatch.Transfer, len(f.transfers))
	copy(out, f.transfers)
	return out, nil
}

func (f *fakeChain) pay(signature, from string, amount decimal.Decimal) {
	f.mu.Lock()
	f.transfers = append(f.transfers, chainwatch.Transfer{
		Signature: signature,
		From:      from,
		To:        receiver,
		Amount:    amount,
		Depth:     5,
	})
	f.mu.Unlock()
}

type fakeContract struct {
	mu      sync.Mutex
	settled map[string]string
	calls   int
}

func (f *fakeContract) Settle(_ context.Context, id string, _ types.DestinationAction, proof []types.Confirmation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if hash, done := f.settled[id]; done {
		return hash, &types.ChainError{Section: "paymentOracle", Name: "AlreadyProcessed", Message: "duplicate id"}
	}
	hash := fmt.Sprintf("0xb%06d", f.calls)
	f.settled[id] = hash
	return hash, nil
}

type cluster struct {
	store    *store.Memory
	chainA   *fakeChain
	contract *fakeContract
	oracles  []*paymentoracle.Oracle
	router   *gin.Engine
}

// newCluster starts `running` operator processes out of a registered
// set of `registered`, all sharing one store and one chain-A view.
// Only the first operator submits settlements.
func newCluster(t *testing.T, cfg paymentoracle.Config, registered, running int) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signers := make([]*quorum.Signer, 0, registered)
	operators := make(map[string]common.Address, registered)
	for i := 0; i < registered; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		s, err := quorum.NewSigner(fmt.Sprintf("op-%d", i), hex.EncodeToString(crypto.FromECDSA(key)))
		require.NoError(t, err)
		operators[s.OperatorID()] = s.Address()
		signers = append(signers, s)
	}

	c := &cluster{
		store:    store.NewMemory(nil),
		chainA:   &fakeChain{},
		contract: &fakeContract{settled: make(map[string]string)},
	}

	cfg.Receiver = receiver
	for i := 0; i < running; i++ {
		params := paymentoracle.Params{
			Store:     c.store,
			Reader:    c.chainA,
			Signer:    signers[i],
			Operators: operators,
		}
		if i == 0 {
			params.ChainB = c.contract
		}
		o, err := paymentoracle.New(cfg, params)
		require.NoError(t, err)
		o.Start(context.Background())
		c.oracles = append(c.oracles, o)
	}
	t.Cleanup(func() {
		for _, o := range c.oracles {
			o.Close()
		}
	})

	c.router = c.oracles[0].Server().Router()
	return c
}

func (c *cluster) create(t *testing.T, id string, principal int64) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":              id,
		"principalAmount": decimal.NewFromInt(principal),
		"method":          "lusdt",
		"action":          map[string]any{"kind": "mint_nft", "nftTier": "gold"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/payment/create", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (c *cluster) status(t *testing.T, id string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/payment/status/"+id, nil)
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func fastConfig() paymentoracle.Config {
	return paymentoracle.Config{
		MinDepth:        1,
		QuorumThreshold: 3,
		RequestTTL:      30 * time.Minute,
		PollInterval:    10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
		SettleInterval:  10 * time.Millisecond,
	}
}

// Scenario: no payment ever arrives; the request expires once its
// window closes.
func TestEndToEndExpiry(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestTTL = 150 * time.Millisecond
	c := newCluster(t, cfg, 5, 3)

	c.create(t, "req-a", 500)

	got, err := c.store.Get(context.Background(), "req-a")
	require.NoError(t, err)
	assert.True(t, got.FeeAmount.Equal(decimal.NewFromInt(10)), "2%% tier fee")
	assert.Equal(t, got.ExpiresAt, got.CreatedAt.Add(150*time.Millisecond))

	assert.Eventually(t, func() bool {
		return c.status(t, "req-a")["status"] == "expired"
	}, 3*time.Second, 20*time.Millisecond)

	assert.Zero(t, c.contract.calls, "an expired request never reaches chain B")
}

// Scenario: exact payment arrives, 3 of 5 operators confirm, the
// settlement is submitted exactly once.
func TestEndToEndSettlement(t *testing.T) {
	c := newCluster(t, fastConfig(), 5, 3)

	c.create(t, "req-b", 50_000)
	c.chainA.pay("sigB", "payer-wallet", decimal.NewFromInt(50_250))

	assert.Eventually(t, func() bool {
		return c.status(t, "req-b")["status"] == "confirmed"
	}, 5*time.Second, 20*time.Millisecond)

	final := c.status(t, "req-b")
	assert.Equal(t, "sigB", final["chainATxHash"])
	assert.NotEmpty(t, final["chainBTxHash"])

	c.contract.mu.Lock()
	settled := len(c.contract.settled)
	c.contract.mu.Unlock()
	assert.Equal(t, 1, settled, "the action ran exactly once")

	got, err := c.store.Get(context.Background(), "req-b")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got.Confirmations), 3, "at least M operators co-signed")
}

// Scenario: payment is one unit short; nothing matches and the
// request expires untouched.
func TestEndToEndOffByOnePayment(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestTTL = 200 * time.Millisecond
	c := newCluster(t, cfg, 5, 3)

	c.create(t, "req-c", 50_000)
	c.chainA.pay("sigC", "payer-wallet", decimal.NewFromInt(50_249))

	assert.Eventually(t, func() bool {
		return c.status(t, "req-c")["status"] == "expired"
	}, 3*time.Second, 20*time.Millisecond)

	got, err := c.store.Get(context.Background(), "req-c")
	require.NoError(t, err)
	assert.Empty(t, got.ChainATxHash, "no watcher may match a partial payment")
	assert.Zero(t, c.contract.calls)
}
