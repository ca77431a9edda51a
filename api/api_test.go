package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiapo/payment-oracle/api"
	"github.com/fiapo/payment-oracle/store"
	"github.com/fiapo/payment-oracle/types"
)

const receiver = "FiapoRecv11111111111111111111111111111111111"

func newServer(s store.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return api.NewServer(s, api.Config{
		Receiver: receiver,
		TTL:      30 * time.Minute,
	}, nil).Router()
}

func createBody(principal string) map[string]any {
	return map[string]any{
		"principalAmount": principal,
		"method":          "lusdt",
		"action":          map[string]any{"kind": "mint_nft", "nftTier": "gold"},
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreatePaymentReturnsQuote(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	w := doJSON(t, router, http.MethodPost, "/api/payment/create", createBody("500"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ID               string    `json:"id"`
		RecipientAddress string    `json:"recipientAddress"`
		FeeAmount        string    `json:"feeAmount"`
		TotalDue         string    `json:"totalDue"`
		ExpiresAt        time.Time `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, receiver, resp.RecipientAddress)
	assert.Equal(t, "10", resp.FeeAmount)
	assert.Equal(t, "510", resp.TotalDue)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), resp.ExpiresAt, time.Minute)
}

func TestCreatePaymentIdempotentByClientKey(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	body := createBody("500")
	body["id"] = "client-key-1"

	first := doJSON(t, router, http.MethodPost, "/api/payment/create", body)
	require.Equal(t, http.StatusOK, first.Code)

	// replay with a different amount still returns the original quote
	body["principalAmount"] = "9000"
	second := doJSON(t, router, http.MethodPost, "/api/payment/create", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestCreatePaymentValidation(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"zero amount", createBody("0")},
		{"negative amount", createBody("-5")},
		{"unknown method", map[string]any{
			"principalAmount": "500",
			"method":          "doge",
			"action":          map[string]any{"kind": "mint_nft", "nftTier": "gold"},
		}},
		{"stake without pool", map[string]any{
			"principalAmount": "500",
			"method":          "lusdt",
			"action":          map[string]any{"kind": "stake"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/api/payment/create", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPaymentStatusProjection(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	body := createBody("500")
	body["id"] = "req-1"
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/api/payment/create", body).Code)

	ctx := context.Background()
	_, err := s.Transition(ctx, "req-1", types.StatusPending, types.StatusConfirming, store.Patch{
		ChainATxHash: store.StrPtr("sigA"),
	})
	require.NoError(t, err)
	_, err = s.AppendConfirmation(ctx, "req-1", types.Confirmation{
		OperatorID: "op-1", PayloadHash: "0xaa", Signature: []byte{1, 2, 3},
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/payment/status/req-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, "confirming", raw["status"])
	assert.Equal(t, "sigA", raw["chainATxHash"])

	// internals must not leak
	assert.NotContains(t, raw, "confirmations")
	assert.NotContains(t, raw, "retryCount")
	assert.NotContains(t, raw, "feeTier")
}

func TestPaymentStatusNotFound(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)
	w := doJSON(t, router, http.MethodGet, "/api/payment/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	body := createBody("500")
	body["id"] = "req-1"
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/api/payment/create", body).Code)

	w := doJSON(t, router, http.MethodPost, "/api/payment/cancel/req-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := s.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "Cancelled", got.LastError.Name)

	// cancelling again conflicts: the request is no longer pending
	again := doJSON(t, router, http.MethodPost, "/api/payment/cancel/req-1", nil)
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestCancelConfirmingRejected(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)

	body := createBody("500")
	body["id"] = "req-1"
	require.Equal(t, http.StatusOK, doJSON(t, router, http.MethodPost, "/api/payment/create", body).Code)
	_, err := s.Transition(context.Background(), "req-1", types.StatusPending, types.StatusConfirming, store.Patch{})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/payment/cancel/req-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "a payment already observed on chain A cannot be cancelled")
}

func TestHealthz(t *testing.T) {
	s := store.NewMemory(nil)
	router := newServer(s)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
