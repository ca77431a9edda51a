// Package types defines the payment-request data model shared by every
// oracle component: the request state machine, tagged payment-method and
// destination-action variants, operator confirmations and the decoded
// chain error shape.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether s is an absorbing state. Terminal requests
// reject every further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits s -> next.
// The machine is a DAG: pending -> confirming -> confirmed, with failed
// and expired reachable from both non-terminal states.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusConfirming || next == StatusFailed || next == StatusExpired
	case StatusConfirming:
		return next == StatusConfirmed || next == StatusFailed || next == StatusExpired
	}
	return false
}

// PaymentMethod identifies which asset the payer settles the quote in.
type PaymentMethod string

const (
	// MethodSolanaStablecoin is the LUSDT stablecoin paid on chain A (Solana).
	MethodSolanaStablecoin PaymentMethod = "lusdt"
	// MethodNativeStablecoin is the destination chain's native stablecoin.
	MethodNativeStablecoin PaymentMethod = "native_lusd"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodSolanaStablecoin || m == MethodNativeStablecoin
}

// Confirmation is one oracle operator's signed attestation that it
// independently observed the matched chain-A payment. The signature is a
// 65-byte secp256k1 signature over PayloadHash.
type Confirmation struct {
	OperatorID  string    `json:"operatorId"`
	PayloadHash string    `json:"payloadHash"`
	Signature   []byte    `json:"signature"`
	SignedAt    time.Time `json:"signedAt"`
}

// ChainError is a dispatch error decoded into a human-readable shape
// before it is stored or surfaced. Raw chain bytes never leave the
// settlement layer.
type ChainError struct {
	Section string `json:"section"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *ChainError) Error() string {
	return e.Section + "." + e.Name + ": " + e.Message
}

// PaymentRequest is the authoritative record of one cross-chain payment.
// It is never deleted; terminal requests are retained as an audit trail.
type PaymentRequest struct {
	ID string `json:"id"`

	PrincipalAmount decimal.Decimal `json:"principalAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	FeePercent      decimal.Decimal `json:"feePercent"`
	FeeTier         int             `json:"feeTier"`

	Method PaymentMethod     `json:"method"`
	Action DestinationAction `json:"action"`

	PayerChainAAddress string `json:"payerChainAAddress,omitempty"`
	PayerChainBAddress string `json:"payerChainBAddress,omitempty"`
	RecipientAddress   string `json:"recipientAddress"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	ChainATxHash string `json:"chainATxHash,omitempty"`
	ChainBTxHash string `json:"chainBTxHash,omitempty"`

	Confirmations []Confirmation `json:"confirmations,omitempty"`

	RetryCount int         `json:"retryCount"`
	LastError  *ChainError `json:"lastError,omitempty"`
}

// TotalDue is the exact chain-A amount the watcher must observe:
// principal plus fee, zero tolerance.
func (p *PaymentRequest) TotalDue() decimal.Decimal {
	return p.PrincipalAmount.Add(p.FeeAmount)
}

// ExpiredAt reports whether the request's payment window has closed at
// the given instant.
func (p *PaymentRequest) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// HasConfirmation reports whether an operator already attested.
func (p *PaymentRequest) HasConfirmation(operatorID string) bool {
	for _, c := range p.Confirmations {
		if c.OperatorID == operatorID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so no caller can
// mutate shared state outside a CAS transition.
func (p *PaymentRequest) Clone() *PaymentRequest {
	cp := *p
	if p.Confirmations != nil {
		cp.Confirmations = make([]Confirmation, len(p.Confirmations))
		copy(cp.Confirmations, p.Confirmations)
	}
	if p.LastError != nil {
		e := *p.LastError
		cp.LastError = &e
	}
	return &cp
}
