// Package store holds the authoritative payment-request records. The
// compare-and-swap Transition is the sole write primitive for status
// changes, which keeps concurrent watchers, the submitter and the
// reaper race-free without locks spanning components.
package store

import (
	"context"

	"github.com/fiapo/payment-oracle/types"
)

// Patch carries the extra fields a transition may set. Nil fields are
// left untouched.
type Patch struct {
	ChainATxHash       *string
	ChainBTxHash       *string
	PayerChainAAddress *string
	LastError          *types.ChainError
	RetryCount         *int
}

// Store is the shared payment-request repository.
//
// Create is idempotent: a second call with the id of a non-terminal
// request returns the original unchanged. Reusing the id of a terminal
// request is ALREADY_EXISTS; ids are never recycled.
//
// Transition performs a compare-and-swap: it fails with CONFLICT when
// the current status differs from from, and refuses transitions the
// state machine forbids. A chain-A transaction hash can be bound to at
// most one request across the whole store; a second binder gets
// CONFLICT no matter which process it runs in. Requests are never
// deleted.
type Store interface {
	Create(ctx context.Context, req *types.PaymentRequest) (*types.PaymentRequest, error)
	Get(ctx context.Context, id string) (*types.PaymentRequest, error)
	Transition(ctx context.Context, id string, from, to types.Status, patch Patch) (*types.PaymentRequest, error)
	AppendConfirmation(ctx context.Context, id string, c types.Confirmation) (*types.PaymentRequest, error)
	ListByStatus(ctx context.Context, status types.Status) ([]*types.PaymentRequest, error)
}

func errNotFound(id string) error {
	return &types.OracleError{
		Code:    types.ErrNotFound,
		Message: "payment request not found",
		Data:    id,
	}
}

func errConflict(id string, want, have types.Status) error {
	return &types.OracleError{
		Code:    types.ErrConflict,
		Message: "payment request " + id + " is " + string(have) + ", expected " + string(want),
	}
}

func errTxConsumed(sig string) error {
	return &types.OracleError{
		Code:    types.ErrConflict,
		Message: "chain A transaction " + sig + " is already bound to another request",
	}
}

func errAlreadyExists(id string) error {
	return &types.OracleError{
		Code:    types.ErrAlreadyExists,
		Message: "payment request id already used",
		Data:    id,
	}
}

func errForbiddenTransition(from, to types.Status) error {
	return &types.OracleError{
		Code:    types.ErrConflict,
		Message: "transition " + string(from) + " -> " + string(to) + " is not allowed",
	}
}

func apply(req *types.PaymentRequest, patch Patch) {
	if patch.ChainATxHash != nil {
		req.ChainATxHash = *patch.ChainATxHash
	}
	if patch.ChainBTxHash != nil {
		req.ChainBTxHash = *patch.ChainBTxHash
	}
	if patch.PayerChainAAddress != nil {
		req.PayerChainAAddress = *patch.PayerChainAAddress
	}
	if patch.LastError != nil {
		e := *patch.LastError
		req.LastError = &e
	}
	if patch.RetryCount != nil {
		req.RetryCount = *patch.RetryCount
	}
}

func (p Patch) fields() map[string]string {
	out := map[string]string{}
	if p.ChainATxHash != nil {
		out["chainATxHash"] = *p.ChainATxHash
	}
	if p.ChainBTxHash != nil {
		out["chainBTxHash"] = *p.ChainBTxHash
	}
	if p.PayerChainAAddress != nil {
		out["payerChainAAddress"] = *p.PayerChainAAddress
	}
	if p.LastError != nil {
		out["lastError"] = p.LastError.Error()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StrPtr is a convenience for building patches.
func StrPtr(s string) *string { return &s }

// IntPtr is a convenience for building patches.
func IntPtr(i int) *int { return &i }
