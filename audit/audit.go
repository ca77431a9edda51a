// Package audit records every payment-request mutation on an
// append-only trail for dispute resolution.
package audit

import (
	"context"
	"time"

	"github.com/fiapo/payment-oracle/types"
)

// Entry is one audit record. From is empty for request creation.
type Entry struct {
	RequestID  string            `json:"requestId"`
	From       types.Status      `json:"from,omitempty"`
	To         types.Status      `json:"to"`
	OperatorID string            `json:"operatorId,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	At         time.Time         `json:"at"`
}

// Trail is the append-only sink. Implementations must never drop an
// entry silently; a failed append surfaces to the writer.
type Trail interface {
	Append(ctx context.Context, entry Entry) error
}

// NoopTrail discards entries. Used in tests and single-process setups
// where the store's own persistence is audit enough.
type NoopTrail struct{}

func (NoopTrail) Append(context.Context, Entry) error { return nil }
