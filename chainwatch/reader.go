// Package chainwatch observes the oracle's receiving address on chain A
// and matches incoming transfers against open payment requests. Each
// oracle operator runs its own watcher against its own RPC node; the
// watchers share nothing but the payment-request store.
package chainwatch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transfer is one observed inbound transfer to the receiver address.
type Transfer struct {
	// Signature is the chain-A transaction signature (the chainATxHash
	// recorded on a match).
	Signature string
	From      string
	To        string
	// Amount is denominated in whole stablecoin units.
	Amount decimal.Decimal
	// Depth is the confirmation depth at observation time.
	Depth     uint64
	Slot      uint64
	BlockTime time.Time
}

// Reader is the narrow chain-A read interface the watcher polls:
// "list transfers to address X", with confirmation depth included.
type Reader interface {
	IncomingTransfers(ctx context.Context, receiver string, limit int) ([]Transfer, error)
}
