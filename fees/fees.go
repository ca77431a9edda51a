// Package fees computes the tiered oracle fee for a payment quote.
// The schedule is a deterministic lookup; a quote never changes after
// the request is created.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/fiapo/payment-oracle/types"
)

// Tier is one row of the fee schedule. A zero UpperBound marks the open
// top tier.
type Tier struct {
	UpperBound decimal.Decimal
	Percent    decimal.Decimal
}

// DefaultSchedule is the platform fee table. Boundary amounts belong to
// the lower tier (bounds are inclusive).
var DefaultSchedule = []Tier{
	{UpperBound: decimal.NewFromInt(1_000), Percent: decimal.NewFromFloat(2.0)},
	{UpperBound: decimal.NewFromInt(10_000), Percent: decimal.NewFromFloat(1.0)},
	{UpperBound: decimal.NewFromInt(100_000), Percent: decimal.NewFromFloat(0.5)},
	{UpperBound: decimal.NewFromInt(500_000), Percent: decimal.NewFromFloat(0.25)},
	{UpperBound: decimal.Decimal{}, Percent: decimal.NewFromFloat(0.1)},
}

// Quote is the computed fee for a principal amount.
type Quote struct {
	FeePercent decimal.Decimal `json:"feePercent"`
	FeeAmount  decimal.Decimal `json:"feeAmount"`
	Tier       int             `json:"tier"`
}

// Compute resolves the fee for principal against the default schedule.
func Compute(principal decimal.Decimal) (Quote, error) {
	return ComputeWithSchedule(principal, DefaultSchedule)
}

// ComputeWithSchedule resolves the fee for principal against a custom
// schedule. The first tier whose bound covers the amount wins. Rejects
// non-positive amounts; no other failure modes.
func ComputeWithSchedule(principal decimal.Decimal, schedule []Tier) (Quote, error) {
	if principal.Sign() <= 0 {
		return Quote{}, &types.OracleError{
			Code:    types.ErrInvalidAmount,
			Message: "principal amount must be positive",
		}
	}

	for i, tier := range schedule {
		open := tier.UpperBound.IsZero()
		if open || principal.LessThanOrEqual(tier.UpperBound) {
			return Quote{
				FeePercent: tier.Percent,
				FeeAmount:  principal.Mul(tier.Percent).Div(decimal.NewFromInt(100)),
				Tier:       i,
			}, nil
		}
	}

	return Quote{}, &types.OracleError{
		Code:    types.ErrConfigError,
		Message: "fee schedule has no open top tier",
	}
}
