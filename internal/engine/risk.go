package engine

import (
	"github.com/shopspring/decimal"
)

// Budget enforces the daily spend cap. Spent never exceeds Cap through
// Spend-after-CanSpend and never drops below zero through Reclaim. It is
// process-local and reset once per trading day.
//
// Budget is not safe for concurrent use; Session serializes access.
type Budget struct {
	cap   decimal.Decimal
	spent decimal.Decimal
}

// NewBudget creates a Budget with the given cap and nothing spent.
func NewBudget(limit decimal.Decimal) *Budget {
	return &Budget{cap: limit}
}

// Cap returns the current spend cap.
func (b *Budget) Cap() decimal.Decimal { return b.cap }

// Spent returns the amount committed so far.
func (b *Budget) Spent() decimal.Decimal { return b.spent }

// Remaining is Cap minus Spent, floored at zero.
func (b *Budget) Remaining() decimal.Decimal {
	r := b.cap.Sub(b.spent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// CanSpend reports whether amount fits under the cap.
func (b *Budget) CanSpend(amount decimal.Decimal) bool {
	return !amount.IsNegative() && b.spent.Add(amount).LessThanOrEqual(b.cap)
}

// Spend commits amount unconditionally. Callers check CanSpend first; an
// unconfirmed submission is also committed so the cap errs on the low side.
func (b *Budget) Spend(amount decimal.Decimal) {
	if amount.IsNegative() {
		return
	}
	b.spent = b.spent.Add(amount)
}

// Reclaim returns amount to the budget, clamping Spent at zero.
func (b *Budget) Reclaim(amount decimal.Decimal) {
	if amount.IsNegative() {
		return
	}
	b.spent = b.spent.Sub(amount)
	if b.spent.IsNegative() {
		b.spent = decimal.Zero
	}
}

// Reset starts a new day with the given cap.
func (b *Budget) Reset(limit decimal.Decimal) {
	b.cap = limit
	b.spent = decimal.Zero
}
