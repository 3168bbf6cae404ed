// Package httpapi serves a read-only JSON view of the running accounts:
// budgets, reconciled statistics, quotes and the order audit log.
package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
)

// AccountJSON is one account's budget state.
type AccountJSON struct {
	Account     string          `json:"account"`
	BudgetCap   decimal.Decimal `json:"budgetCap"`
	BudgetSpent decimal.Decimal `json:"budgetSpent"`
	Remaining   decimal.Decimal `json:"remaining"`
}

// StatsJSON is the reconciled statistics for one lookback window.
type StatsJSON struct {
	Account string                `json:"account"`
	Days    int                   `json:"days"`
	Symbols []*domain.SymbolStats `json:"symbols"`
}

// EventJSON is one order audit log entry.
type EventJSON struct {
	ID            int64           `json:"id"`
	Kind          string          `json:"kind"`
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"orderId,omitempty"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Detail        string          `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
