// Package domain defines the core types shared across brackettrader: order
// legs, positions, quotes, market sessions, credentials and the reconciled
// trade statistics produced for reporting.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order leg.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseOrderSide maps a broker side string ("Buy", "sell", "BUY") onto an
// OrderSide. Unknown values return "".
func ParseOrderSide(s string) OrderSide {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return OrderSideBuy
	case "sell":
		return OrderSideSell
	default:
		return ""
	}
}

// OrderStatus is the closed set of statuses the engine reasons about. Broker
// specific names are mapped onto it at the broker boundary; the broker's
// string is kept in OrderLeg.RawStatus for reporting.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusHeld            OrderStatus = "held"
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusOther           OrderStatus = "other"
)

// IsOpen reports whether the status is one of Open, Held or Pending.
func (s OrderStatus) IsOpen() bool {
	switch s {
	case OrderStatusOpen, OrderStatusHeld, OrderStatusPending:
		return true
	}
	return false
}

// AccountType determines how the daily spend cap is derived.
type AccountType string

const (
	AccountTypeCash   AccountType = "cash"
	AccountTypeMargin AccountType = "margin"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderLeg is one side of a bracket order as reported by the broker.
type OrderLeg struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`            // broker reference used for cancellation
	ParentID      string          `json:"parent_id,omitempty"` // buy leg a conditional sell belongs to
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Price         decimal.Decimal `json:"price"`      // limit price
	FillPrice     decimal.Decimal `json:"fill_price"` // zero until executed
	Status        OrderStatus     `json:"status"`
	RawStatus     string          `json:"raw_status"`
	Fees          decimal.Decimal `json:"fees"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
}

// ExecutionPrice returns the fill price when known, otherwise the limit price.
func (l *OrderLeg) ExecutionPrice() decimal.Decimal {
	if l.FillPrice.IsPositive() {
		return l.FillPrice
	}
	return l.Price
}

// ReservedAmount is the capital a resting buy leg holds: limit price times
// ordered quantity.
func (l *OrderLeg) ReservedAmount() decimal.Decimal {
	return l.Price.Mul(l.Quantity)
}

// BracketOrder is a Day limit buy whose fill triggers a GTC limit sell.
type BracketOrder struct {
	Symbol        string
	Quantity      decimal.Decimal
	BuyPrice      decimal.Decimal
	SellPrice     decimal.Decimal
	ClientOrderID string
}

// Cost is the amount the buy leg commits against the spend budget.
func (o *BracketOrder) Cost() decimal.Decimal {
	return o.BuyPrice.Mul(o.Quantity)
}

// OrderPage is one page of broker order history. An empty NextToken means
// the listing is exhausted.
type OrderPage struct {
	Legs      []OrderLeg
	NextToken string
}

// ---------------------------------------------------------------------------
// Account and market data
// ---------------------------------------------------------------------------

// Position is a broker-owned holding. AcquiredAt is zero when the broker does
// not report it.
type Position struct {
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	CostBasis  decimal.Decimal `json:"cost_basis"`
	AcquiredAt time.Time       `json:"acquired_at"`
}

// Balance is the subset of account balances used to size the daily budget.
type Balance struct {
	Cash          decimal.Decimal
	CashAvailable decimal.Decimal // zero when the broker does not report it
	BuyingPower   decimal.Decimal
}

// Quote is the current top of book for a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// MarketSession is one day of the exchange calendar.
type MarketSession struct {
	Date   string // YYYY-MM-DD, exchange local
	IsOpen bool
	Open   time.Time
	Close  time.Time
}
