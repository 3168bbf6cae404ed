// Package store defines storage interfaces and implementations for the
// credential record, the order audit log, and the reconciled trade journal.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
)

// ErrNotFound is returned when no credential record has been saved yet.
var ErrNotFound = errors.New("not found")

// CredentialStore persists the single credential record of one account.
// Save always replaces the whole record.
type CredentialStore interface {
	// Load returns the stored credential or ErrNotFound.
	Load(ctx context.Context) (*domain.Credential, error)

	// Save atomically replaces the stored credential.
	Save(ctx context.Context, cred *domain.Credential) error
}

// Order event kinds recorded in the audit log.
const (
	EventPlaced       = "placed"
	EventRejected     = "rejected"
	EventUnconfirmed  = "unconfirmed"
	EventCanceled     = "canceled"
	EventCancelFailed = "cancel_failed"
)

// OrderEvent is one entry of the order audit log.
type OrderEvent struct {
	ID            int64
	Account       string
	Kind          string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Detail        string
	CreatedAt     time.Time
}

// OrderEventStore persists the order audit log.
type OrderEventStore interface {
	// RecordOrderEvent appends an event.
	RecordOrderEvent(ctx context.Context, ev *OrderEvent) error

	// ListOrderEvents returns events for account created at or after since,
	// newest first, up to limit.
	ListOrderEvents(ctx context.Context, account string, since time.Time, limit int) ([]OrderEvent, error)
}

// TradeJournal archives reconciled trades.
type TradeJournal interface {
	// WriteTrades merges trades into the journal, keyed by buy leg ID.
	WriteTrades(ctx context.Context, trades []domain.Trade) error

	// ReadTrades returns journaled trades for symbol closed within [start, end].
	ReadTrades(ctx context.Context, symbol string, start, end time.Time) ([]domain.Trade, error)
}
