// Package market answers whether trading may start and supplies quotes.
package market

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"brackettrader/internal/broker"
	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// Gate checks the exchange session and fetches quotes through the broker.
type Gate struct {
	broker broker.Broker
	cal    *util.TradingCalendar
	now    func() time.Time
	log    *slog.Logger
}

// NewGate creates a Gate. A nil now uses time.Now.
func NewGate(b broker.Broker, cal *util.TradingCalendar, now func() time.Time, log *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{broker: b, cal: cal, now: now, log: log.With("component", "market")}
}

// MarketOpen reports whether today's session is open and at least delay has
// passed since the open. A day with no session is closed.
func (g *Gate) MarketOpen(ctx context.Context, delay time.Duration) (bool, error) {
	now := g.now()
	sess, err := g.broker.GetSession(ctx, now)
	if errors.Is(err, broker.ErrSessionNotFound) {
		g.log.Debug("no session for today", "date", g.cal.Date(now))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	open := g.cal.IsMarketOpen(*sess, now, delay)
	g.log.Debug("market status", "date", sess.Date, "session_open", sess.IsOpen, "tradable", open)
	return open, nil
}

// GetQuote returns quotes for symbols in one batched call. Unknown symbols
// are omitted.
func (g *Gate) GetQuote(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(s))
	}
	return g.broker.GetQuotes(ctx, upper)
}
