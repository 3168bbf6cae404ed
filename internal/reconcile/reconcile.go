// Package reconcile turns raw broker order history into paired trades and
// per-symbol statistics, and answers which symbols have open activity.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"brackettrader/internal/broker"
	"brackettrader/internal/domain"
	"brackettrader/internal/store"
	"brackettrader/internal/util"
)

// Defaults for Options.
const (
	DefaultHorizon  = 10 * time.Hour
	DefaultLookback = 7 * 24 * time.Hour
	maxPages        = 1000
)

// Options tune a Reconciler. Zero values take defaults.
type Options struct {
	// Horizon bounds how old an order or position may be and still count
	// as open activity.
	Horizon time.Duration
	// Lookback extends the history fetch before the window start so that
	// buys opened earlier can be paired with sells closed in the window.
	Lookback time.Duration
	Now      func() time.Time
	// Journal, when set, receives every trade built by Reconcile.
	Journal store.TradeJournal
}

// Reconciler reads order history through a broker.
type Reconciler struct {
	broker   broker.Broker
	cal      *util.TradingCalendar
	horizon  time.Duration
	lookback time.Duration
	now      func() time.Time
	journal  store.TradeJournal
	log      *slog.Logger
}

// New creates a Reconciler.
func New(b broker.Broker, cal *util.TradingCalendar, opts Options, log *slog.Logger) *Reconciler {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		broker:   b,
		cal:      cal,
		horizon:  opts.Horizon,
		lookback: opts.Lookback,
		now:      opts.Now,
		journal:  opts.Journal,
		log:      log.With("component", "reconcile"),
	}
}

// ---------------------------------------------------------------------------
// Open book
// ---------------------------------------------------------------------------

// Book is a snapshot of open activity: open legs and recent positions, keyed
// by symbol.
type Book struct {
	Legs      map[string][]domain.OrderLeg
	Positions map[string][]domain.Position
}

// Busy reports whether symbol has an open order or a recent position.
func (b *Book) Busy(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	return len(b.Legs[symbol]) > 0 || len(b.Positions[symbol]) > 0
}

// OpenBuys returns open buy legs across all symbols, oldest first.
func (b *Book) OpenBuys() []domain.OrderLeg {
	var out []domain.OrderLeg
	for _, legs := range b.Legs {
		for _, l := range legs {
			if l.Side == domain.OrderSideBuy {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenBook fetches every page of current orders plus positions and keeps
// the legs with an open status opened within the horizon. Positions acquired
// within the horizon, or with no acquisition time, are kept too.
func (r *Reconciler) OpenBook(ctx context.Context) (*Book, error) {
	legs, err := r.fetchAll(ctx, func(token string) (*domain.OrderPage, error) {
		return r.broker.GetOrders(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching orders: %w", err)
	}
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	cutoff := r.now().Add(-r.horizon)
	book := &Book{
		Legs:      make(map[string][]domain.OrderLeg),
		Positions: make(map[string][]domain.Position),
	}
	for _, l := range legs {
		if !l.Status.IsOpen() {
			continue
		}
		if !l.OpenedAt.IsZero() && l.OpenedAt.Before(cutoff) {
			continue
		}
		book.Legs[l.Symbol] = append(book.Legs[l.Symbol], l)
	}
	for _, p := range positions {
		if !p.AcquiredAt.IsZero() && p.AcquiredAt.Before(cutoff) {
			continue
		}
		book.Positions[p.Symbol] = append(book.Positions[p.Symbol], p)
	}
	return book, nil
}

// OpenOrders returns the open legs for one symbol.
func (r *Reconciler) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderLeg, error) {
	book, err := r.OpenBook(ctx)
	if err != nil {
		return nil, err
	}
	return book.Legs[strings.ToUpper(symbol)], nil
}

// fetchAll follows continuation tokens until an empty one. A repeated token
// means the broker is not advancing and is an error.
func (r *Reconciler) fetchAll(ctx context.Context, fetch func(token string) (*domain.OrderPage, error)) ([]domain.OrderLeg, error) {
	var (
		legs  []domain.OrderLeg
		token string
		seen  = make(map[string]bool)
	)
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if page >= maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", domain.ErrBrokerUnavailable, maxPages)
		}
		p, err := fetch(token)
		if err != nil {
			return nil, err
		}
		legs = append(legs, p.Legs...)
		if p.NextToken == "" {
			return dedupe(legs), nil
		}
		if seen[p.NextToken] {
			return nil, fmt.Errorf("%w: repeated page token %q", domain.ErrBrokerUnavailable, p.NextToken)
		}
		seen[p.NextToken] = true
		token = p.NextToken
	}
}

// dedupe drops repeated leg IDs, keeping the last copy.
func dedupe(legs []domain.OrderLeg) []domain.OrderLeg {
	idx := make(map[string]int, len(legs))
	out := legs[:0]
	for _, l := range legs {
		if i, ok := idx[l.ID]; ok && l.ID != "" {
			out[i] = l
			continue
		}
		idx[l.ID] = len(out)
		out = append(out, l)
	}
	return out
}

// ---------------------------------------------------------------------------
// Trades and statistics
// ---------------------------------------------------------------------------

// WindowStart returns the start of a daysBack window ending at now. Zero
// days means since local midnight.
func (r *Reconciler) WindowStart(now time.Time, daysBack int) time.Time {
	if daysBack <= 0 {
		return r.cal.Midnight(now)
	}
	return now.AddDate(0, 0, -daysBack)
}

// Trades fetches history for the daysBack window and pairs it.
func (r *Reconciler) Trades(ctx context.Context, daysBack int) ([]domain.Trade, []domain.OrderLeg, error) {
	since := r.WindowStart(r.now(), daysBack).Add(-r.lookback)
	legs, err := r.fetchAll(ctx, func(token string) (*domain.OrderPage, error) {
		return r.broker.GetHistory(ctx, since, token)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetching history: %w", err)
	}
	trades, anomalies := Pair(legs)
	for _, a := range anomalies {
		r.log.Warn("unlinked order leg", "error", domain.ErrReconciliationAnomaly,
			"symbol", a.Symbol, "leg_id", a.ID, "side", a.Side, "parent_id", a.ParentID, "status", a.RawStatus)
	}
	return trades, anomalies, nil
}

// Reconcile computes per-symbol statistics over the daysBack window.
// Identical broker history yields identical results.
func (r *Reconciler) Reconcile(ctx context.Context, daysBack int) (map[string]*domain.SymbolStats, error) {
	now := r.now()
	trades, anomalies, err := r.Trades(ctx, daysBack)
	if err != nil {
		return nil, err
	}
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	if r.journal != nil && len(trades) > 0 {
		if err := r.journal.WriteTrades(ctx, trades); err != nil {
			r.log.Error("journaling trades failed", "error", err)
		}
	}

	stats := Aggregate(trades, anomalies, positions, r.WindowStart(now, daysBack), now, r.log)
	return stats, nil
}

// Pair links each sell leg to its buy leg through ParentID. Legs that cannot
// be linked are returned as anomalies. Trades are ordered by buy open time.
func Pair(legs []domain.OrderLeg) ([]domain.Trade, []domain.OrderLeg) {
	buys := make(map[string]domain.OrderLeg)
	var sells, anomalies []domain.OrderLeg
	for _, l := range legs {
		switch l.Side {
		case domain.OrderSideBuy:
			buys[l.ID] = l
		case domain.OrderSideSell:
			sells = append(sells, l)
		default:
			anomalies = append(anomalies, l)
		}
	}

	linked := make(map[string]bool, len(sells))
	var trades []domain.Trade
	for _, s := range sells {
		b, ok := buys[s.ParentID]
		if !ok || s.ParentID == "" || linked[s.ParentID] {
			anomalies = append(anomalies, s)
			continue
		}
		linked[b.ID] = true
		trades = append(trades, newTrade(b, s))
	}
	for id, b := range buys {
		if !linked[id] {
			anomalies = append(anomalies, b)
		}
	}

	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].OpenedAt.Equal(trades[j].OpenedAt) {
			return trades[i].OpenedAt.Before(trades[j].OpenedAt)
		}
		return trades[i].BuyID < trades[j].BuyID
	})
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].ID < anomalies[j].ID })
	return trades, anomalies
}

func newTrade(buy, sell domain.OrderLeg) domain.Trade {
	t := domain.Trade{
		BuyID:      buy.ID,
		SellID:     sell.ID,
		Symbol:     buy.Symbol,
		BuyPrice:   buy.ExecutionPrice(),
		SellPrice:  sell.ExecutionPrice(),
		Quantity:   buy.Quantity,
		BuyQty:     buy.FilledQty,
		SellQty:    sell.FilledQty,
		SellStatus: sell.Status,
		RawStatus:  sell.RawStatus,
		Fees:       buy.Fees.Add(sell.Fees),
		OpenedAt:   buy.OpenedAt,
	}
	if !sell.Status.IsOpen() {
		t.ClosedAt = sell.ClosedAt
	}
	if t.Successful() {
		t.Profit = t.SellPrice.Mul(t.SellQty).Sub(t.BuyPrice.Mul(t.BuyQty))
	}
	return t
}

// eventTime is when a trade or leg counts toward a window: its close, or its
// open while it is still open.
func eventTime(opened, closed time.Time) time.Time {
	if !closed.IsZero() {
		return closed
	}
	return opened
}

func inWindow(t, start, end time.Time) bool {
	return !t.IsZero() && !t.Before(start) && !t.After(end)
}

// Aggregate folds trades, anomalies and positions into per-symbol stats for
// the window [start, end]. It has no side effects beyond logging.
func Aggregate(trades []domain.Trade, anomalies []domain.OrderLeg, positions []domain.Position, start, end time.Time, log *slog.Logger) map[string]*domain.SymbolStats {
	if log == nil {
		log = slog.Default()
	}
	stats := make(map[string]*domain.SymbolStats)
	get := func(symbol string) *domain.SymbolStats {
		s, ok := stats[symbol]
		if !ok {
			s = domain.NewSymbolStats(symbol)
			stats[symbol] = s
		}
		return s
	}

	for _, t := range trades {
		if !inWindow(eventTime(t.OpenedAt, t.ClosedAt), start, end) {
			continue
		}
		s := get(t.Symbol)
		s.TotalCount++
		s.TotalFees = s.TotalFees.Add(t.Fees)
		switch {
		case t.Successful():
			s.SuccessCount++
			s.TotalProfit = s.TotalProfit.Add(t.Profit)
			s.TotalDuration += t.Duration()
		case t.SellStatus == domain.OrderStatusFilled:
			s.AnomalyCount++
			log.Warn("quantity mismatch between buy and sell",
				"error", domain.ErrReconciliationAnomaly, "symbol", t.Symbol,
				"buy_id", t.BuyID, "sell_id", t.SellID, "buy_qty", t.BuyQty, "sell_qty", t.SellQty)
		default:
			key := t.RawStatus
			if key == "" {
				key = string(t.SellStatus)
			}
			s.StatusCounts[strings.ToLower(key)]++
		}
	}

	for _, a := range anomalies {
		if a.Symbol == "" || !inWindow(eventTime(a.OpenedAt, a.ClosedAt), start, end) {
			continue
		}
		s := get(a.Symbol)
		s.TotalCount++
		s.AnomalyCount++
	}

	for _, p := range positions {
		if p.AcquiredAt.IsZero() || !p.AcquiredAt.Before(start) {
			continue
		}
		s := get(p.Symbol)
		s.StaleCount++
		s.TotalCount++
	}

	for _, s := range stats {
		s.Finalize()
	}
	return stats
}
