// Package engine places bracket orders within the daily spend budget, cancels
// buy orders that rested too long, and serializes those operations per
// account through Session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"brackettrader/internal/broker"
	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/metrics"
	"brackettrader/internal/reconcile"
	"brackettrader/internal/store"
)

// SkipReason says why a configured symbol got no order this cycle.
type SkipReason string

const (
	SkipInvalidConfig SkipReason = "invalid_config"
	SkipBusy          SkipReason = "open_activity"
	SkipNoQuote       SkipReason = "no_quote"
	SkipBudget        SkipReason = "budget"
	SkipRejected      SkipReason = "rejected"
)

// Placement is one submitted bracket. Confirmed is false when the broker
// call failed ambiguously and the order may or may not exist.
type Placement struct {
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	Confirmed     bool            `json:"confirmed"`
}

// PlaceResult summarizes one PlaceOrders call.
type PlaceResult struct {
	Placed  []Placement
	Skipped map[string]SkipReason
}

// CycleResult summarizes one RunCycle call.
type CycleResult struct {
	Reclaimed decimal.Decimal
	Place     *PlaceResult
}

// Options configure an Engine.
type Options struct {
	// Account labels audit events and metrics.
	Account     string
	AccountType domain.AccountType
	SpendPerDay decimal.Decimal
	Stocks      map[string]config.SymbolConfig
	// Events, when set, receives every placement and cancel attempt.
	Events store.OrderEventStore
	Now    func() time.Time
}

// Engine decides and submits orders for one account. It is not safe for
// concurrent use.
type Engine struct {
	broker      broker.Broker
	recon       *reconcile.Reconciler
	budget      *Budget
	account     string
	accountType domain.AccountType
	spendPerDay decimal.Decimal
	stocks      map[string]config.SymbolConfig
	events      store.OrderEventStore
	now         func() time.Time
	log         *slog.Logger
}

// NewEngine creates an Engine. The reconciler provides the open-book
// snapshot used to skip symbols with activity.
func NewEngine(b broker.Broker, recon *reconcile.Reconciler, budget *Budget, opts Options, log *slog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AccountType == "" {
		opts.AccountType = domain.AccountTypeCash
	}
	if log == nil {
		log = slog.Default()
	}
	stocks := make(map[string]config.SymbolConfig, len(opts.Stocks))
	for sym, sc := range opts.Stocks {
		stocks[strings.ToUpper(sym)] = sc
	}
	return &Engine{
		broker:      b,
		recon:       recon,
		budget:      budget,
		account:     opts.Account,
		accountType: opts.AccountType,
		spendPerDay: opts.SpendPerDay,
		stocks:      stocks,
		events:      opts.Events,
		now:         opts.Now,
		log:         log.With("component", "engine", "account", opts.Account),
	}
}

// Budget returns the engine's spend budget.
func (e *Engine) Budget() *Budget { return e.budget }

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// candidate is a symbol that passed the config and open-book checks.
type candidate struct {
	symbol string
	qty    decimal.Decimal
	profit decimal.Decimal
}

// PlaceOrders submits at most one bracket per configured symbol. It takes
// one open-book snapshot and one quote batch per call and visits symbols in
// sorted order. Per-symbol problems are logged and skipped; only failures to
// read the book or quotes, fatal auth errors and cancellation are returned.
func (e *Engine) PlaceOrders(ctx context.Context) (*PlaceResult, error) {
	res := &PlaceResult{Skipped: make(map[string]SkipReason)}
	skip := func(symbol string, reason SkipReason) {
		res.Skipped[symbol] = reason
		metrics.Skips.WithLabelValues(e.account, string(reason)).Inc()
	}

	book, err := e.recon.OpenBook(ctx)
	if err != nil {
		return nil, fmt.Errorf("open book: %w", err)
	}

	symbols := make([]string, 0, len(e.stocks))
	for sym := range e.stocks {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var cands []candidate
	for _, sym := range symbols {
		sc := e.stocks[sym]
		if err := config.ValidateSymbol(sym, sc); err != nil {
			e.log.Error("skipping symbol", "symbol", sym, "error", err)
			skip(sym, SkipInvalidConfig)
			continue
		}
		if book.Busy(sym) {
			e.log.Debug("open activity, skipping", "symbol", sym)
			skip(sym, SkipBusy)
			continue
		}
		cands = append(cands, candidate{
			symbol: sym,
			qty:    decimal.NewFromInt(int64(sc.Qty)),
			profit: decimal.NewFromFloat(sc.Profit),
		})
	}
	if len(cands) == 0 {
		return res, nil
	}

	want := make([]string, len(cands))
	for i, c := range cands {
		want[i] = c.symbol
	}
	quotes, err := e.broker.GetQuotes(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("quotes: %w", err)
	}

	for _, c := range cands {
		q, ok := quotes[c.symbol]
		if !ok || !q.Bid.IsPositive() {
			e.log.Info("no usable bid, skipping", "symbol", c.symbol, "bid", q.Bid)
			skip(c.symbol, SkipNoQuote)
			continue
		}

		buy := q.Bid.Round(2)
		sell := buy.Add(c.profit).Round(2)
		if !sell.GreaterThan(buy) {
			e.log.Error("skipping symbol", "symbol", c.symbol,
				"error", fmt.Errorf("%w: sell %s not above buy %s", domain.ErrConfiguration, sell, buy))
			skip(c.symbol, SkipInvalidConfig)
			continue
		}

		order := &domain.BracketOrder{
			Symbol:        c.symbol,
			Quantity:      c.qty,
			BuyPrice:      buy,
			SellPrice:     sell,
			ClientOrderID: uuid.NewString(),
		}
		cost := order.Cost()
		if !e.budget.CanSpend(cost) {
			e.log.Info("daily budget reached, skipping", "symbol", c.symbol,
				"cost", cost, "spent", e.budget.Spent(), "cap", e.budget.Cap())
			skip(c.symbol, SkipBudget)
			continue
		}

		p, err := e.submit(ctx, order)
		if err != nil {
			return res, err
		}
		if p == nil {
			skip(c.symbol, SkipRejected)
			continue
		}
		res.Placed = append(res.Placed, *p)
	}
	return res, nil
}

// submit sends one bracket and settles the budget. A nil Placement with a nil
// error means the broker rejected the order. Errors are returned only when
// the run must stop.
func (e *Engine) submit(ctx context.Context, order *domain.BracketOrder) (*Placement, error) {
	cost := order.Cost()
	p := &Placement{
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Quantity:      order.Quantity,
		BuyPrice:      order.BuyPrice,
		SellPrice:     order.SellPrice,
	}
	ev := &store.OrderEvent{
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Quantity:      order.Quantity,
		Price:         order.BuyPrice,
		Amount:        cost,
	}

	orderID, err := e.broker.SubmitBracket(ctx, order)
	var apiErr *broker.APIError
	switch {
	case err == nil:
		e.budget.Spend(cost)
		p.OrderID, p.Confirmed = orderID, true
		ev.Kind, ev.OrderID = store.EventPlaced, orderID
		e.log.Info("bracket placed", "symbol", order.Symbol, "order_id", orderID,
			"qty", order.Quantity, "buy", order.BuyPrice, "sell", order.SellPrice,
			"spent", e.budget.Spent(), "cap", e.budget.Cap())

	case domain.IsFatal(err):
		return nil, err

	case errors.As(err, &apiErr):
		ev.Kind, ev.Detail = store.EventRejected, err.Error()
		e.log.Warn("bracket rejected", "symbol", order.Symbol, "status", apiErr.StatusCode, "error", err)
		e.record(ctx, ev)
		metrics.Orders.WithLabelValues(e.account, store.EventRejected).Inc()
		return nil, nil

	default:
		// The request may have reached the broker. Count the cost and let
		// the next open-book snapshot show whether the order exists.
		e.budget.Spend(cost)
		ev.Kind, ev.Detail = store.EventUnconfirmed, err.Error()
		e.log.Error("bracket submission unconfirmed", "symbol", order.Symbol,
			"client_order_id", order.ClientOrderID, "error", err)
	}

	e.record(ctx, ev)
	metrics.Orders.WithLabelValues(e.account, ev.Kind).Inc()
	e.observeBudget()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return p, ctxErr
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// CancelStaleOrders cancels open, unfilled buy legs older than maxAge and
// reclaims their reserved amount. Buy legs that filled, and the sells they
// triggered, are never touched. It returns the total reclaimed.
func (e *Engine) CancelStaleOrders(ctx context.Context, maxAge time.Duration) (decimal.Decimal, error) {
	book, err := e.recon.OpenBook(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("open book: %w", err)
	}

	now := e.now()
	reclaimed := decimal.Zero
	for _, leg := range book.OpenBuys() {
		if !leg.FilledQty.IsZero() || leg.OpenedAt.IsZero() {
			continue
		}
		age := now.Sub(leg.OpenedAt)
		if age <= maxAge {
			continue
		}

		amount := leg.ReservedAmount()
		ev := &store.OrderEvent{
			Symbol:        leg.Symbol,
			OrderID:       leg.OrderID,
			ClientOrderID: leg.ClientOrderID,
			Quantity:      leg.Quantity,
			Price:         leg.Price,
			Amount:        amount,
		}
		if err := e.broker.CancelOrder(ctx, leg.OrderID); err != nil {
			if domain.IsFatal(err) {
				return reclaimed, err
			}
			ev.Kind, ev.Detail = store.EventCancelFailed, err.Error()
			e.record(ctx, ev)
			metrics.Cancels.WithLabelValues(e.account, "failed").Inc()
			e.log.Warn("cancel failed", "symbol", leg.Symbol, "order_id", leg.OrderID, "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return reclaimed, ctxErr
			}
			continue
		}

		e.budget.Reclaim(amount)
		reclaimed = reclaimed.Add(amount)
		ev.Kind = store.EventCanceled
		e.record(ctx, ev)
		metrics.Cancels.WithLabelValues(e.account, "canceled").Inc()
		e.log.Info("stale buy canceled", "symbol", leg.Symbol, "order_id", leg.OrderID,
			"age", age.Round(time.Second), "reclaimed", amount, "spent", e.budget.Spent())
	}
	e.observeBudget()
	return reclaimed, nil
}

// RunCycle cancels stale buys and then places new brackets, so reclaimed
// budget is available to the placement in the same cycle. A non-fatal
// cancellation failure does not stop placement.
func (e *Engine) RunCycle(ctx context.Context, maxAge time.Duration) (*CycleResult, error) {
	start := time.Now()
	defer func() {
		metrics.CycleSeconds.WithLabelValues(e.account).Observe(time.Since(start).Seconds())
	}()

	res := &CycleResult{Reclaimed: decimal.Zero}
	reclaimed, err := e.CancelStaleOrders(ctx, maxAge)
	res.Reclaimed = reclaimed
	if err != nil {
		if domain.IsFatal(err) || ctx.Err() != nil {
			return res, err
		}
		e.log.Error("cancel pass failed", "error", err)
	}

	placed, err := e.PlaceOrders(ctx)
	res.Place = placed
	return res, err
}

// ---------------------------------------------------------------------------
// Budget sizing
// ---------------------------------------------------------------------------

// SpendingAmount is today's cap: half the available cash for a cash account
// (total cash when available cash is not reported), or the configured
// amount for a margin account.
func (e *Engine) SpendingAmount(ctx context.Context) (decimal.Decimal, error) {
	if e.accountType == domain.AccountTypeMargin {
		return e.spendPerDay.Round(2), nil
	}
	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	cash := bal.CashAvailable
	if !cash.IsPositive() {
		cash = bal.Cash
	}
	if cash.IsNegative() {
		cash = decimal.Zero
	}
	return cash.Div(decimal.NewFromInt(2)).Round(2), nil
}

// ResetBudget starts a new trading day with a cap from SpendingAmount.
func (e *Engine) ResetBudget(ctx context.Context) (decimal.Decimal, error) {
	amount, err := e.SpendingAmount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	e.budget.Reset(amount)
	e.observeBudget()
	e.log.Info("budget reset", "cap", amount)
	return amount, nil
}

func (e *Engine) observeBudget() {
	metrics.BudgetCap.WithLabelValues(e.account).Set(e.budget.Cap().InexactFloat64())
	metrics.BudgetSpent.WithLabelValues(e.account).Set(e.budget.Spent().InexactFloat64())
}

func (e *Engine) record(ctx context.Context, ev *store.OrderEvent) {
	if e.events == nil {
		return
	}
	ev.Account = e.account
	ev.CreatedAt = e.now()
	if err := e.events.RecordOrderEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Error("recording order event failed", "kind", ev.Kind, "symbol", ev.Symbol, "error", err)
	}
}
