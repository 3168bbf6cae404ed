package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

const alpacaPageSize = 500

// AlpacaBroker implements Broker with the Alpaca SDK. Brackets are OTO orders
// with a take-profit leg.
type AlpacaBroker struct {
	client *alpaca.Client
	data   *marketdata.Client
	cal    *util.TradingCalendar
	now    func() time.Time
	log    *slog.Logger
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints. An empty dataURL uses the SDK default.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string, cal *util.TradingCalendar, log *slog.Logger) *AlpacaBroker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(dataOpts),
		cal:  cal,
		now:  time.Now,
		log:  log.With("broker", "alpaca"),
	}
}

// SetClock replaces the time source that bounds the open order book.
func (b *AlpacaBroker) SetClock(now func() time.Time) { b.now = now }

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// wrapErr classifies SDK errors: HTTP refusals become *APIError, everything
// else is a transport failure.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &APIError{StatusCode: apiErr.StatusCode, Method: op, Path: "alpaca", Body: apiErr.Message}
	}
	return fmt.Errorf("%w: alpaca %s: %v", domain.ErrBrokerUnavailable, op, err)
}

// GetQuotes returns the latest quotes for symbols.
func (b *AlpacaBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	quotes, err := b.data.GetLatestQuotes(symbols, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, wrapErr("GetLatestQuotes", err)
	}
	for sym, q := range quotes {
		sym = strings.ToUpper(sym)
		out[sym] = domain.Quote{
			Symbol: sym,
			Bid:    decimal.NewFromFloat(q.BidPrice),
			Ask:    decimal.NewFromFloat(q.AskPrice),
		}
	}
	return out, nil
}

// GetSession reads the trading calendar for t's day.
func (b *AlpacaBroker) GetSession(ctx context.Context, t time.Time) (*domain.MarketSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	day := b.cal.Midnight(t)
	days, err := b.client.GetCalendar(alpaca.GetCalendarRequest{Start: day, End: day})
	if err != nil {
		return nil, wrapErr("GetCalendar", err)
	}
	date := b.cal.Date(t)
	for _, d := range days {
		if d.Date != date {
			continue
		}
		open, err := b.cal.ParseClock(d.Date, d.Open)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		closeAt, err := b.cal.ParseClock(d.Date, d.Close)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		return &domain.MarketSession{Date: d.Date, IsOpen: true, Open: open, Close: closeAt}, nil
	}
	// Alpaca lists trading days only.
	return &domain.MarketSession{Date: date}, nil
}

// SubmitBracket places an OTO limit buy with a take-profit limit sell. The
// take-profit leg inherits the parent's time in force.
func (b *AlpacaBroker) SubmitBracket(ctx context.Context, o *domain.BracketOrder) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	qty := o.Quantity
	buy := o.BuyPrice.Round(2)
	sell := o.SellPrice.Round(2)
	order, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &buy,
		OrderClass:    alpaca.OTO,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &sell},
		ClientOrderID: o.ClientOrderID,
	})
	if err != nil {
		return "", wrapErr("PlaceOrder", err)
	}
	return order.ID, nil
}

// CancelOrder cancels an order by ID.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr("CancelOrder", b.client.CancelOrder(orderID))
}

// GetOrders returns one page of today's orders, newest first. Both legs of a
// bracket are day orders, so nothing created before the exchange-local
// midnight can still be working. The page token is the creation time bound
// for the next page.
func (b *AlpacaBroker) GetOrders(ctx context.Context, pageToken string) (*domain.OrderPage, error) {
	return b.listOrders(ctx, b.cal.Midnight(b.now()), pageToken)
}

// GetHistory returns one page of orders created after since.
func (b *AlpacaBroker) GetHistory(ctx context.Context, since time.Time, pageToken string) (*domain.OrderPage, error) {
	return b.listOrders(ctx, since, pageToken)
}

func (b *AlpacaBroker) listOrders(ctx context.Context, after time.Time, pageToken string) (*domain.OrderPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{
		Status:    "all",
		Limit:     alpacaPageSize,
		After:     after,
		Direction: "desc",
		Nested:    true,
	}
	if pageToken != "" {
		until, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
		req.Until = until
	}
	orders, err := b.client.GetOrders(req)
	if err != nil {
		return nil, wrapErr("GetOrders", err)
	}

	page := &domain.OrderPage{}
	for _, o := range orders {
		parent := alpacaToLeg(o, o.ID)
		page.Legs = append(page.Legs, parent)
		for _, l := range o.Legs {
			leg := alpacaToLeg(l, o.ID)
			if leg.Side == domain.OrderSideSell {
				leg.ParentID = parent.ID
			}
			page.Legs = append(page.Legs, leg)
		}
	}
	if len(orders) == alpacaPageSize {
		page.NextToken = orders[len(orders)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

func alpacaToLeg(o alpaca.Order, orderID string) domain.OrderLeg {
	leg := domain.OrderLeg{
		ID:            o.ID,
		OrderID:       orderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        strings.ToUpper(o.Symbol),
		Side:          domain.ParseOrderSide(string(o.Side)),
		FilledQty:     o.FilledQty,
		Status:        alpacaStatus(o.Status),
		RawStatus:     o.Status,
		OpenedAt:      o.CreatedAt,
	}
	if o.Qty != nil {
		leg.Quantity = *o.Qty
	}
	if o.LimitPrice != nil {
		leg.Price = *o.LimitPrice
	}
	if o.FilledAvgPrice != nil {
		leg.FillPrice = *o.FilledAvgPrice
	}
	switch {
	case o.FilledAt != nil && leg.Status == domain.OrderStatusFilled:
		leg.ClosedAt = *o.FilledAt
	case o.CanceledAt != nil:
		leg.ClosedAt = *o.CanceledAt
	case o.ExpiredAt != nil:
		leg.ClosedAt = *o.ExpiredAt
	}
	return leg
}

func alpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "accepted_for_bidding":
		return domain.OrderStatusOpen
	case "held":
		return domain.OrderStatusHeld
	case "pending_new", "pending_cancel", "pending_replace":
		return domain.OrderStatusPending
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "expired", "done_for_day":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusOther
}

// GetPositions returns current holdings. Alpaca does not report acquisition
// time.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, wrapErr("GetPositions", err)
	}
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, domain.Position{
			Symbol:    strings.ToUpper(p.Symbol),
			Quantity:  p.Qty,
			CostBasis: p.CostBasis,
		})
	}
	return out, nil
}

// GetBalance returns account cash and buying power.
func (b *AlpacaBroker) GetBalance(ctx context.Context) (*domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, wrapErr("GetAccount", err)
	}
	return &domain.Balance{Cash: acct.Cash, BuyingPower: acct.BuyingPower}, nil
}
