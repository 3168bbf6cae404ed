package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*TradierBroker)(nil)

const tradierPageSize = 100

// TradierBroker implements Broker against the Tradier brokerage REST API.
// Brackets are sent as "oto" orders: leg 0 is the buy, leg 1 the sell.
type TradierBroker struct {
	rc        *restClient
	accountID string
	cal       *util.TradingCalendar
	log       *slog.Logger
}

// NewTradierBroker creates a Tradier broker for one account.
func NewTradierBroker(rc *restClient, accountID string, cal *util.TradingCalendar, log *slog.Logger) *TradierBroker {
	return &TradierBroker{
		rc:        rc,
		accountID: accountID,
		cal:       cal,
		log:       log.With("broker", "tradier"),
	}
}

// Name returns "tradier".
func (b *TradierBroker) Name() string { return "tradier" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type tradierQuote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

type tradierLeg struct {
	ID              json.Number     `json:"id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Status          string          `json:"status"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	ExecQuantity    decimal.Decimal `json:"exec_quantity"`
	CreateDate      string          `json:"create_date"`
	TransactionDate string          `json:"transaction_date"`
	Tag             string          `json:"tag"`
}

type tradierOrder struct {
	tradierLeg
	Class string                `json:"class"`
	Leg   oneOrMany[tradierLeg] `json:"leg"`
}

type tradierPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	DateAcquired string          `json:"date_acquired"`
}

type tradierDay struct {
	Date   string `json:"date"`
	Status string `json:"status"`
	Open   struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"open"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetQuotes fetches quotes for all symbols in one request.
func (b *TradierBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	var resp struct {
		Quotes json.RawMessage `json:"quotes"`
	}
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := b.rc.get(ctx, "/v1/markets/quotes", q, []string{"quotes"}, &resp); err != nil {
		return nil, err
	}
	if isNull(resp.Quotes) {
		return out, nil
	}
	var body struct {
		Quote oneOrMany[tradierQuote] `json:"quote"`
	}
	if err := json.Unmarshal(resp.Quotes, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding quotes: %v", domain.ErrBrokerUnavailable, err)
	}
	for _, tq := range body.Quote {
		sym := strings.ToUpper(tq.Symbol)
		out[sym] = domain.Quote{Symbol: sym, Bid: tq.Bid, Ask: tq.Ask, Last: tq.Last}
	}
	return out, nil
}

// GetSession reads the month's calendar and returns the entry for t's day.
func (b *TradierBroker) GetSession(ctx context.Context, t time.Time) (*domain.MarketSession, error) {
	lt := t.In(b.cal.Location())
	q := url.Values{
		"month": {strconv.Itoa(int(lt.Month()))},
		"year":  {strconv.Itoa(lt.Year())},
	}
	var resp struct {
		Calendar struct {
			Days json.RawMessage `json:"days"`
		} `json:"calendar"`
	}
	if err := b.rc.get(ctx, "/v1/markets/calendar", q, []string{"calendar"}, &resp); err != nil {
		return nil, err
	}
	if isNull(resp.Calendar.Days) {
		return nil, ErrSessionNotFound
	}
	var days struct {
		Day oneOrMany[tradierDay] `json:"day"`
	}
	if err := json.Unmarshal(resp.Calendar.Days, &days); err != nil {
		return nil, fmt.Errorf("%w: decoding calendar: %v", domain.ErrBrokerUnavailable, err)
	}

	date := b.cal.Date(t)
	for _, d := range days.Day {
		if d.Date != date {
			continue
		}
		sess := &domain.MarketSession{Date: d.Date, IsOpen: d.Status == "open"}
		if !sess.IsOpen {
			return sess, nil
		}
		var err error
		if sess.Open, err = b.cal.ParseClock(d.Date, d.Open.Start); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		if sess.Close, err = b.cal.ParseClock(d.Date, d.Open.End); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		return sess, nil
	}
	return nil, ErrSessionNotFound
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitBracket places an oto order.
func (b *TradierBroker) SubmitBracket(ctx context.Context, o *domain.BracketOrder) (string, error) {
	qty := o.Quantity.String()
	form := url.Values{}
	form.Set("class", "oto")
	form.Set("duration", "day")
	form.Set("type[0]", "limit")
	form.Set("side[0]", "buy")
	form.Set("symbol[0]", o.Symbol)
	form.Set("quantity[0]", qty)
	form.Set("duration[0]", "day")
	form.Set("price[0]", o.BuyPrice.StringFixed(2))
	form.Set("type[1]", "limit")
	form.Set("side[1]", "sell")
	form.Set("symbol[1]", o.Symbol)
	form.Set("quantity[1]", qty)
	form.Set("duration[1]", "gtc")
	form.Set("price[1]", o.SellPrice.StringFixed(2))
	if o.ClientOrderID != "" {
		form.Set("tag", o.ClientOrderID)
	}

	path := fmt.Sprintf("/v1/accounts/%s/orders", b.accountID)
	var resp struct {
		Order *struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"order"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := b.rc.postForm(ctx, path, form, nil, &resp); err != nil {
		return "", err
	}
	if resp.Order == nil || resp.Order.ID == "" {
		return "", &APIError{StatusCode: 200, Method: "POST", Path: path, Body: string(resp.Errors)}
	}
	return resp.Order.ID.String(), nil
}

// CancelOrder cancels an order and its untriggered legs.
func (b *TradierBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.rc.delete(ctx, fmt.Sprintf("/v1/accounts/%s/orders/%s", b.accountID, orderID))
}

// GetOrders returns one page of the account's orders. The page token is the
// page number.
func (b *TradierBroker) GetOrders(ctx context.Context, pageToken string) (*domain.OrderPage, error) {
	page := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
		page = n
	}
	q := url.Values{
		"page":        {strconv.Itoa(page)},
		"limit":       {strconv.Itoa(tradierPageSize)},
		"includeTags": {"true"},
	}
	var resp struct {
		Orders json.RawMessage `json:"orders"`
	}
	if err := b.rc.get(ctx, fmt.Sprintf("/v1/accounts/%s/orders", b.accountID), q, []string{"orders"}, &resp); err != nil {
		return nil, err
	}

	result := &domain.OrderPage{}
	if isNull(resp.Orders) {
		return result, nil
	}
	var body struct {
		Order oneOrMany[tradierOrder] `json:"order"`
	}
	if err := json.Unmarshal(resp.Orders, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding orders: %v", domain.ErrBrokerUnavailable, err)
	}
	for _, o := range body.Order {
		result.Legs = append(result.Legs, b.legs(o)...)
	}
	if len(body.Order) == tradierPageSize {
		result.NextToken = strconv.Itoa(page + 1)
	}
	return result, nil
}

// GetHistory pages the order list and keeps legs opened since the given time.
// Tradier keeps recent orders on the same endpoint.
func (b *TradierBroker) GetHistory(ctx context.Context, since time.Time, pageToken string) (*domain.OrderPage, error) {
	page, err := b.GetOrders(ctx, pageToken)
	if err != nil {
		return nil, err
	}
	kept := page.Legs[:0]
	for _, l := range page.Legs {
		if l.OpenedAt.IsZero() || !l.OpenedAt.Before(since) {
			kept = append(kept, l)
		}
	}
	page.Legs = kept
	return page, nil
}

// legs flattens an order. For oto orders the sell leg is linked to the buy
// leg; both cancel through the parent order ID.
func (b *TradierBroker) legs(o tradierOrder) []domain.OrderLeg {
	parent := o.ID.String()
	if len(o.Leg) == 0 {
		return []domain.OrderLeg{tradierToLeg(o.tradierLeg, parent, o.Tag)}
	}
	var (
		out   []domain.OrderLeg
		buyID string
	)
	for _, l := range o.Leg {
		leg := tradierToLeg(l, parent, o.Tag)
		switch leg.Side {
		case domain.OrderSideBuy:
			if buyID == "" {
				buyID = leg.ID
			}
		case domain.OrderSideSell:
			leg.ParentID = buyID
		}
		out = append(out, leg)
	}
	if buyID == "" {
		b.log.Warn("oto order without buy leg", "order_id", parent)
	}
	return out
}

func tradierToLeg(l tradierLeg, orderID, tag string) domain.OrderLeg {
	leg := domain.OrderLeg{
		ID:            l.ID.String(),
		OrderID:       orderID,
		ClientOrderID: tag,
		Symbol:        strings.ToUpper(l.Symbol),
		Side:          domain.ParseOrderSide(l.Side),
		Quantity:      l.Quantity,
		FilledQty:     l.ExecQuantity,
		Price:         l.Price,
		FillPrice:     l.AvgFillPrice,
		Status:        tradierStatus(l.Status),
		RawStatus:     l.Status,
		OpenedAt:      parseTime(l.CreateDate),
	}
	if !leg.Status.IsOpen() && leg.Status != domain.OrderStatusPartiallyFilled {
		leg.ClosedAt = parseTime(l.TransactionDate)
	}
	return leg
}

func tradierStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "open":
		return domain.OrderStatusOpen
	case "held":
		return domain.OrderStatusHeld
	case "pending":
		return domain.OrderStatusPending
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusOther
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// GetPositions returns current holdings.
func (b *TradierBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Positions json.RawMessage `json:"positions"`
	}
	if err := b.rc.get(ctx, fmt.Sprintf("/v1/accounts/%s/positions", b.accountID), nil, []string{"positions"}, &resp); err != nil {
		return nil, err
	}
	if isNull(resp.Positions) {
		return nil, nil
	}
	var body struct {
		Position oneOrMany[tradierPosition] `json:"position"`
	}
	if err := json.Unmarshal(resp.Positions, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding positions: %v", domain.ErrBrokerUnavailable, err)
	}
	out := make([]domain.Position, 0, len(body.Position))
	for _, p := range body.Position {
		out = append(out, domain.Position{
			Symbol:     strings.ToUpper(p.Symbol),
			Quantity:   p.Quantity,
			CostBasis:  p.CostBasis,
			AcquiredAt: parseTime(p.DateAcquired),
		})
	}
	return out, nil
}

// GetBalance returns cash balances. Cash accounts report cash_available;
// total_cash is the fallback.
func (b *TradierBroker) GetBalance(ctx context.Context) (*domain.Balance, error) {
	var resp struct {
		Balances struct {
			TotalCash decimal.Decimal `json:"total_cash"`
			Cash      *struct {
				CashAvailable decimal.Decimal `json:"cash_available"`
			} `json:"cash"`
			Margin *struct {
				StockBuyingPower decimal.Decimal `json:"stock_buying_power"`
			} `json:"margin"`
		} `json:"balances"`
	}
	if err := b.rc.get(ctx, fmt.Sprintf("/v1/accounts/%s/balances", b.accountID), nil, []string{"balances"}, &resp); err != nil {
		return nil, err
	}
	bal := &domain.Balance{Cash: resp.Balances.TotalCash}
	if resp.Balances.Cash != nil {
		bal.CashAvailable = resp.Balances.Cash.CashAvailable
	}
	if resp.Balances.Margin != nil {
		bal.BuyingPower = resp.Balances.Margin.StockBuyingPower
	}
	return bal, nil
}
