package broker

import (
	"context"
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
var _ Broker = (*TradeStationBroker)(nil)

const tradeStationPageSize = 600

// TradeStationBroker implements Broker against the TradeStation v3 API.
// Brackets are sent as a buy with one OSO sell; every order in the listing is
// a single leg and a sell names its buy in ConditionalOrders.
type TradeStationBroker struct {
	rc        *restClient
	accountID string
	status    MarketStatusSource
	cal       *util.TradingCalendar
	log       *slog.Logger
}

// NewTradeStationBroker creates a TradeStation broker for one account.
// TradeStation has no calendar endpoint; status decides whether today's
// regular session is open.
func NewTradeStationBroker(rc *restClient, accountID string, status MarketStatusSource, cal *util.TradingCalendar, log *slog.Logger) *TradeStationBroker {
	return &TradeStationBroker{
		rc:        rc,
		accountID: accountID,
		status:    status,
		cal:       cal,
		log:       log.With("broker", "tradestation"),
	}
}

// Name returns "tradestation".
func (b *TradeStationBroker) Name() string { return "tradestation" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type tsTimeInForce struct {
	Duration string `json:"Duration"`
}

type tsOrderRequest struct {
	AccountID   string        `json:"AccountID"`
	Symbol      string        `json:"Symbol"`
	Quantity    string        `json:"Quantity"`
	OrderType   string        `json:"OrderType"`
	TradeAction string        `json:"TradeAction"`
	LimitPrice  string        `json:"LimitPrice"`
	Route       string        `json:"Route"`
	TimeInForce tsTimeInForce `json:"TimeInForce"`
	OSOs        []tsOSO       `json:"OSOs,omitempty"`
}

type tsOSO struct {
	Type   string           `json:"Type"`
	Orders []tsOrderRequest `json:"Orders"`
}

type tsOrderLeg struct {
	BuyOrSell       string          `json:"BuyOrSell"`
	Symbol          string          `json:"Symbol"`
	QuantityOrdered decimal.Decimal `json:"QuantityOrdered"`
	ExecQuantity    decimal.Decimal `json:"ExecQuantity"`
	ExecutionPrice  decimal.Decimal `json:"ExecutionPrice"`
}

type tsOrder struct {
	OrderID           string          `json:"OrderID"`
	Status            string          `json:"Status"`
	StatusDescription string          `json:"StatusDescription"`
	OpenedDateTime    string          `json:"OpenedDateTime"`
	ClosedDateTime    string          `json:"ClosedDateTime"`
	LimitPrice        decimal.Decimal `json:"LimitPrice"`
	CommissionFee     decimal.Decimal `json:"CommissionFee"`
	UnbundledRouteFee decimal.Decimal `json:"UnbundledRouteFee"`
	Legs              []tsOrderLeg    `json:"Legs"`
	ConditionalOrders []struct {
		OrderID      string `json:"OrderID"`
		Relationship string `json:"Relationship"`
	} `json:"ConditionalOrders"`
}

type tsOrderList struct {
	Orders    []tsOrder `json:"Orders"`
	NextToken string    `json:"NextToken"`
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// GetQuotes fetches quotes for all symbols in one request.
func (b *TradeStationBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	var resp struct {
		Quotes []struct {
			Symbol string          `json:"Symbol"`
			Bid    decimal.Decimal `json:"Bid"`
			Ask    decimal.Decimal `json:"Ask"`
			Last   decimal.Decimal `json:"Last"`
		} `json:"Quotes"`
	}
	path := "/marketdata/quotes/" + strings.Join(symbols, ",")
	if err := b.rc.get(ctx, path, nil, []string{"Quotes"}, &resp); err != nil {
		return nil, err
	}
	for _, q := range resp.Quotes {
		sym := strings.ToUpper(q.Symbol)
		out[sym] = domain.Quote{Symbol: sym, Bid: q.Bid, Ask: q.Ask, Last: q.Last}
	}
	return out, nil
}

// GetSession returns the regular session for t's day, marked open when the
// status source reports the exchange open.
func (b *TradeStationBroker) GetSession(ctx context.Context, t time.Time) (*domain.MarketSession, error) {
	sess := b.cal.RegularSession(t)
	if !sess.IsOpen {
		return &sess, nil
	}
	if b.status == nil {
		return &sess, nil
	}
	open, err := b.status.MarketOpen(ctx)
	if err != nil {
		return nil, err
	}
	sess.IsOpen = open
	return &sess, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitBracket places a Day limit buy with a GTC limit sell as its OSO.
func (b *TradeStationBroker) SubmitBracket(ctx context.Context, o *domain.BracketOrder) (string, error) {
	qty := o.Quantity.String()
	payload := tsOrderRequest{
		AccountID:   b.accountID,
		Symbol:      o.Symbol,
		Quantity:    qty,
		OrderType:   "Limit",
		TradeAction: "Buy",
		LimitPrice:  o.BuyPrice.StringFixed(2),
		Route:       "Intelligent",
		TimeInForce: tsTimeInForce{Duration: "DAY"},
		OSOs: []tsOSO{{
			Type: "Normal",
			Orders: []tsOrderRequest{{
				AccountID:   b.accountID,
				Symbol:      o.Symbol,
				Quantity:    qty,
				OrderType:   "Limit",
				TradeAction: "Sell",
				LimitPrice:  o.SellPrice.StringFixed(2),
				Route:       "Intelligent",
				TimeInForce: tsTimeInForce{Duration: "GTC"},
			}},
		}},
	}

	var resp struct {
		Orders []struct {
			OrderID string `json:"OrderID"`
			Message string `json:"Message"`
			Error   string `json:"Error"`
		} `json:"Orders"`
		Errors []struct {
			OrderID string `json:"OrderID"`
			Error   string `json:"Error"`
			Message string `json:"Message"`
		} `json:"Errors"`
	}
	const path = "/orderexecution/orders"
	if err := b.rc.postJSON(ctx, path, payload, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Errors) > 0 || len(resp.Orders) == 0 || resp.Orders[0].OrderID == "" {
		msg := "no order in response"
		if len(resp.Errors) > 0 {
			msg = resp.Errors[0].Error + ": " + resp.Errors[0].Message
		}
		return "", &APIError{StatusCode: 200, Method: "POST", Path: path, Body: msg}
	}
	return resp.Orders[0].OrderID, nil
}

// CancelOrder cancels one order.
func (b *TradeStationBroker) CancelOrder(ctx context.Context, orderID string) error {
	return b.rc.delete(ctx, "/orderexecution/orders/"+url.PathEscape(orderID))
}

// GetOrders returns one page of today's orders.
func (b *TradeStationBroker) GetOrders(ctx context.Context, pageToken string) (*domain.OrderPage, error) {
	q := url.Values{"pageSize": {strconv.Itoa(tradeStationPageSize)}}
	if pageToken != "" {
		q.Set("nextToken", pageToken)
	}
	return b.listOrders(ctx, fmt.Sprintf("/brokerage/accounts/%s/orders", b.accountID), q)
}

// GetHistory returns one page of historical orders since the given day.
func (b *TradeStationBroker) GetHistory(ctx context.Context, since time.Time, pageToken string) (*domain.OrderPage, error) {
	q := url.Values{
		"since":    {since.In(b.cal.Location()).Format("2006-01-02")},
		"pageSize": {strconv.Itoa(tradeStationPageSize)},
	}
	if pageToken != "" {
		q.Set("nextToken", pageToken)
	}
	return b.listOrders(ctx, fmt.Sprintf("/brokerage/accounts/%s/historicalorders", b.accountID), q)
}

func (b *TradeStationBroker) listOrders(ctx context.Context, path string, q url.Values) (*domain.OrderPage, error) {
	var resp tsOrderList
	if err := b.rc.get(ctx, path, q, []string{"Orders"}, &resp); err != nil {
		return nil, err
	}
	page := &domain.OrderPage{NextToken: resp.NextToken}
	for _, o := range resp.Orders {
		leg, ok := b.toLeg(o)
		if !ok {
			continue
		}
		page.Legs = append(page.Legs, leg)
	}
	return page, nil
}

// toLeg maps one order. Orders without legs are not brackets and are
// skipped.
func (b *TradeStationBroker) toLeg(o tsOrder) (domain.OrderLeg, bool) {
	if len(o.Legs) == 0 {
		b.log.Warn("order without legs", "order_id", o.OrderID, "status", o.Status)
		return domain.OrderLeg{}, false
	}
	l := o.Legs[0]
	leg := domain.OrderLeg{
		ID:        o.OrderID,
		OrderID:   o.OrderID,
		Symbol:    strings.ToUpper(l.Symbol),
		Side:      domain.ParseOrderSide(l.BuyOrSell),
		Quantity:  l.QuantityOrdered,
		FilledQty: l.ExecQuantity,
		Price:     o.LimitPrice,
		FillPrice: l.ExecutionPrice,
		Status:    tradeStationStatus(o.Status),
		RawStatus: strings.ToLower(o.StatusDescription),
		Fees:      o.CommissionFee.Add(o.UnbundledRouteFee),
		OpenedAt:  parseTime(o.OpenedDateTime),
		ClosedAt:  parseTime(o.ClosedDateTime),
	}
	if leg.RawStatus == "" {
		leg.RawStatus = strings.ToLower(o.Status)
	}
	if leg.Side == domain.OrderSideSell && len(o.ConditionalOrders) > 0 {
		leg.ParentID = o.ConditionalOrders[0].OrderID
	}
	return leg, true
}

func tradeStationStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "OPN", "ACK", "UCH":
		return domain.OrderStatusOpen
	case "DON", "PLA", "RSN":
		return domain.OrderStatusPending
	case "OSO":
		return domain.OrderStatusHeld
	case "FLP", "FPR":
		return domain.OrderStatusPartiallyFilled
	case "FLL":
		return domain.OrderStatusFilled
	case "OUT", "CAN", "UCN":
		return domain.OrderStatusCancelled
	case "EXP":
		return domain.OrderStatusExpired
	case "REJ", "BRO":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusOther
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// GetPositions returns current holdings.
func (b *TradeStationBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp struct {
		Positions []struct {
			Symbol    string          `json:"Symbol"`
			Quantity  decimal.Decimal `json:"Quantity"`
			TotalCost decimal.Decimal `json:"TotalCost"`
			Timestamp string          `json:"Timestamp"`
		} `json:"Positions"`
	}
	if err := b.rc.get(ctx, fmt.Sprintf("/brokerage/accounts/%s/positions", b.accountID), nil, []string{"Positions"}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, domain.Position{
			Symbol:     strings.ToUpper(p.Symbol),
			Quantity:   p.Quantity,
			CostBasis:  p.TotalCost,
			AcquiredAt: parseTime(p.Timestamp),
		})
	}
	return out, nil
}

// GetBalance returns the balances of the configured account.
func (b *TradeStationBroker) GetBalance(ctx context.Context) (*domain.Balance, error) {
	var resp struct {
		Balances []struct {
			AccountID   string          `json:"AccountID"`
			CashBalance decimal.Decimal `json:"CashBalance"`
			BuyingPower decimal.Decimal `json:"BuyingPower"`
		} `json:"Balances"`
	}
	if err := b.rc.get(ctx, fmt.Sprintf("/brokerage/accounts/%s/balances", b.accountID), nil, []string{"Balances"}, &resp); err != nil {
		return nil, err
	}
	for _, bal := range resp.Balances {
		if bal.AccountID == b.accountID {
			return &domain.Balance{Cash: bal.CashBalance, BuyingPower: bal.BuyingPower}, nil
		}
	}
	return nil, fmt.Errorf("%w: no balances for account %s", domain.ErrBrokerUnavailable, b.accountID)
}
