package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface for paper trading and
// tests. It keeps orders, positions and quotes in memory without making
// external API calls. Fills happen only when FillBuy or FillSell is called.
type SimulatorBroker struct {
	mu sync.Mutex

	cal      *util.TradingCalendar
	now      func() time.Time
	pageSize int
	nextID   int

	quotes    map[string]domain.Quote
	legs      []*domain.OrderLeg
	positions map[string]*domain.Position
	balance   domain.Balance
	sessions  map[string]*domain.MarketSession

	submitErr error
	cancelErr error

	submits int
	cancels []string
}

// NewSimulatorBroker creates an empty simulator. A nil calendar uses
// America/New_York.
func NewSimulatorBroker(cal *util.TradingCalendar) *SimulatorBroker {
	if cal == nil {
		cal, _ = util.NewTradingCalendar(nil)
	}
	return &SimulatorBroker{
		cal:       cal,
		now:       time.Now,
		pageSize:  100,
		nextID:    1000,
		quotes:    make(map[string]domain.Quote),
		positions: make(map[string]*domain.Position),
		sessions:  make(map[string]*domain.MarketSession),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// SetClock replaces the time source used for order timestamps.
func (b *SimulatorBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetPageSize sets how many legs GetOrders and GetHistory return per page.
func (b *SimulatorBroker) SetPageSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.pageSize = n
	}
}

// SetQuote sets the top of book for a symbol.
func (b *SimulatorBroker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	b.quotes[symbol] = domain.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: bid}
}

// SetBalance sets the account balances.
func (b *SimulatorBroker) SetBalance(bal domain.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = bal
}

// SetSession overrides the calendar entry for a date. Dates without an
// override use the regular session.
func (b *SimulatorBroker) SetSession(sess domain.MarketSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sess.Date] = &sess
}

// AddPosition records a holding.
func (b *SimulatorBroker) AddPosition(p domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p.Symbol = strings.ToUpper(p.Symbol)
	b.positions[p.Symbol] = &p
}

// AddLegs appends raw legs to the order listing.
func (b *SimulatorBroker) AddLegs(legs ...domain.OrderLeg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range legs {
		l := legs[i]
		b.legs = append(b.legs, &l)
	}
}

// FailSubmit makes every SubmitBracket return err until cleared with nil.
func (b *SimulatorBroker) FailSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// FailCancel makes every CancelOrder return err until cleared with nil.
func (b *SimulatorBroker) FailCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// Submits returns how many brackets were accepted.
func (b *SimulatorBroker) Submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// Cancels returns the order IDs canceled so far.
func (b *SimulatorBroker) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancels...)
}

// Legs returns a snapshot of all legs.
func (b *SimulatorBroker) Legs() []domain.OrderLeg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderLeg, len(b.legs))
	for i, l := range b.legs {
		out[i] = *l
	}
	return out
}

// FillBuy fills the buy leg of an order at its limit price, creates the
// position, and releases the sell leg.
func (b *SimulatorBroker) FillBuy(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	buy := b.find(orderID, domain.OrderSideBuy)
	if buy == nil || !buy.Status.IsOpen() {
		return fmt.Errorf("no open buy for order %s", orderID)
	}
	buy.Status, buy.RawStatus = domain.OrderStatusFilled, "filled"
	buy.FilledQty, buy.FillPrice, buy.ClosedAt = buy.Quantity, buy.Price, now

	pos := b.positions[buy.Symbol]
	if pos == nil {
		pos = &domain.Position{Symbol: buy.Symbol, AcquiredAt: now}
		b.positions[buy.Symbol] = pos
	}
	pos.Quantity = pos.Quantity.Add(buy.Quantity)
	pos.CostBasis = pos.CostBasis.Add(buy.ReservedAmount())

	if sell := b.find(orderID, domain.OrderSideSell); sell != nil {
		sell.Status, sell.RawStatus = domain.OrderStatusOpen, "open"
	}
	return nil
}

// FillSell fills the sell leg of an order at its limit price and reduces
// the position.
func (b *SimulatorBroker) FillSell(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sell := b.find(orderID, domain.OrderSideSell)
	if sell == nil || sell.Status != domain.OrderStatusOpen {
		return fmt.Errorf("no open sell for order %s", orderID)
	}
	sell.Status, sell.RawStatus = domain.OrderStatusFilled, "filled"
	sell.FilledQty, sell.FillPrice, sell.ClosedAt = sell.Quantity, sell.Price, b.now()

	if pos := b.positions[sell.Symbol]; pos != nil {
		pos.Quantity = pos.Quantity.Sub(sell.Quantity)
		if !pos.Quantity.IsPositive() {
			delete(b.positions, sell.Symbol)
		}
	}
	return nil
}

func (b *SimulatorBroker) find(orderID string, side domain.OrderSide) *domain.OrderLeg {
	for _, l := range b.legs {
		if l.OrderID == orderID && l.Side == side {
			return l
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Broker implementation
// ---------------------------------------------------------------------------

// GetQuotes returns the configured quotes.
func (b *SimulatorBroker) GetQuotes(_ context.Context, symbols []string) (map[string]domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]domain.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := b.quotes[strings.ToUpper(s)]; ok {
			out[q.Symbol] = q
		}
	}
	return out, nil
}

// GetSession returns the override for t's date or the regular session.
func (b *SimulatorBroker) GetSession(_ context.Context, t time.Time) (*domain.MarketSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sess, ok := b.sessions[b.cal.Date(t)]; ok {
		cp := *sess
		return &cp, nil
	}
	sess := b.cal.RegularSession(t)
	return &sess, nil
}

// SubmitBracket records an open buy and a held sell.
func (b *SimulatorBroker) SubmitBracket(_ context.Context, o *domain.BracketOrder) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	now := b.now()
	orderID := b.id()
	buy := &domain.OrderLeg{
		ID:            orderID,
		OrderID:       orderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        strings.ToUpper(o.Symbol),
		Side:          domain.OrderSideBuy,
		Quantity:      o.Quantity,
		Price:         o.BuyPrice,
		Status:        domain.OrderStatusOpen,
		RawStatus:     "open",
		OpenedAt:      now,
	}
	sell := &domain.OrderLeg{
		ID:            b.id(),
		OrderID:       orderID,
		ParentID:      orderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        buy.Symbol,
		Side:          domain.OrderSideSell,
		Quantity:      o.Quantity,
		Price:         o.SellPrice,
		Status:        domain.OrderStatusHeld,
		RawStatus:     "held",
		OpenedAt:      now,
	}
	b.legs = append(b.legs, buy, sell)
	b.submits++
	return orderID, nil
}

func (b *SimulatorBroker) id() string {
	b.nextID++
	return strconv.Itoa(b.nextID)
}

// CancelOrder cancels every open leg of the order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	found := false
	now := b.now()
	for _, l := range b.legs {
		if l.OrderID == orderID && l.Status.IsOpen() {
			l.Status, l.RawStatus, l.ClosedAt = domain.OrderStatusCancelled, "canceled", now
			found = true
		}
	}
	if !found {
		return &APIError{StatusCode: 400, Method: "DELETE", Path: "/orders/" + orderID, Body: "order not cancelable"}
	}
	b.cancels = append(b.cancels, orderID)
	return nil
}

// GetOrders pages through all legs. The page token is the offset.
func (b *SimulatorBroker) GetOrders(_ context.Context, pageToken string) (*domain.OrderPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page(b.legs, pageToken)
}

// GetHistory pages through legs opened since the given time.
func (b *SimulatorBroker) GetHistory(_ context.Context, since time.Time, pageToken string) (*domain.OrderPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var legs []*domain.OrderLeg
	for _, l := range b.legs {
		if !l.OpenedAt.Before(since) {
			legs = append(legs, l)
		}
	}
	return b.page(legs, pageToken)
}

func (b *SimulatorBroker) page(legs []*domain.OrderLeg, token string) (*domain.OrderPage, error) {
	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid page token %q", token)
		}
		offset = n
	}
	page := &domain.OrderPage{}
	end := min(offset+b.pageSize, len(legs))
	for i := offset; i < end; i++ {
		page.Legs = append(page.Legs, *legs[i])
	}
	if end < len(legs) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// GetPositions returns holdings sorted by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetBalance returns the configured balances.
func (b *SimulatorBroker) GetBalance(_ context.Context) (*domain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balance
	return &bal, nil
}
