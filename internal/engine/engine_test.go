package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/broker"
	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/reconcile"
	"brackettrader/internal/store"
	"brackettrader/internal/util"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	eng   *Engine
	sim   *broker.SimulatorBroker
	clock *testClock
	cal   *util.TradingCalendar
}

func newFixture(t *testing.T, stocks map[string]config.SymbolConfig, budgetCap string, opts Options) *fixture {
	t.Helper()
	cal, err := util.NewTradingCalendar(nil)
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2024, 6, 3, 10, 0, 0, 0, cal.Location())}

	sim := broker.NewSimulatorBroker(cal)
	sim.SetClock(clock.Now)
	recon := reconcile.New(sim, cal, reconcile.Options{Now: clock.Now}, nil)

	opts.Account = "test"
	opts.Stocks = stocks
	opts.Now = clock.Now
	eng := NewEngine(sim, recon, NewBudget(dec(budgetCap)), opts, nil)
	return &fixture{eng: eng, sim: sim, clock: clock, cal: cal}
}

// ---------------------------------------------------------------------------
// Budget
// ---------------------------------------------------------------------------

func TestBudget(t *testing.T) {
	b := NewBudget(dec("150"))
	assert.True(t, b.CanSpend(dec("150")))
	assert.False(t, b.CanSpend(dec("150.01")))

	b.Spend(dec("100"))
	assert.True(t, b.CanSpend(dec("50")))
	assert.False(t, b.CanSpend(dec("50.01")))
	assert.Equal(t, "50", b.Remaining().String())

	b.Reclaim(dec("30"))
	assert.Equal(t, "70", b.Spent().String())

	b.Reclaim(dec("500"))
	assert.True(t, b.Spent().IsZero(), "spent is clamped at zero")

	b.Spend(dec("20"))
	b.Reset(dec("80"))
	assert.Equal(t, "80", b.Cap().String())
	assert.True(t, b.Spent().IsZero())

	assert.False(t, b.CanSpend(dec("-1")))
}

// ---------------------------------------------------------------------------
// PlaceOrders
// ---------------------------------------------------------------------------

func TestPlaceOrders(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{
		"aapl": {Qty: 10, Profit: 0.25},
	}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10.004"), dec("10.02"))

	res, err := f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	p := res.Placed[0]
	assert.Equal(t, "AAPL", p.Symbol)
	assert.True(t, p.Confirmed)
	assert.Equal(t, "10", p.BuyPrice.String())
	assert.Equal(t, "10.25", p.SellPrice.String())
	assert.NotEmpty(t, p.ClientOrderID)
	assert.Equal(t, "100", f.eng.Budget().Spent().String())

	legs := f.sim.Legs()
	require.Len(t, legs, 2)
	assert.Equal(t, domain.OrderSideBuy, legs[0].Side)
	assert.Equal(t, "10", legs[0].Price.String())
	assert.Equal(t, domain.OrderSideSell, legs[1].Side)
	assert.Equal(t, "10.25", legs[1].Price.String())

	// The open bracket keeps the symbol busy.
	res, err = f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Placed)
	assert.Equal(t, SkipBusy, res.Skipped["AAPL"])
	assert.Equal(t, 1, f.sim.Submits())
}

func TestPlaceOrdersBudgetCap(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{
		"AAPL": {Qty: 10, Profit: 0.5},
		"MSFT": {Qty: 10, Profit: 0.5},
		"AMZN": {Qty: 2, Profit: 0.5},
	}, "150", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	f.sim.SetQuote("MSFT", dec("10"), dec("10.01"))
	f.sim.SetQuote("AMZN", dec("20"), dec("20.01"))

	res, err := f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)

	// Sorted order: AAPL (100) fits, AMZN (40) fits, MSFT (100) does not.
	var placed []string
	for _, p := range res.Placed {
		placed = append(placed, p.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "AMZN"}, placed)
	assert.Equal(t, SkipBudget, res.Skipped["MSFT"])
	assert.Equal(t, "140", f.eng.Budget().Spent().String())
	assert.True(t, f.eng.Budget().Spent().LessThanOrEqual(f.eng.Budget().Cap()))
}

func TestPlaceOrdersSkips(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{
		"BAD":  {Qty: 0, Profit: 0.5},
		"NEG":  {Qty: 5, Profit: -1},
		"NOQ":  {Qty: 1, Profit: 0.5},
		"ZERO": {Qty: 1, Profit: 0.5},
		"HELD": {Qty: 1, Profit: 0.5},
		"OK":   {Qty: 1, Profit: 0.5},
	}, "1000", Options{})
	f.sim.SetQuote("ZERO", decimal.Zero, dec("1"))
	f.sim.SetQuote("HELD", dec("5"), dec("5.01"))
	f.sim.SetQuote("OK", dec("5"), dec("5.01"))
	f.sim.AddPosition(domain.Position{Symbol: "HELD", Quantity: dec("1"), AcquiredAt: f.clock.Now().Add(-time.Hour)})

	res, err := f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]SkipReason{
		"BAD":  SkipInvalidConfig,
		"NEG":  SkipInvalidConfig,
		"NOQ":  SkipNoQuote,
		"ZERO": SkipNoQuote,
		"HELD": SkipBusy,
	}, res.Skipped)
	require.Len(t, res.Placed, 1)
	assert.Equal(t, "OK", res.Placed[0].Symbol)
}

func TestPlaceOrdersRejected(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	f.sim.FailSubmit(&broker.APIError{StatusCode: 400, Method: "POST", Path: "/orders", Body: "insufficient buying power"})

	res, err := f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Placed)
	assert.Equal(t, SkipRejected, res.Skipped["AAPL"])
	assert.True(t, f.eng.Budget().Spent().IsZero(), "rejected orders do not spend")
}

func TestPlaceOrdersAmbiguousFailureSpends(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	f.sim.FailSubmit(fmt.Errorf("%w: i/o timeout", domain.ErrBrokerUnavailable))

	res, err := f.eng.PlaceOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	assert.False(t, res.Placed[0].Confirmed)
	assert.Equal(t, "100", f.eng.Budget().Spent().String())
}

func TestPlaceOrdersFatalAuth(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{
		"AAPL": {Qty: 10, Profit: 0.5},
		"MSFT": {Qty: 10, Profit: 0.5},
	}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	f.sim.SetQuote("MSFT", dec("10"), dec("10.01"))
	f.sim.FailSubmit(fmt.Errorf("token: %w", domain.ErrAuthorizationRequired))

	_, err := f.eng.PlaceOrders(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.True(t, f.eng.Budget().Spent().IsZero())
}

// ---------------------------------------------------------------------------
// CancelStaleOrders
// ---------------------------------------------------------------------------

func TestCancelReclaimRespend(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "100", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	res, err := f.eng.PlaceOrders(ctx)
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	orderID := res.Placed[0].OrderID
	assert.Equal(t, "100", f.eng.Budget().Spent().String())

	// Not old enough yet.
	f.clock.Advance(10 * time.Minute)
	reclaimed, err := f.eng.CancelStaleOrders(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed.IsZero())
	assert.Empty(t, f.sim.Cancels())

	f.clock.Advance(time.Minute)
	reclaimed, err = f.eng.CancelStaleOrders(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "100", reclaimed.String())
	assert.Equal(t, []string{orderID}, f.sim.Cancels())
	assert.True(t, f.eng.Budget().Spent().IsZero())

	f.sim.SetQuote("AAPL", dec("9.5"), dec("9.51"))
	res, err = f.eng.PlaceOrders(ctx)
	require.NoError(t, err)
	require.Len(t, res.Placed, 1)
	assert.Equal(t, "9.5", res.Placed[0].BuyPrice.String())
	assert.Equal(t, "95", f.eng.Budget().Spent().String())
}

func TestCancelLeavesFilledBuys(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	res, err := f.eng.PlaceOrders(ctx)
	require.NoError(t, err)
	require.NoError(t, f.sim.FillBuy(res.Placed[0].OrderID))

	f.clock.Advance(time.Hour)
	reclaimed, err := f.eng.CancelStaleOrders(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed.IsZero())
	assert.Empty(t, f.sim.Cancels())
	assert.Equal(t, "100", f.eng.Budget().Spent().String())
}

func TestCancelFailureKeepsSpend(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	_, err := f.eng.PlaceOrders(ctx)
	require.NoError(t, err)
	f.sim.FailCancel(fmt.Errorf("%w: connection reset", domain.ErrBrokerUnavailable))

	f.clock.Advance(time.Hour)
	reclaimed, err := f.eng.CancelStaleOrders(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed.IsZero())
	assert.Equal(t, "100", f.eng.Budget().Spent().String())
}

func TestRunCycleCancelsBeforePlacing(t *testing.T) {
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "100", Options{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	res, err := f.eng.RunCycle(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, res.Place.Placed, 1)
	assert.True(t, res.Reclaimed.IsZero())

	f.clock.Advance(15 * time.Minute)
	res, err = f.eng.RunCycle(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "100", res.Reclaimed.String())
	require.Len(t, res.Place.Placed, 1, "reclaimed budget is reused in the same cycle")
	assert.Equal(t, 2, f.sim.Submits())
	assert.Equal(t, "100", f.eng.Budget().Spent().String())
}

// ---------------------------------------------------------------------------
// SpendingAmount and audit log
// ---------------------------------------------------------------------------

func TestSpendingAmount(t *testing.T) {
	ctx := context.Background()

	cash := newFixture(t, nil, "0", Options{AccountType: domain.AccountTypeCash})
	cash.sim.SetBalance(domain.Balance{Cash: dec("3000"), CashAvailable: dec("1000.01")})
	amt, err := cash.eng.SpendingAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "500.01", amt.String())

	cash.sim.SetBalance(domain.Balance{Cash: dec("300")})
	amt, err = cash.eng.SpendingAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "150", amt.String())

	margin := newFixture(t, nil, "0", Options{AccountType: domain.AccountTypeMargin, SpendPerDay: dec("2500")})
	margin.sim.SetBalance(domain.Balance{Cash: dec("1")})
	amt, err = margin.eng.SpendingAmount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2500", amt.String())

	margin.eng.Budget().Spend(dec("10"))
	_, err = margin.eng.ResetBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2500", margin.eng.Budget().Cap().String())
	assert.True(t, margin.eng.Budget().Spent().IsZero())
}

func TestOrderEventsRecorded(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{Events: db})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	_, err = f.eng.PlaceOrders(ctx)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.eng.CancelStaleOrders(ctx, 10*time.Minute)
	require.NoError(t, err)

	events, err := db.ListOrderEvents(ctx, "test", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, store.EventCanceled, events[0].Kind)
	assert.Equal(t, store.EventPlaced, events[1].Kind)
	assert.Equal(t, "AAPL", events[1].Symbol)
	assert.Equal(t, "100", events[1].Amount.String())
}
