package main

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/broker"
	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/engine"
	"brackettrader/internal/market"
	"brackettrader/internal/reconcile"
	"brackettrader/internal/util"
)

type failingTokens struct{ err error }

func (f failingTokens) EnsureValidToken(context.Context) (string, error) { return "", f.err }

func newTestDriver(t *testing.T, now *time.Time, tokens engine.TokenChecker) (*driver, *broker.SimulatorBroker) {
	t.Helper()
	cal, err := util.NewTradingCalendar(nil)
	require.NoError(t, err)
	clock := func() time.Time { return *now }

	sim := broker.NewSimulatorBroker(cal)
	sim.SetClock(clock)
	sim.SetQuote("AAPL", decimal.RequireFromString("10"), decimal.RequireFromString("10.01"))

	recon := reconcile.New(sim, cal, reconcile.Options{Now: clock}, nil)
	eng := engine.NewEngine(sim, recon, engine.NewBudget(decimal.Zero), engine.Options{
		Account:     "test",
		AccountType: domain.AccountTypeMargin,
		SpendPerDay: decimal.RequireFromString("500"),
		Stocks:      map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.25}},
		Now:         clock,
	}, nil)
	sess := engine.NewSession("test", eng, market.NewGate(sim, cal, clock, nil), recon, tokens, 15*time.Minute, nil)
	return &driver{sess: sess, maxAge: 10 * time.Minute, interval: time.Second, log: slog.Default()}, sim
}

func TestDriverTick(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 6, 3, 9, 40, 0, 0, loc)
	d, sim := newTestDriver(t, &now, nil)
	ctx := context.Background()

	// Before open plus delay: budget reset, nothing placed.
	require.NoError(t, d.tick(ctx))
	assert.True(t, d.sized)
	assert.True(t, d.resetDone)
	assert.Zero(t, sim.Submits())
	budgetCap, _, _ := d.sess.BudgetSnapshot()
	assert.Equal(t, "500", budgetCap.String())

	now = time.Date(2024, 6, 3, 9, 46, 0, 0, loc)
	require.NoError(t, d.tick(ctx))
	assert.False(t, d.resetDone)
	assert.Equal(t, 1, sim.Submits())
	_, spent, _ := d.sess.BudgetSnapshot()
	assert.Equal(t, "100", spent.String())

	// After the close the budget starts over.
	now = time.Date(2024, 6, 3, 16, 30, 0, 0, loc)
	require.NoError(t, d.tick(ctx))
	assert.True(t, d.resetDone)
	_, spent, _ = d.sess.BudgetSnapshot()
	assert.True(t, spent.IsZero())
}

func TestDriverStartsDuringSession(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 6, 3, 11, 0, 0, 0, loc)
	d, sim := newTestDriver(t, &now, nil)
	ctx := context.Background()

	require.NoError(t, d.tick(ctx))
	assert.True(t, d.sized)
	assert.False(t, d.resetDone)
	assert.Equal(t, 1, sim.Submits())
	budgetCap, spent, remaining := d.sess.BudgetSnapshot()
	assert.Equal(t, "500", budgetCap.String())
	assert.Equal(t, "100", spent.String())
	assert.Equal(t, "400", remaining.String())

	// The next poll keeps the spent amount.
	now = now.Add(time.Minute)
	require.NoError(t, d.tick(ctx))
	_, spent, _ = d.sess.BudgetSnapshot()
	assert.Equal(t, "100", spent.String())

	// The close still starts the budget over.
	now = time.Date(2024, 6, 3, 16, 30, 0, 0, loc)
	require.NoError(t, d.tick(ctx))
	assert.True(t, d.resetDone)
	_, spent, _ = d.sess.BudgetSnapshot()
	assert.True(t, spent.IsZero())
}

func TestDriverStopsOnFatal(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	d, sim := newTestDriver(t, &now, failingTokens{err: fmt.Errorf("%w: need a code", domain.ErrAuthorizationRequired)})

	err := d.tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRequired)
	assert.Zero(t, sim.Submits())
}

func TestDriverContinuesOnBrokerError(t *testing.T) {
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	d, _ := newTestDriver(t, &now, failingTokens{err: fmt.Errorf("%w: timeout", domain.ErrBrokerUnavailable)})

	assert.NoError(t, d.tick(context.Background()))
}
