package market

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/broker"
	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

func newGate(t *testing.T, now *time.Time) (*Gate, *broker.SimulatorBroker, *util.TradingCalendar) {
	t.Helper()
	cal, err := util.NewTradingCalendar(nil)
	require.NoError(t, err)
	sim := broker.NewSimulatorBroker(cal)
	return NewGate(sim, cal, func() time.Time { return *now }, nil), sim, cal
}

func TestMarketOpenDelay(t *testing.T) {
	cal, _ := util.NewTradingCalendar(nil)
	now := time.Date(2024, 6, 3, 9, 40, 0, 0, cal.Location())
	g, _, _ := newGate(t, &now)
	ctx := context.Background()

	open, err := g.MarketOpen(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, open, "09:40 with a 15 minute delay")

	now = time.Date(2024, 6, 3, 9, 46, 0, 0, cal.Location())
	open, err = g.MarketOpen(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, open, "09:46 with a 15 minute delay")

	now = time.Date(2024, 6, 3, 16, 1, 0, 0, cal.Location())
	open, err = g.MarketOpen(ctx, 0)
	require.NoError(t, err)
	assert.False(t, open, "after the close")
}

func TestMarketOpenHoliday(t *testing.T) {
	cal, _ := util.NewTradingCalendar(nil)
	now := time.Date(2024, 7, 4, 11, 0, 0, 0, cal.Location())
	g, sim, _ := newGate(t, &now)
	sim.SetSession(domain.MarketSession{Date: "2024-07-04", IsOpen: false})

	open, err := g.MarketOpen(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, open)
}

type missingSession struct{ broker.Broker }

func (missingSession) GetSession(context.Context, time.Time) (*domain.MarketSession, error) {
	return nil, broker.ErrSessionNotFound
}

func TestMarketOpenMissingSession(t *testing.T) {
	cal, _ := util.NewTradingCalendar(nil)
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, cal.Location())
	g := NewGate(missingSession{}, cal, func() time.Time { return now }, nil)

	open, err := g.MarketOpen(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestGetQuote(t *testing.T) {
	now := time.Now()
	g, sim, _ := newGate(t, &now)
	sim.SetQuote("AAPL", decimal.RequireFromString("187.42"), decimal.RequireFromString("187.45"))

	quotes, err := g.GetQuote(context.Background(), []string{"aapl", "ZZZZ"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.True(t, quotes["AAPL"].Bid.Equal(decimal.RequireFromString("187.42")))
}

func TestFinnhubMarketOpen(t *testing.T) {
	body := `{"exchange":"US","isOpen":true,"session":"regular"}`
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock/market-status" || r.URL.Query().Get("token") != "key" || r.URL.Query().Get("exchange") != "US" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	defer srv.Close()

	c := NewFinnhubClient(srv.URL, "key", time.Second)
	ctx := context.Background()

	open, err := c.MarketOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	body = `{"exchange":"US","isOpen":false}`
	open, err = c.MarketOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)

	body = `{"exchange":"US"}`
	_, err = c.MarketOpen(ctx)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	status = http.StatusTooManyRequests
	_, err = c.MarketOpen(ctx)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}
