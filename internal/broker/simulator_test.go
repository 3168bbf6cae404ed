package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
)

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(nil)
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
}

func TestSimulatorBracketLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	b := NewSimulatorBroker(nil)
	b.SetClock(func() time.Time { return now })

	id, err := b.SubmitBracket(ctx, &domain.BracketOrder{
		Symbol: "aapl", Quantity: decimal.NewFromInt(10),
		BuyPrice: decimal.NewFromInt(100), SellPrice: decimal.NewFromInt(102),
	})
	require.NoError(t, err)

	legs := b.Legs()
	require.Len(t, legs, 2)
	assert.Equal(t, domain.OrderStatusOpen, legs[0].Status)
	assert.Equal(t, domain.OrderStatusHeld, legs[1].Status)
	assert.Equal(t, legs[0].ID, legs[1].ParentID)

	require.Error(t, b.FillSell(id), "sell cannot fill before the buy")
	require.NoError(t, b.FillBuy(id))
	pos, err := b.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(decimal.NewFromInt(10)))

	now = now.Add(30 * time.Minute)
	require.NoError(t, b.FillSell(id))
	pos, err = b.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)

	// Nothing left to cancel.
	var apiErr *APIError
	assert.True(t, errors.As(b.CancelOrder(ctx, id), &apiErr))
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(nil)
	id, err := b.SubmitBracket(ctx, &domain.BracketOrder{Symbol: "MSFT", Quantity: decimal.NewFromInt(1), BuyPrice: decimal.NewFromInt(10), SellPrice: decimal.NewFromInt(11)})
	require.NoError(t, err)

	require.NoError(t, b.CancelOrder(ctx, id))
	for _, l := range b.Legs() {
		assert.Equal(t, domain.OrderStatusCancelled, l.Status)
	}
	assert.Equal(t, []string{id}, b.Cancels())
}

func TestSimulatorPaging(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatorBroker(nil)
	b.SetPageSize(3)
	for i := 0; i < 4; i++ {
		_, err := b.SubmitBracket(ctx, &domain.BracketOrder{Symbol: "X", Quantity: decimal.NewFromInt(1)})
		require.NoError(t, err)
	}

	var all []domain.OrderLeg
	token := ""
	for {
		page, err := b.GetOrders(ctx, token)
		require.NoError(t, err)
		all = append(all, page.Legs...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Len(t, all, 8)
}

func TestNewSelectsBroker(t *testing.T) {
	cfg := &config.Config{Broker: "simulator"}
	cfg.Trading.Timezone = "America/New_York"
	b, err := New(cfg, Deps{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "simulator", b.Name())

	cfg.Broker = "tradestation"
	cfg.TradeStation.AccountID = "ACC"
	_, err = New(cfg, Deps{}, testLogger())
	assert.Error(t, err, "tradestation needs a token source")

	cfg.Broker = "tradier"
	cfg.Tradier.AccountID = "ACC"
	cfg.Tradier.BaseURL = "https://api.tradier.com"
	b, err = New(cfg, Deps{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "tradier", b.Name())

	cfg.Broker = "nope"
	_, err = New(cfg, Deps{}, testLogger())
	assert.Error(t, err)
}
