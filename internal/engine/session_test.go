package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/market"
	"brackettrader/internal/reconcile"
)

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) EnsureValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "token", nil
}

func newTestSession(t *testing.T, tokens TokenChecker) (*Session, *fixture) {
	t.Helper()
	f := newFixture(t, map[string]config.SymbolConfig{"AAPL": {Qty: 10, Profit: 0.5}}, "1000", Options{})
	gate := market.NewGate(f.sim, f.cal, f.clock.Now, nil)
	recon := reconcile.New(f.sim, f.cal, reconcile.Options{Now: f.clock.Now}, nil)
	return NewSession("test", f.eng, gate, recon, tokens, 5*time.Minute, nil), f
}

func TestSessionChecksTokenBeforeEachOperation(t *testing.T) {
	tokens := &fakeTokens{}
	s, f := newTestSession(t, tokens)
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))
	ctx := context.Background()

	open, err := s.MarketOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open, "10:00 is past open plus delay")

	quotes, err := s.GetQuote(ctx, []string{"aapl"})
	require.NoError(t, err)
	assert.Equal(t, "10", quotes["AAPL"].Bid.String())

	res, err := s.PlaceOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Placed, 1)

	_, err = s.CancelStaleOrders(ctx, time.Hour)
	require.NoError(t, err)
	_, err = s.Reconcile(ctx, 1)
	require.NoError(t, err)
	_, err = s.SpendingAmount(ctx)
	require.NoError(t, err)

	assert.Equal(t, 6, tokens.calls)
	budgetCap, spent, remaining := s.BudgetSnapshot()
	assert.Equal(t, "1000", budgetCap.String())
	assert.Equal(t, "100", spent.String())
	assert.Equal(t, "900", remaining.String())
}

func TestSessionStopsOnAuthFailure(t *testing.T) {
	tokens := &fakeTokens{err: fmt.Errorf("%w after 5 attempts", domain.ErrAuthExhausted)}
	s, f := newTestSession(t, tokens)
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))

	_, err := s.PlaceOrders(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Zero(t, f.sim.Submits(), "no broker call without a valid token")

	_, err = s.RunCycle(context.Background(), time.Minute)
	assert.ErrorIs(t, err, domain.ErrAuthExhausted)
}

func TestSessionWithoutOAuth(t *testing.T) {
	s, f := newTestSession(t, nil)
	f.sim.SetBalance(domain.Balance{CashAvailable: dec("400")})

	amt, err := s.ResetBudget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "200", amt.String())
	budgetCap, spent, remaining := s.BudgetSnapshot()
	assert.Equal(t, "200", budgetCap.String())
	assert.True(t, spent.IsZero())
	assert.Equal(t, "200", remaining.String())
	assert.NoError(t, s.Close())
}

func TestSessionSerializesCycles(t *testing.T) {
	s, f := newTestSession(t, &fakeTokens{})
	f.sim.SetQuote("AAPL", dec("10"), dec("10.01"))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunCycle(context.Background(), time.Hour)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.sim.Submits(), "one bracket despite concurrent cycles")
	_, spent, _ := s.BudgetSnapshot()
	assert.Equal(t, "100", spent.String())
}
