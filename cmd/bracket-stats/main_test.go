package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/pkg/brackettrader"
)

func TestParseDays(t *testing.T) {
	days, err := parseDays("0, 1,7,-3")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 7, 0}, days)

	_, err = parseDays("1,x")
	assert.Error(t, err)
}

func TestSortedStats(t *testing.T) {
	stats := map[string]*domain.SymbolStats{
		"MSFT": domain.NewSymbolStats("MSFT"),
		"AAPL": domain.NewSymbolStats("AAPL"),
		"TSLA": domain.NewSymbolStats("TSLA"),
	}
	cfg := &config.Config{Trading: config.TradingConfig{Stocks: map[string]config.SymbolConfig{
		"aapl": {Qty: 1, Profit: 1},
		"F":    {Qty: 1, Profit: 1},
	}}}

	all := sortedStats(stats, cfg, false)
	require.Len(t, all, 3)
	assert.Equal(t, "AAPL", all[0].Symbol)
	assert.Equal(t, "TSLA", all[2].Symbol)

	only := sortedStats(stats, cfg, true)
	require.Len(t, only, 2)
	assert.Equal(t, "AAPL", only[0].Symbol)
	assert.Equal(t, "F", only[1].Symbol)
	assert.Equal(t, "N/A", only[1].SuccessPct.String())
}

func TestRemoteReport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/accounts", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"account":"VA1","budgetCap":"100","budgetSpent":"0","remaining":"100"}]`))
	})
	mux.HandleFunc("GET /api/accounts/VA1/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"account":"VA1","days":` + r.URL.Query().Get("days") + `,"symbols":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rep, err := remoteReport(context.Background(), brackettrader.NewClient(srv.URL), "", []int{1, 7})
	require.NoError(t, err)
	assert.Equal(t, "VA1", rep.Account)
	require.Len(t, rep.Windows, 2)
	assert.Equal(t, 7, rep.Windows[1].Days)
}
