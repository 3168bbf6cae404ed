package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Trade pairs a buy leg with the sell leg it triggered.
type Trade struct {
	BuyID      string          `json:"buy_id"`
	SellID     string          `json:"sell_id"`
	Symbol     string          `json:"symbol"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	BuyQty     decimal.Decimal `json:"buy_qty"`
	SellQty    decimal.Decimal `json:"sell_qty"`
	SellStatus OrderStatus     `json:"sell_status"`
	RawStatus  string          `json:"raw_status"`
	Fees       decimal.Decimal `json:"fees"`
	Profit     decimal.Decimal `json:"profit"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// QuantityMatched reports whether both legs executed the same quantity.
func (t *Trade) QuantityMatched() bool {
	return t.BuyQty.Equal(t.SellQty)
}

// Successful is true only for a filled sell whose quantity matches the buy.
func (t *Trade) Successful() bool {
	return t.SellStatus == OrderStatusFilled && t.QuantityMatched()
}

// Duration is the time from buy to sell, or zero while the trade is open.
func (t *Trade) Duration() time.Duration {
	if t.ClosedAt.IsZero() || t.OpenedAt.IsZero() || t.ClosedAt.Before(t.OpenedAt) {
		return 0
	}
	return t.ClosedAt.Sub(t.OpenedAt)
}

// Metric is a derived statistic that is undefined when its denominator is
// zero. Undefined metrics render as "N/A".
type Metric struct {
	Value   float64
	Defined bool
}

// NA is the undefined metric.
var NA = Metric{}

// NewMetric returns a defined metric rounded to two decimal places.
func NewMetric(v float64) Metric {
	return Metric{Value: decimal.NewFromFloat(v).Round(2).InexactFloat64(), Defined: true}
}

// String returns the value with two decimals, or "N/A".
func (m Metric) String() string {
	if !m.Defined {
		return "N/A"
	}
	return strconv.FormatFloat(m.Value, 'f', 2, 64)
}

// MarshalJSON encodes a defined metric as a number and an undefined one as
// the string "N/A".
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined {
		return json.Marshal("N/A")
	}
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a number or the string "N/A".
func (m *Metric) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "N/A" {
			return fmt.Errorf("metric: unexpected string %q", s)
		}
		*m = NA
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = Metric{Value: v, Defined: true}
	return nil
}

// SymbolStats aggregates trade outcomes for one symbol over a lookback
// window. It is recomputed on every request and never persisted.
type SymbolStats struct {
	Symbol        string          `json:"symbol"`
	SuccessCount  int             `json:"success_count"`
	TotalCount    int             `json:"total_count"`
	StaleCount    int             `json:"stale_position_count"`
	AnomalyCount  int             `json:"anomaly_count"`
	StatusCounts  map[string]int  `json:"status_counts"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalDuration time.Duration   `json:"total_duration_ns"`
	AvgDuration   Metric          `json:"avg_duration_sec"`
	SuccessPct    Metric          `json:"success_pct"`
	StalePct      Metric          `json:"stale_pct"`
}

// NewSymbolStats returns empty stats for symbol.
func NewSymbolStats(symbol string) *SymbolStats {
	return &SymbolStats{
		Symbol:       symbol,
		StatusCounts: make(map[string]int),
	}
}

// Finalize computes the derived percentages and average duration. All three
// stay undefined when TotalCount is zero.
func (s *SymbolStats) Finalize() {
	s.TotalProfit = s.TotalProfit.Round(2)
	if s.TotalCount == 0 {
		s.SuccessPct, s.StalePct, s.AvgDuration = NA, NA, NA
		return
	}
	total := float64(s.TotalCount)
	s.SuccessPct = NewMetric(float64(s.SuccessCount) / total * 100)
	s.StalePct = NewMetric(float64(s.StaleCount) / total * 100)
	s.AvgDuration = NewMetric(s.TotalDuration.Seconds() / total)
}
