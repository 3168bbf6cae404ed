package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderStatusIsOpen(t *testing.T) {
	open := []OrderStatus{OrderStatusOpen, OrderStatusHeld, OrderStatusPending}
	for _, s := range open {
		if !s.IsOpen() {
			t.Errorf("%q.IsOpen() = false, want true", s)
		}
	}
	closed := []OrderStatus{OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected, OrderStatusOther}
	for _, s := range closed {
		if s.IsOpen() {
			t.Errorf("%q.IsOpen() = true, want false", s)
		}
	}
}

func TestParseOrderSide(t *testing.T) {
	cases := map[string]OrderSide{"Buy": OrderSideBuy, "SELL": OrderSideSell, " buy ": OrderSideBuy, "short": ""}
	for in, want := range cases {
		if got := ParseOrderSide(in); got != want {
			t.Errorf("ParseOrderSide(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTradeSuccessful(t *testing.T) {
	tr := Trade{
		SellStatus: OrderStatusFilled,
		BuyQty:     decimal.NewFromInt(10),
		SellQty:    decimal.NewFromInt(10),
	}
	if !tr.Successful() {
		t.Error("filled trade with matching quantities should be successful")
	}

	tr.SellQty = decimal.NewFromInt(5)
	if tr.Successful() {
		t.Error("quantity mismatch must not be successful")
	}

	tr.SellQty = decimal.NewFromInt(10)
	tr.SellStatus = OrderStatusCancelled
	if tr.Successful() {
		t.Error("canceled sell must not be successful")
	}
}

func TestTradeDuration(t *testing.T) {
	open := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	tr := Trade{OpenedAt: open}
	if tr.Duration() != 0 {
		t.Errorf("open trade Duration() = %v, want 0", tr.Duration())
	}
	tr.ClosedAt = open.Add(90 * time.Second)
	if tr.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", tr.Duration())
	}
}

func TestSymbolStatsFinalizeZeroTotal(t *testing.T) {
	s := NewSymbolStats("AAPL")
	s.Finalize()

	for name, m := range map[string]Metric{"SuccessPct": s.SuccessPct, "StalePct": s.StalePct, "AvgDuration": s.AvgDuration} {
		if m.Defined {
			t.Errorf("%s defined with zero total", name)
		}
		if m.String() != "N/A" {
			t.Errorf("%s.String() = %q, want N/A", name, m.String())
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["success_pct"] != "N/A" {
		t.Errorf("success_pct = %v, want N/A", decoded["success_pct"])
	}
}

func TestSymbolStatsFinalize(t *testing.T) {
	s := NewSymbolStats("AAPL")
	s.SuccessCount = 2
	s.StaleCount = 1
	s.TotalCount = 3
	s.TotalDuration = 90 * time.Second
	s.Finalize()

	if got := s.SuccessPct.String(); got != "66.67" {
		t.Errorf("SuccessPct = %s, want 66.67", got)
	}
	if got := s.StalePct.String(); got != "33.33" {
		t.Errorf("StalePct = %s, want 33.33", got)
	}
	if got := s.AvgDuration.String(); got != "30.00" {
		t.Errorf("AvgDuration = %s, want 30.00", got)
	}
}

func TestMetricJSONRoundTrip(t *testing.T) {
	var in struct {
		A Metric `json:"a"`
		B Metric `json:"b"`
	}
	in.A = NewMetric(12.345)
	in.B = NA

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":12.35,"b":"N/A"}` {
		t.Errorf("marshal = %s", data)
	}

	var out struct {
		A Metric `json:"a"`
		B Metric `json:"b"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.A.Defined || out.A.String() != "12.35" {
		t.Errorf("a = %+v", out.A)
	}
	if out.B.Defined {
		t.Errorf("b = %+v, want N/A", out.B)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &out.A); err == nil {
		t.Error("expected error for unexpected string")
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: now}
	if !c.HasTokens() {
		t.Error("HasTokens() = false, want true")
	}
	if !c.Expired(now) {
		t.Error("credential expiring exactly now should be expired")
	}
	if c.Expired(now.Add(-time.Second)) {
		t.Error("credential should be valid before ExpiresAt")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("ensure token: %w", ErrAuthExhausted)) {
		t.Error("wrapped ErrAuthExhausted should be fatal")
	}
	if !IsFatal(ErrAuthorizationRequired) {
		t.Error("ErrAuthorizationRequired should be fatal")
	}
	if IsFatal(fmt.Errorf("quotes: %w", ErrBrokerUnavailable)) {
		t.Error("ErrBrokerUnavailable must not be fatal")
	}
	if IsFatal(errors.New("other")) {
		t.Error("unclassified errors must not be fatal")
	}
}
