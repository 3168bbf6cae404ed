// Package metrics exposes Prometheus collectors for order placement,
// cancellation and the daily spend budget. Collectors are registered on the
// default registry and served by Handler.
//
//   - brackettrader_orders_total{account,result}   placed|rejected|unconfirmed
//   - brackettrader_skips_total{account,reason}     symbols skipped per cycle
//   - brackettrader_cancels_total{account,result}  canceled|failed
//   - brackettrader_budget_cap_usd{account}
//   - brackettrader_budget_spent_usd{account}
//   - brackettrader_cycle_seconds{account}
//   - brackettrader_auth_state{account}            current credential state
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brackettrader_orders_total",
			Help: "Bracket submissions by outcome",
		},
		[]string{"account", "result"},
	)

	Skips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brackettrader_skips_total",
			Help: "Symbols skipped during placement by reason",
		},
		[]string{"account", "reason"},
	)

	Cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brackettrader_cancels_total",
			Help: "Stale buy cancellations by outcome",
		},
		[]string{"account", "result"},
	)

	BudgetCap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brackettrader_budget_cap_usd",
			Help: "Daily spend cap",
		},
		[]string{"account"},
	)

	BudgetSpent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brackettrader_budget_spent_usd",
			Help: "Amount committed against the daily cap",
		},
		[]string{"account"},
	)

	CycleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brackettrader_cycle_seconds",
			Help:    "Duration of one cancel and place cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	// AuthState is the numeric auth.State of the account's credential.
	AuthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brackettrader_auth_state",
			Help: "Credential state (0 need code, 1 need exchange, 2 valid, 3 expired, 4 refresh failed)",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(Orders, Skips, Cancels, BudgetCap, BudgetSpent, CycleSeconds, AuthState)
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
