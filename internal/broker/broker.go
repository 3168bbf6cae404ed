// Package broker defines the Broker interface and provides implementations
// for the supported brokerages. Each implementation maps its wire format onto
// the domain types; the rest of the program never sees broker JSON.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// ErrSessionNotFound is returned by GetSession when the calendar has no entry
// for the requested day.
var ErrSessionNotFound = errors.New("market session not found")

// Broker abstracts the brokerage operations the trading core needs.
type Broker interface {
	// Name returns the broker identifier (e.g. "tradier", "simulator").
	Name() string

	// GetQuotes returns quotes for the symbols in one batched call. Symbols
	// the broker does not know are absent from the result.
	GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error)

	// GetSession returns the exchange session for the day containing t.
	GetSession(ctx context.Context, t time.Time) (*domain.MarketSession, error)

	// SubmitBracket places a Day limit buy with a GTC limit sell triggered
	// by its fill, and returns the broker order ID.
	SubmitBracket(ctx context.Context, order *domain.BracketOrder) (string, error)

	// CancelOrder cancels an order by its broker reference.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrders returns one page of the account's current orders.
	GetOrders(ctx context.Context, pageToken string) (*domain.OrderPage, error)

	// GetHistory returns one page of orders opened since the given time.
	GetHistory(ctx context.Context, since time.Time, pageToken string) (*domain.OrderPage, error)

	// GetPositions returns current holdings.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetBalance returns the account balances.
	GetBalance(ctx context.Context) (*domain.Balance, error)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for brokers with a long-lived API token.
type StaticToken string

// Token returns the token itself.
func (s StaticToken) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: no access token configured", domain.ErrAuthorizationRequired)
	}
	return string(s), nil
}

// MarketStatusSource reports whether the exchange is open right now. It
// stands in for a calendar on brokers that do not publish one.
type MarketStatusSource interface {
	MarketOpen(ctx context.Context) (bool, error)
}

// Deps are the collaborators New wires into the selected broker.
type Deps struct {
	// Tokens authenticates OAuth brokers (TradeStation).
	Tokens TokenSource
	// Status backs GetSession on brokers without a calendar endpoint.
	Status MarketStatusSource
	// Calendar supplies regular session hours and the exchange timezone.
	Calendar *util.TradingCalendar
}

// New selects and constructs the broker named in cfg. The choice is made once
// at startup.
func New(cfg *config.Config, deps Deps, log *slog.Logger) (Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Calendar == nil {
		loc, err := cfg.Location()
		if err != nil {
			return nil, err
		}
		cal, err := util.NewTradingCalendar(loc)
		if err != nil {
			return nil, err
		}
		deps.Calendar = cal
	}
	limiter := util.NewRateLimiter(cfg.HTTP.RateLimitPerMin, 5)

	switch cfg.Broker {
	case "tradier":
		base := cfg.Tradier.BaseURL
		if cfg.Tradier.Sandbox {
			base = cfg.Tradier.SandboxURL
		}
		if cfg.Tradier.AccountID == "" {
			return nil, errors.New("tradier: account_id is required")
		}
		tokens := deps.Tokens
		if tokens == nil {
			tokens = StaticToken(cfg.Tradier.AccessToken)
		}
		rc := newRESTClient(base, cfg.HTTP.Timeout, tokens, limiter)
		return NewTradierBroker(rc, cfg.Tradier.AccountID, deps.Calendar, log), nil

	case "tradestation":
		if deps.Tokens == nil {
			return nil, errors.New("tradestation: an OAuth token source is required")
		}
		if cfg.TradeStation.AccountID == "" {
			return nil, errors.New("tradestation: account_id is required")
		}
		rc := newRESTClient(cfg.TradeStation.BaseURL, cfg.HTTP.Timeout, deps.Tokens, limiter)
		return NewTradeStationBroker(rc, cfg.TradeStation.AccountID, deps.Status, deps.Calendar, log), nil

	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, errors.New("alpaca: api_key and api_secret are required")
		}
		return NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, deps.Calendar, log), nil

	case "simulator":
		return NewSimulatorBroker(deps.Calendar), nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
}
