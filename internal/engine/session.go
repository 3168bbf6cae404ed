package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brackettrader/internal/auth"
	"brackettrader/internal/broker"
	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/market"
	"brackettrader/internal/metrics"
	"brackettrader/internal/reconcile"
	"brackettrader/internal/store"
	"brackettrader/internal/util"
)

// Trader is the capability set the polling driver and the reporting tool
// use. The broker behind it is chosen once at startup.
type Trader interface {
	PlaceOrders(ctx context.Context) (*PlaceResult, error)
	CancelStaleOrders(ctx context.Context, maxAge time.Duration) (decimal.Decimal, error)
	GetQuote(ctx context.Context, symbols []string) (map[string]domain.Quote, error)
	MarketOpen(ctx context.Context) (bool, error)
	Reconcile(ctx context.Context, daysBack int) (map[string]*domain.SymbolStats, error)
	SpendingAmount(ctx context.Context) (decimal.Decimal, error)
}

var _ Trader = (*Session)(nil)

// TokenChecker makes sure a valid credential exists before a broker call.
// *auth.Manager implements it.
type TokenChecker interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// Session owns one account's broker, credential manager and budget and runs
// one operation at a time.
type Session struct {
	mu        sync.Mutex
	account   string
	engine    *Engine
	gate      *market.Gate
	recon     *reconcile.Reconciler
	tokens    TokenChecker
	openDelay time.Duration
	log       *slog.Logger

	auth   *auth.Manager
	closer func() error
}

// NewSession assembles a Session from its parts. tokens may be nil for
// brokers that do not use OAuth.
func NewSession(account string, eng *Engine, gate *market.Gate, recon *reconcile.Reconciler, tokens TokenChecker, openDelay time.Duration, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		account:   account,
		engine:    eng,
		gate:      gate,
		recon:     recon,
		tokens:    tokens,
		openDelay: openDelay,
		log:       log.With("component", "session", "account", account),
	}
}

// Open builds a Session for the account described by cfg: credential store,
// OAuth manager, broker, reconciler, order audit log and engine. Close
// releases the stores.
func Open(cfg *config.Config, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	cal, err := util.NewTradingCalendar(loc)
	if err != nil {
		return nil, err
	}
	account := cfg.AccountName()

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	deps := broker.Deps{Calendar: cal}
	var mgr *auth.Manager
	if cfg.Broker == "tradestation" {
		var creds store.CredentialStore
		switch cfg.Storage.CredentialBackend {
		case "sqlite":
			creds = db.Credentials(account)
		default:
			creds = store.NewFileCredentialStore(cfg.Storage.CredentialFile)
		}
		endpoint := auth.NewOAuthClient(auth.OAuthConfig{
			AuthURL:      cfg.TradeStation.AuthURL,
			ClientID:     cfg.TradeStation.ClientID,
			ClientSecret: cfg.TradeStation.ClientSecret,
			RedirectURI:  cfg.TradeStation.RedirectURI,
			Audience:     cfg.TradeStation.Audience,
			Scope:        cfg.TradeStation.Scope,
			Timeout:      cfg.HTTP.Timeout,
		})
		mgr = auth.NewManager(creds, endpoint, auth.Options{
			MaxRetries:   cfg.Auth.MaxRetries,
			SafetyMargin: cfg.Auth.SafetyMargin,
			RetryDelay:   cfg.Auth.RetryDelay,
		}, log)
		deps.Tokens = mgr
	}
	if cfg.Finnhub.APIKey != "" {
		deps.Status = market.NewFinnhubClient(cfg.Finnhub.BaseURL, cfg.Finnhub.APIKey, cfg.HTTP.Timeout)
	}

	b, err := broker.New(cfg, deps, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	ropts := reconcile.Options{Horizon: cfg.Trading.TransactionHorizon}
	if cfg.Storage.JournalDir != "" {
		ropts.Journal = store.NewParquetJournal(cfg.Storage.JournalDir)
	}
	recon := reconcile.New(b, cal, ropts, log)

	eng := NewEngine(b, recon, NewBudget(decimal.Zero), Options{
		Account:     account,
		AccountType: domain.AccountType(cfg.Trading.AccountType),
		SpendPerDay: decimal.NewFromFloat(cfg.Trading.SpendPerDay),
		Stocks:      cfg.Trading.Stocks,
		Events:      db,
	}, log)

	var tokens TokenChecker
	if mgr != nil {
		tokens = mgr
	}
	s := NewSession(account, eng, market.NewGate(b, cal, nil, log), recon, tokens, cfg.Trading.MarketOpenDelay, log)
	s.auth = mgr
	s.closer = db.Close
	return s, nil
}

// Account returns the account label.
func (s *Session) Account() string { return s.account }

// Auth returns the credential manager, or nil when the broker does not use
// OAuth.
func (s *Session) Auth() *auth.Manager { return s.auth }

// Events returns the order audit log, or nil when none is configured.
func (s *Session) Events() store.OrderEventStore { return s.engine.events }

// Close releases the stores opened by Open.
func (s *Session) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// ensure runs before every operation; the caller holds s.mu.
func (s *Session) ensure(ctx context.Context) error {
	if s.tokens == nil {
		return nil
	}
	_, err := s.tokens.EnsureValidToken(ctx)
	switch {
	case err == nil:
		metrics.AuthState.WithLabelValues(s.account).Set(float64(auth.StateValid))
	case errors.Is(err, domain.ErrAuthorizationRequired):
		metrics.AuthState.WithLabelValues(s.account).Set(float64(auth.StateNeedAuthCode))
	default:
		metrics.AuthState.WithLabelValues(s.account).Set(float64(auth.StateRefreshFailed))
	}
	return err
}

// PlaceOrders implements Trader.
func (s *Session) PlaceOrders(ctx context.Context) (*PlaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.engine.PlaceOrders(ctx)
}

// CancelStaleOrders implements Trader.
func (s *Session) CancelStaleOrders(ctx context.Context, maxAge time.Duration) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return decimal.Zero, err
	}
	return s.engine.CancelStaleOrders(ctx, maxAge)
}

// RunCycle cancels stale buys and places new brackets under one lock.
func (s *Session) RunCycle(ctx context.Context, maxAge time.Duration) (*CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.engine.RunCycle(ctx, maxAge)
}

// GetQuote implements Trader.
func (s *Session) GetQuote(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.gate.GetQuote(ctx, symbols)
}

// MarketOpen implements Trader using the configured open delay.
func (s *Session) MarketOpen(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return false, err
	}
	return s.gate.MarketOpen(ctx, s.openDelay)
}

// Reconcile implements Trader.
func (s *Session) Reconcile(ctx context.Context, daysBack int) (map[string]*domain.SymbolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.recon.Reconcile(ctx, daysBack)
}

// SpendingAmount implements Trader.
func (s *Session) SpendingAmount(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return decimal.Zero, err
	}
	return s.engine.SpendingAmount(ctx)
}

// ResetBudget sets today's cap from SpendingAmount and clears the spent
// amount.
func (s *Session) ResetBudget(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(ctx); err != nil {
		return decimal.Zero, err
	}
	return s.engine.ResetBudget(ctx)
}

// BudgetSnapshot returns the cap, the spent amount and what is left.
func (s *Session) BudgetSnapshot() (limit, spent, remaining decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.engine.Budget()
	return b.Cap(), b.Spent(), b.Remaining()
}
