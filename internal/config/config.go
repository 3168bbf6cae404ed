package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"brackettrader/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for one brokerage account.
type Config struct {
	Broker       string        `yaml:"broker" validate:"required,oneof=tradier tradestation alpaca simulator"`
	Storage      Storage       `yaml:"storage"`
	Logging      Logging       `yaml:"logging"`
	Trading      TradingConfig `yaml:"trading"`
	Auth         AuthConfig    `yaml:"auth"`
	HTTP         HTTPConfig    `yaml:"http"`
	Metrics      Metrics       `yaml:"metrics"`
	Tradier      Tradier       `yaml:"tradier"`
	TradeStation TradeStation  `yaml:"tradestation"`
	Alpaca       Alpaca        `yaml:"alpaca"`
	Finnhub      Finnhub       `yaml:"finnhub"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath        string `yaml:"sqlite_path"`
	CredentialFile    string `yaml:"credential_file"`
	CredentialBackend string `yaml:"credential_backend" validate:"oneof=file sqlite"`
	JournalDir        string `yaml:"journal_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines the budget, timing and per-symbol bracket settings.
type TradingConfig struct {
	AccountType        string                  `yaml:"account_type" validate:"oneof=cash margin"`
	SpendPerDay        float64                 `yaml:"spend_per_day" validate:"gte=0"`
	CancelAfter        time.Duration           `yaml:"cancel_after" validate:"gt=0"`
	MarketOpenDelay    time.Duration           `yaml:"delay_market_open" validate:"gte=0"`
	PollInterval       time.Duration           `yaml:"poll_interval" validate:"gt=0"`
	DaysBack           int                     `yaml:"days_back" validate:"gte=0"`
	TransactionHorizon time.Duration           `yaml:"transaction_horizon" validate:"gt=0"`
	Timezone           string                  `yaml:"timezone"`
	Stocks             map[string]SymbolConfig `yaml:"stocks"`
}

// SymbolConfig is the bracket definition for one symbol. It is validated per
// symbol by ValidateSymbol so that one bad entry does not stop the run.
type SymbolConfig struct {
	Qty    int     `yaml:"qty" validate:"gt=0"`
	Profit float64 `yaml:"profit" validate:"gt=0"`
}

// AuthConfig controls the OAuth credential manager.
type AuthConfig struct {
	MaxRetries   int           `yaml:"max_retries" validate:"gt=0"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
	RetryDelay   time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// HTTPConfig bounds every broker call.
type HTTPConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min" validate:"gte=0"`
}

// Metrics configures the Prometheus listener. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Tradier holds the static token and account for the Tradier API.
type Tradier struct {
	AccessToken string `yaml:"access_token"`
	AccountID   string `yaml:"account_id"`
	Sandbox     bool   `yaml:"sandbox"`
	BaseURL     string `yaml:"base_url"`
	SandboxURL  string `yaml:"sandbox_url"`
}

// TradeStation holds OAuth client settings for the TradeStation API.
type TradeStation struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AccountID    string `yaml:"account_id"`
	BaseURL      string `yaml:"base_url"`
	AuthURL      string `yaml:"auth_url"`
	RedirectURI  string `yaml:"redirect_uri"`
	Audience     string `yaml:"audience"`
	Scope        string `yaml:"scope"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Finnhub is the market-status source used when the broker has no calendar.
type Finnhub struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

var validate = validator.New()

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults and environment variable overrides (a .env
// file in the working directory is honoured), and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the account-level settings. Per-symbol entries are checked
// separately by ValidateSymbol.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Trading.Timezone, err)
	}
	return nil
}

// AccountName labels an account in logs, metrics, the audit log and default
// file names: the broker account ID when one is configured, otherwise the
// broker name.
func (c *Config) AccountName() string {
	switch c.Broker {
	case "tradier":
		if c.Tradier.AccountID != "" {
			return c.Tradier.AccountID
		}
	case "tradestation":
		if c.TradeStation.AccountID != "" {
			return c.TradeStation.AccountID
		}
	}
	return c.Broker
}

// Location returns the exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Trading.Timezone)
}

// Symbols returns the configured symbol names.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Trading.Stocks))
	for sym := range c.Trading.Stocks {
		out = append(out, sym)
	}
	return out
}

// ValidateSymbol checks one symbol's bracket settings. Failures wrap
// domain.ErrConfiguration.
func ValidateSymbol(symbol string, sc SymbolConfig) error {
	if err := validate.Struct(sc); err != nil {
		return fmt.Errorf("symbol %s: %w: %v", symbol, domain.ErrConfiguration, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker == "" {
		cfg.Broker = "simulator"
	}
	if cfg.Storage.CredentialBackend == "" {
		cfg.Storage.CredentialBackend = "file"
	}
	if cfg.Storage.CredentialFile == "" {
		cfg.Storage.CredentialFile = "data/" + strings.ReplaceAll(cfg.AccountName(), "/", "_") + "_auth.json"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/brackettrader.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	t := &cfg.Trading
	if t.AccountType == "" {
		t.AccountType = string(domain.AccountTypeMargin)
	}
	if t.CancelAfter == 0 {
		t.CancelAfter = 10 * time.Minute
	}
	if t.PollInterval == 0 {
		t.PollInterval = 30 * time.Second
	}
	if t.TransactionHorizon == 0 {
		t.TransactionHorizon = 10 * time.Hour
	}
	if t.Timezone == "" {
		t.Timezone = "America/New_York"
	}

	if cfg.Auth.MaxRetries == 0 {
		cfg.Auth.MaxRetries = 5
	}
	if cfg.Auth.SafetyMargin == 0 {
		cfg.Auth.SafetyMargin = 2 * time.Minute
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 10 * time.Second
	}

	if cfg.Tradier.BaseURL == "" {
		cfg.Tradier.BaseURL = "https://api.tradier.com"
	}
	if cfg.Tradier.SandboxURL == "" {
		cfg.Tradier.SandboxURL = "https://sandbox.tradier.com"
	}
	ts := &cfg.TradeStation
	if ts.BaseURL == "" {
		ts.BaseURL = "https://api.tradestation.com/v3"
	}
	if ts.AuthURL == "" {
		ts.AuthURL = "https://signin.tradestation.com"
	}
	if ts.RedirectURI == "" {
		ts.RedirectURI = "http://localhost"
	}
	if ts.Audience == "" {
		ts.Audience = "https://api.tradestation.com"
	}
	if ts.Scope == "" {
		ts.Scope = "openid offline_access MarketData ReadAccount Trade"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Finnhub.BaseURL == "" {
		cfg.Finnhub.BaseURL = "https://finnhub.io/api/v1"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKER"); v != "" {
		cfg.Broker = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SPEND_PER_DAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.SpendPerDay = f
		}
	}

	if v := os.Getenv("TRADIER_ACCESS_TOKEN"); v != "" {
		cfg.Tradier.AccessToken = v
	}
	if v := os.Getenv("TRADIER_ACCOUNT_ID"); v != "" {
		cfg.Tradier.AccountID = v
	}

	if v := os.Getenv("TRADESTATION_CLIENT_ID"); v != "" {
		cfg.TradeStation.ClientID = v
	}
	if v := os.Getenv("TRADESTATION_CLIENT_SECRET"); v != "" {
		cfg.TradeStation.ClientSecret = v
	}

	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Finnhub.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	// Standard Alpaca env vars, highest priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
