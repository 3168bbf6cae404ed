package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brackettrader/internal/broker"
	"brackettrader/internal/domain"
)

// Compile-time interface check.
var _ broker.MarketStatusSource = (*FinnhubClient)(nil)

// FinnhubClient reads exchange status from the Finnhub market-status API.
type FinnhubClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewFinnhubClient creates a client. An empty baseURL uses the public API.
func NewFinnhubClient(baseURL, apiKey string, timeout time.Duration) *FinnhubClient {
	if baseURL == "" {
		baseURL = "https://finnhub.io/api/v1"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FinnhubClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// MarketOpen reports whether US exchanges are open now.
func (c *FinnhubClient) MarketOpen(ctx context.Context) (bool, error) {
	q := url.Values{"exchange": {"US"}, "token": {c.apiKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stock/market-status?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: finnhub market status: %v", domain.ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("%w: finnhub market status: %v", domain.ErrBrokerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: finnhub market status returned %d: %s",
			domain.ErrBrokerUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var status struct {
		IsOpen *bool `json:"isOpen"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return false, fmt.Errorf("%w: decoding finnhub market status: %v", domain.ErrBrokerUnavailable, err)
	}
	if status.IsOpen == nil {
		return false, fmt.Errorf("%w: finnhub market status missing isOpen", domain.ErrBrokerUnavailable)
	}
	return *status.IsOpen, nil
}
