// Package brackettrader is a client for the status API served by a running
// bracket-trader.
package brackettrader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brackettrader/internal/domain"
	"brackettrader/internal/httpapi"
)

// Client talks to the bracket-trader status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new status API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status api: %d: %s", e.StatusCode, e.Message)
}

// Accounts lists the accounts and their budgets.
func (c *Client) Accounts(ctx context.Context) ([]httpapi.AccountJSON, error) {
	var out []httpapi.AccountJSON
	err := c.get(ctx, "/api/accounts", nil, &out)
	return out, err
}

// Stats reconciles account over a daysBack window on the server.
func (c *Client) Stats(ctx context.Context, account string, daysBack int) (*httpapi.StatsJSON, error) {
	var out httpapi.StatsJSON
	q := url.Values{"days": {strconv.Itoa(daysBack)}}
	if err := c.get(ctx, "/api/accounts/"+url.PathEscape(account)+"/stats", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quotes returns current quotes for symbols.
func (c *Client) Quotes(ctx context.Context, account string, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote)
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	err := c.get(ctx, "/api/accounts/"+url.PathEscape(account)+"/quotes", q, &out)
	return out, err
}

// Events returns audit log entries from the last hours.
func (c *Client) Events(ctx context.Context, account string, hours int) ([]httpapi.EventJSON, error) {
	var out []httpapi.EventJSON
	q := url.Values{"hours": {strconv.Itoa(hours)}}
	err := c.get(ctx, "/api/accounts/"+url.PathEscape(account)+"/events", q, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
