package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse is the body of a successful token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
}

// TokenEndpoint is the OAuth authorization server as seen by the Manager.
type TokenEndpoint interface {
	// AuthorizeURL is the page an operator visits to obtain a code.
	AuthorizeURL(state string) string

	// Exchange trades an authorization code for tokens.
	Exchange(ctx context.Context, code string) (*TokenResponse, error)

	// Refresh obtains a new access token with a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)

	// Revoke invalidates a refresh token.
	Revoke(ctx context.Context, refreshToken string) error
}

// Compile-time interface check.
var _ TokenEndpoint = (*OAuthClient)(nil)

// OAuthConfig identifies the client to the authorization server.
type OAuthConfig struct {
	AuthURL      string // sign-in host, e.g. https://signin.tradestation.com
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Audience     string
	Scope        string
	Timeout      time.Duration
}

// OAuthClient speaks the form-encoded authorization_code, refresh_token and
// revoke requests of an OAuth 2 authorization server.
type OAuthClient struct {
	cfg  OAuthConfig
	http *http.Client
}

// NewOAuthClient creates a client for the given server.
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	return &OAuthClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// TokenError is a non-2xx answer from the token endpoint.
type TokenError struct {
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// AuthorizeURL builds the authorization page URL.
func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	if c.cfg.Audience != "" {
		q.Set("audience", c.cfg.Audience)
	}
	if c.cfg.Scope != "" {
		q.Set("scope", c.cfg.Scope)
	}
	q.Set("state", state)
	return c.cfg.AuthURL + "/authorize?" + q.Encode()
}

// Exchange performs the authorization_code grant.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	return c.token(ctx, form)
}

// Refresh performs the refresh_token grant.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, form)
}

// Revoke invalidates refreshToken.
func (c *OAuthClient) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("token", refreshToken)
	_, err := c.post(ctx, "/oauth/revoke", form)
	return err
}

func (c *OAuthClient) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	body, err := c.post(ctx, "/oauth/token", form)
	if err != nil {
		return nil, err
	}
	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" || tok.ExpiresIn <= 0 {
		return nil, fmt.Errorf("token response missing access_token or expires_in")
	}
	return &tok, nil
}

func (c *OAuthClient) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
