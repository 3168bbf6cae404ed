package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"brackettrader/internal/domain"
	"brackettrader/internal/util"
)

// APIError is a broker response with an HTTP status of 400 or above, or an
// explicit rejection in the response body. The request reached the broker
// and was refused, so nothing was created.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unwrap classifies every API error as a broker failure.
func (e *APIError) Unwrap() error { return domain.ErrBrokerUnavailable }

// restClient performs authenticated JSON requests against a broker API.
type restClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	limiter *util.RateLimiter
}

func newRESTClient(baseURL string, timeout time.Duration, tokens TokenSource, limiter *util.RateLimiter) *restClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		limiter: limiter,
	}
}

// get issues a GET and decodes the body into out after checking that every
// key in required is present at the top level.
func (c *restClient) get(ctx context.Context, path string, query url.Values, required []string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return err
	}
	return decode(http.MethodGet, path, body, required, out)
}

// postForm issues a form-encoded POST.
func (c *restClient) postForm(ctx context.Context, path string, form url.Values, required []string, out any) error {
	body, err := c.do(ctx, http.MethodPost, path, nil, []byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	return decode(http.MethodPost, path, body, required, out)
}

// postJSON issues a JSON POST.
func (c *restClient) postJSON(ctx context.Context, path string, payload any, required []string, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", path, err)
	}
	body, err := c.do(ctx, http.MethodPost, path, nil, data, "application/json")
	if err != nil {
		return err
	}
	return decode(http.MethodPost, path, body, required, out)
}

// delete issues a DELETE and discards the body.
func (c *restClient) delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil, "")
	return err
}

func (c *restClient) do(ctx context.Context, method, path string, query url.Values, payload []byte, contentType string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrBrokerUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s %s: %v", domain.ErrBrokerUnavailable, method, path, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// decode validates the top-level keys of body and unmarshals it into out.
func decode(method, path string, body []byte, required []string, out any) error {
	if len(required) > 0 {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(body, &top); err != nil {
			return fmt.Errorf("%w: %s %s: malformed response: %v", domain.ErrBrokerUnavailable, method, path, err)
		}
		for _, k := range required {
			if _, ok := top[k]; !ok {
				return fmt.Errorf("%w: %s %s: response missing %q", domain.ErrBrokerUnavailable, method, path, k)
			}
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: decoding response: %v", domain.ErrBrokerUnavailable, method, path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

// isNull reports whether raw is JSON null, empty, or the string "null".
func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `"null"`
}

// oneOrMany decodes either a single object or an array of objects. Null and
// the string "null" decode to an empty slice.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*o = nil
		return nil
	}
	if t := bytes.TrimSpace(b); t[0] == '[' {
		var many []T
		if err := json.Unmarshal(t, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

// parseTime accepts RFC 3339 timestamps with or without a zone. Timestamps
// without a zone are read as UTC.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
