// Package auth keeps one account's OAuth credential valid. The Manager moves
// the stored record through NeedAuthCode, NeedTokenExchange, Valid, Expired
// and RefreshFailed, saving the whole record after every successful step.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"brackettrader/internal/domain"
	"brackettrader/internal/store"
	"brackettrader/internal/util"
)

// State is the position of a credential in the authorization lifecycle.
type State int

const (
	StateNeedAuthCode State = iota
	StateNeedTokenExchange
	StateValid
	StateExpired
	StateRefreshFailed
)

func (s State) String() string {
	switch s {
	case StateNeedAuthCode:
		return "need_auth_code"
	case StateNeedTokenExchange:
		return "need_token_exchange"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateRefreshFailed:
		return "refresh_failed"
	}
	return "unknown"
}

// Classify derives the state of cred at now. A nil credential needs a code.
func Classify(cred *domain.Credential, now time.Time) State {
	switch {
	case cred == nil || cred.AuthCode == "":
		return StateNeedAuthCode
	case !cred.HasTokens():
		return StateNeedTokenExchange
	case cred.Expired(now):
		return StateExpired
	}
	return StateValid
}

// MinSafetyMargin is the smallest margin subtracted from a token lifetime.
const MinSafetyMargin = 2 * time.Minute

// Options tune the Manager. Zero values take defaults.
type Options struct {
	MaxRetries   int
	SafetyMargin time.Duration
	RetryDelay   time.Duration
	Now          func() time.Time
}

var authCodePattern = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// Manager guarantees a valid access token before broker calls.
type Manager struct {
	store    store.CredentialStore
	endpoint TokenEndpoint
	log      *slog.Logger

	maxRetries   int
	safetyMargin time.Duration
	retryDelay   time.Duration
	now          func() time.Time

	mu    sync.Mutex
	state State
}

// NewManager creates a Manager over the given store and token endpoint.
func NewManager(cs store.CredentialStore, endpoint TokenEndpoint, opts Options, log *slog.Logger) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.SafetyMargin < MinSafetyMargin {
		opts.SafetyMargin = MinSafetyMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:        cs,
		endpoint:     endpoint,
		log:          log.With("component", "auth"),
		maxRetries:   opts.MaxRetries,
		safetyMargin: opts.SafetyMargin,
		retryDelay:   opts.RetryDelay,
		now:          opts.Now,
		state:        StateNeedAuthCode,
	}
}

// Token returns a valid access token. It lets the Manager act as the token
// source of an OAuth broker.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return m.EnsureValidToken(ctx)
}

// EnsureValidToken returns a usable access token, exchanging or refreshing
// as needed. Each failed grant counts one attempt; after MaxRetries attempts
// it returns domain.ErrAuthExhausted. A record without an authorization code
// returns domain.ErrAuthorizationRequired at once.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var token string
	attempts := 0
	err := util.Retry(ctx, m.maxRetries, m.retryDelay, func() error {
		attempts++
		t, err := m.step(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrAuthorizationRequired) {
				return util.Permanent(err)
			}
			m.log.Warn("credential step failed", "attempt", attempts, "state", m.state.String(), "error", err)
			return err
		}
		token = t
		return nil
	})
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, domain.ErrAuthorizationRequired):
		return "", err
	case ctx.Err() != nil:
		return "", ctx.Err()
	}
	m.log.Error("authorization failed", "attempts", attempts, "error", err)
	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrAuthExhausted, attempts, err)
}

// Refresh runs the refresh grant even when the stored access token has not
// expired. A failed forced refresh leaves the stored record untouched and is
// returned as is. Records without tokens go through EnsureValidToken.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	cred, err := m.load(ctx)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	now := m.now()
	if Classify(cred, now) != StateValid {
		m.mu.Unlock()
		return m.EnsureValidToken(ctx)
	}
	defer m.mu.Unlock()

	tok, err := m.endpoint.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	if err := m.apply(ctx, cred, tok, now); err != nil {
		return "", err
	}
	m.log.Info("refreshed tokens on request", "expires_at", cred.ExpiresAt)
	return cred.AccessToken, nil
}

// step performs one pass of the state machine.
func (m *Manager) step(ctx context.Context) (string, error) {
	cred, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	now := m.now()

	state := Classify(cred, now)
	if state == StateExpired && m.state == StateRefreshFailed {
		state = StateRefreshFailed
	}
	m.state = state

	switch state {
	case StateNeedAuthCode:
		m.log.Warn("authorization code required", "url", m.AuthorizeURL())
		return "", domain.ErrAuthorizationRequired

	case StateNeedTokenExchange:
		tok, err := m.endpoint.Exchange(ctx, cred.AuthCode)
		if err != nil {
			return "", fmt.Errorf("exchanging authorization code: %w", err)
		}
		if err := m.apply(ctx, cred, tok, now); err != nil {
			return "", err
		}
		m.log.Info("obtained tokens", "expires_at", cred.ExpiresAt)
		return cred.AccessToken, nil

	case StateExpired, StateRefreshFailed:
		tok, err := m.endpoint.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			m.state = StateRefreshFailed
			return "", fmt.Errorf("refreshing token: %w", err)
		}
		if err := m.apply(ctx, cred, tok, now); err != nil {
			return "", err
		}
		m.log.Info("refreshed tokens", "expires_at", cred.ExpiresAt)
		return cred.AccessToken, nil
	}
	return cred.AccessToken, nil
}

// apply merges a token response into cred and saves it.
func (m *Manager) apply(ctx context.Context, cred *domain.Credential, tok *TokenResponse, now time.Time) error {
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		cred.TokenType = tok.TokenType
	}
	if tok.Scope != "" {
		cred.Scope = tok.Scope
	}
	cred.ExpiresIn = tok.ExpiresIn
	cred.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn)*time.Second - m.safetyMargin)
	cred.UpdatedAt = now
	if cred.RefreshToken == "" {
		return errors.New("token response carried no refresh token")
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	m.state = StateValid
	return nil
}

func (m *Manager) load(ctx context.Context) (*domain.Credential, error) {
	cred, err := m.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	return cred, nil
}

// State reports the current state of the stored credential.
func (m *Manager) State(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, err := m.load(ctx)
	if err != nil {
		return StateNeedAuthCode, err
	}
	return Classify(cred, m.now()), nil
}

// AuthorizeURL returns the page an operator visits to obtain a code. Each
// call uses a fresh random state value.
func (m *Manager) AuthorizeURL() string {
	return m.endpoint.AuthorizeURL(uuid.NewString())
}

// SubmitAuthCode stores an operator-supplied authorization code, replacing
// any previous record. The code may be URL-encoded.
func (m *Manager) SubmitAuthCode(ctx context.Context, code string) error {
	decoded, err := url.QueryUnescape(strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("decoding authorization code: %w", err)
	}
	if !authCodePattern.MatchString(decoded) {
		return fmt.Errorf("invalid authorization code %q", decoded)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cred := &domain.Credential{AuthCode: decoded, UpdatedAt: m.now()}
	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("saving authorization code: %w", err)
	}
	m.state = StateNeedTokenExchange
	m.log.Info("stored authorization code")
	return nil
}

// Revoke invalidates the refresh token and clears the stored record. A
// failing revoke call is logged, not returned. With reauth the Manager
// re-enters the state machine, which then requires a new code.
func (m *Manager) Revoke(ctx context.Context, reauth bool) error {
	m.mu.Lock()
	cred, err := m.load(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if cred.RefreshToken != "" {
		if err := m.endpoint.Revoke(ctx, cred.RefreshToken); err != nil {
			m.log.Error("failed to revoke tokens", "error", err)
		}
	}
	if err := m.store.Save(ctx, &domain.Credential{UpdatedAt: m.now()}); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("clearing credential: %w", err)
	}
	m.state = StateNeedAuthCode
	m.mu.Unlock()

	if reauth {
		_, err := m.EnsureValidToken(ctx)
		return err
	}
	return nil
}
