package domain

import "time"

// Credential is the persisted OAuth material for one broker account. The
// record is always saved whole; there are no partial updates.
type Credential struct {
	AuthCode     string    `json:"auth_code,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int       `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// HasTokens reports whether the token fields derived from an exchange are
// all present.
func (c *Credential) HasTokens() bool {
	return c.AccessToken != "" && c.RefreshToken != "" && !c.ExpiresAt.IsZero()
}

// Expired reports whether the access token must be refreshed at now.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
