package domain

import (
	"crypto"
	"strings"
	"time"
)

// ExternalIdentity is the canonical result of a login against any provider.
// Optional fields are nil when the provider did not supply them.
type ExternalIdentity struct {
	ExternalID      string   `json:"external_id"`
	Username        *string  `json:"username,omitempty"`
	Email           *string  `json:"email,omitempty"`
	DisplayName     *string  `json:"display_name,omitempty"`
	ClaimedIdentity *string  `json:"claimed_identity,omitempty"`
	Groups          []string `json:"groups,omitempty"`
}

// Scheme returns the part of ExternalID before the first colon.
func (e *ExternalIdentity) Scheme() string {
	scheme, _, _ := strings.Cut(e.ExternalID, ":")
	return scheme
}

// UsernameValue returns the username or "" when absent.
func (e *ExternalIdentity) UsernameValue() string {
	if e == nil || e.Username == nil {
		return ""
	}
	return *e.Username
}

// AccessToken is the result of an OAuth2 grant. RawResponse keeps the token
// endpoint payload, which may embed an ID token.
type AccessToken struct {
	Token       string    `json:"-"`
	TokenType   string    `json:"token_type,omitempty"`
	IDToken     string    `json:"-"`
	RawResponse []byte    `json:"-"`
	Expiry      time.Time `json:"expiry,omitempty"`
}

// JWKCacheEntry is one signing key held by a JWKS cache.
type JWKCacheEntry struct {
	KeyID     string
	Algorithm string
	PublicKey crypto.PublicKey
	FetchedAt time.Time
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
