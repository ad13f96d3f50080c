package domain

import (
	"strings"
	"time"
)

// Default JWKS cache tuning applied when a provider section leaves them unset.
const (
	DefaultJWKSCacheSize  = 10
	DefaultJWKSCacheTTL   = time.Hour
	DefaultJWKSRefillRate = time.Minute
)

// ProviderConfig holds the immutable settings of one identity provider.
// It is built once at startup and never mutated afterwards.
type ProviderConfig struct {
	ProviderID   string `json:"provider_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
	RootURL      string `json:"root_url,omitempty"`
	CallbackURL  string `json:"callback_url"`
	Scope        string `json:"scope,omitempty"`

	// Scheme overrides the external id scheme. Empty means "<provider>-oauth".
	Scheme      string   `json:"scheme,omitempty"`
	ServiceName string   `json:"service_name,omitempty"`
	Realm       string   `json:"realm,omitempty"`
	Tenant      string   `json:"tenant,omitempty"`
	Issuer      string   `json:"issuer,omitempty"`
	Domains     []string `json:"domains,omitempty"`

	LinkExistingAccount  bool `json:"link_existing_account"`
	FixLegacyUserID      bool `json:"fix_legacy_user_id"`
	UsePKCE              bool `json:"use_pkce"`
	UseEmailAsUsername   bool `json:"use_email_as_username"`
	UsePreferredUsername bool `json:"use_preferred_username"`
	EnablePasswordFlow   bool `json:"enable_password_flow"`

	// Discover fills Issuer, JWKSURL and JWKSAlgorithms from the issuer's
	// discovery document at startup.
	Discover bool `json:"discover"`

	JWKSURL        string        `json:"jwks_url,omitempty"`
	JWKSAlgorithms []string      `json:"jwks_algorithms,omitempty"`
	JWKSCacheSize  int           `json:"jwks_cache_size"`
	JWKSCacheTTL   time.Duration `json:"jwks_cache_ttl"`
	JWKSRefillRate time.Duration `json:"jwks_refill_rate"`
}

// Configured reports whether the provider has a client id. A provider
// without one is treated as absent.
func (c ProviderConfig) Configured() bool {
	return strings.TrimSpace(c.ClientID) != ""
}

// ExternalIDScheme returns the scheme prefix used for external ids.
func (c ProviderConfig) ExternalIDScheme() string {
	if c.Scheme != "" {
		return c.Scheme
	}
	return c.ProviderID + "-oauth"
}

// Scopes splits the configured scope string on whitespace and commas.
func (c ProviderConfig) Scopes() []string {
	return strings.FieldsFunc(c.Scope, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
}

// ProviderSelection is the outcome of exclusivity resolution. At most one
// login provider is active; an empty ActiveProviderID means logins are disabled.
type ProviderSelection struct {
	ActiveProviderID string   `json:"active_provider_id,omitempty"`
	Configured       []string `json:"configured"`
}

// Disabled reports whether no login provider was selected.
func (s ProviderSelection) Disabled() bool {
	return s.ActiveProviderID == ""
}
