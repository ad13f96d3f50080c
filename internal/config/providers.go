package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oauthfed/internal/auth/provider"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

// stringList accepts either a scalar or a sequence.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if s := strings.TrimSpace(n.Value); s != "" {
			*l = []string{s}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list", n.Line)
}

// providerSection is one provider block as written in the file.
type providerSection struct {
	ClientID     string     `yaml:"client-id"`
	ClientSecret string     `yaml:"client-secret"`
	RootURL      string     `yaml:"root-url"`
	ServiceName  string     `yaml:"service-name"`
	Scheme       string     `yaml:"scheme"`
	Scope        string     `yaml:"scope"`
	Realm        string     `yaml:"realm"`
	Tenant       string     `yaml:"tenant"`
	Issuer       string     `yaml:"issuer"`
	Domain       stringList `yaml:"domain"`

	EnablePKCE           bool  `yaml:"enable-pkce"`
	EnablePasswordFlow   bool  `yaml:"enable-resource-owner-password-flow"`
	LinkExisting         bool  `yaml:"link-to-existing-accounts"`
	LinkExistingGerrit   bool  `yaml:"link-to-existing-gerrit-accounts"`
	FixLegacyUserID      bool  `yaml:"fix-legacy-user-id"`
	UseEmailAsUsername   bool  `yaml:"use-email-as-username"`
	UsePreferredUsername *bool `yaml:"use-preferred-username"`
	Discover             bool  `yaml:"discover"`

	JWKSURL                 string     `yaml:"jwks-url"`
	JWKSAlgorithms          stringList `yaml:"jwks-algorithms"`
	JWKSCacheSize           *int       `yaml:"jwks-cache-size"`
	JWKSCacheTimeoutHours   *int       `yaml:"jwks-cache-timeout-hours"`
	JWKSCacheRefillRateMins *int       `yaml:"jwks-cache-refill-rate-minutes"`
}

type fileConfig struct {
	Providers map[string]providerSection `yaml:"providers"`
}

var (
	envRef     = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	sectionKey = regexp.MustCompile(`^(?:.+-)?([a-z0-9]+)-oauth$`)
)

// expandEnv replaces ${VAR} references. Bare $VAR is left alone so secrets
// may contain dollar signs.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(m)[1])))
	})
}

// NormalizeProviderKey maps "<name>-<provider>-oauth" and "<provider>-oauth"
// section names to the provider id. Other keys are returned lowercased.
func NormalizeProviderKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if m := sectionKey.FindStringSubmatch(key); m != nil {
		return m[1]
	}
	return key
}

// ParseProviders decodes the provider file and builds one ProviderConfig
// per section, keyed by provider id. Secrets are decrypted and defaults
// applied; the result is validated.
func ParseProviders(data []byte, s Settings) (map[string]domain.ProviderConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(expandEnv(data), &fc); err != nil {
		return nil, autherr.Configuration("parse config file: %v", err)
	}

	keys := make([]string, 0, len(fc.Providers))
	for k := range fc.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]domain.ProviderConfig, len(keys))
	for _, key := range keys {
		id := NormalizeProviderKey(key)
		if _, dup := out[id]; dup {
			return nil, autherr.Configuration("provider %q is configured twice", id)
		}
		cfg, err := fc.Providers[key].toConfig(id, s)
		if err != nil {
			return nil, autherr.WithProvider(err, id)
		}
		out[id] = cfg
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p providerSection) toConfig(id string, s Settings) (domain.ProviderConfig, error) {
	secret, err := OpenSecret(p.ClientSecret, s.SecretKey)
	if err != nil {
		return domain.ProviderConfig{}, autherr.Configuration("client-secret: %v", err)
	}

	cfg := domain.ProviderConfig{
		ProviderID:           id,
		ClientID:             strings.TrimSpace(p.ClientID),
		ClientSecret:         secret,
		RootURL:              strings.TrimRight(p.RootURL, "/"),
		CallbackURL:          s.CallbackURL(),
		Scope:                p.Scope,
		Scheme:               p.Scheme,
		ServiceName:          p.ServiceName,
		Realm:                p.Realm,
		Tenant:               p.Tenant,
		Issuer:               p.Issuer,
		Domains:              []string(p.Domain),
		LinkExistingAccount:  p.LinkExisting || p.LinkExistingGerrit,
		FixLegacyUserID:      p.FixLegacyUserID,
		UsePKCE:              p.EnablePKCE,
		UseEmailAsUsername:   p.UseEmailAsUsername,
		UsePreferredUsername: true,
		EnablePasswordFlow:   p.EnablePasswordFlow,
		Discover:             p.Discover,
		JWKSURL:              p.JWKSURL,
		JWKSAlgorithms:       []string(p.JWKSAlgorithms),
		JWKSCacheSize:        domain.DefaultJWKSCacheSize,
		JWKSCacheTTL:         domain.DefaultJWKSCacheTTL,
		JWKSRefillRate:       domain.DefaultJWKSRefillRate,
	}
	if p.UsePreferredUsername != nil {
		cfg.UsePreferredUsername = *p.UsePreferredUsername
	}
	if p.JWKSCacheSize != nil {
		cfg.JWKSCacheSize = *p.JWKSCacheSize
	}
	if p.JWKSCacheTimeoutHours != nil {
		cfg.JWKSCacheTTL = time.Duration(*p.JWKSCacheTimeoutHours) * time.Hour
	}
	if p.JWKSCacheRefillRateMins != nil {
		cfg.JWKSRefillRate = time.Duration(*p.JWKSCacheRefillRateMins) * time.Minute
	}
	return cfg, nil
}

// Validate checks every configured provider. Unconfigured sections (no
// client id) are skipped.
func Validate(configs map[string]domain.ProviderConfig) error {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := validateProvider(configs[id]); err != nil {
			return autherr.WithProvider(err, id)
		}
	}
	return nil
}

func validateProvider(c domain.ProviderConfig) error {
	if !c.Configured() {
		return nil
	}
	if c.ClientSecret == "" {
		return autherr.Configuration("client-id is set but client-secret is empty")
	}
	if c.RootURL != "" {
		if err := provider.ValidateRootURL(c.RootURL); err != nil {
			return err
		}
	}
	if c.FixLegacyUserID && c.LinkExistingAccount {
		return autherr.Configuration("fix-legacy-user-id and link-to-existing-accounts are mutually exclusive")
	}
	if c.JWKSURL != "" {
		u, err := url.Parse(c.JWKSURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return autherr.Configuration("jwks-url %q must be an absolute URL", c.JWKSURL)
		}
	}
	if c.JWKSCacheSize < 0 || c.JWKSCacheTTL < 0 || c.JWKSRefillRate < 0 {
		return autherr.Configuration("jwks cache settings must not be negative")
	}
	return nil
}
