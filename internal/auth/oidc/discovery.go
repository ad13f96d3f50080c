// Package oidc resolves provider endpoints from OpenID Connect discovery
// documents.
package oidc

import (
	"context"
	"net/http"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
)

// Metadata is the subset of a discovery document the federation layer uses.
type Metadata struct {
	Issuer      string   `json:"issuer"`
	AuthURL     string   `json:"authorization_endpoint"`
	TokenURL    string   `json:"token_endpoint"`
	UserInfoURL string   `json:"userinfo_endpoint"`
	JWKSURL     string   `json:"jwks_uri"`
	Algorithms  []string `json:"id_token_signing_alg_values_supported"`
}

// Discover fetches issuer's /.well-known/openid-configuration. The issuer
// in the document must match exactly.
func Discover(ctx context.Context, issuer string, client *http.Client) (Metadata, error) {
	if client != nil {
		ctx = gooidc.ClientContext(ctx, client)
	}
	ctx, span := observability.StartSpan(ctx, "oidc.discover")
	p, err := gooidc.NewProvider(ctx, strings.TrimSuffix(issuer, "/"))
	observability.FinishSpan(span, err)
	if err != nil {
		return Metadata{}, autherr.Wrap(autherr.ErrConfiguration, "oidc discovery", err)
	}

	var md Metadata
	if err := p.Claims(&md); err != nil {
		return Metadata{}, autherr.Wrap(autherr.ErrConfiguration, "oidc discovery", err)
	}
	ep := p.Endpoint()
	md.AuthURL, md.TokenURL = ep.AuthURL, ep.TokenURL
	md.UserInfoURL = p.UserInfoEndpoint()
	return md, nil
}

// Apply fills the verification settings of cfg that discovery can supply.
// Explicit settings win.
func (md Metadata) Apply(cfg domain.ProviderConfig) domain.ProviderConfig {
	if cfg.Issuer == "" {
		cfg.Issuer = md.Issuer
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = md.JWKSURL
	}
	if len(cfg.JWKSAlgorithms) == 0 && len(md.Algorithms) > 0 {
		cfg.JWKSAlgorithms = append([]string(nil), md.Algorithms...)
	}
	return cfg
}

// DiscoverAll runs discovery for every configured provider that asks for it
// and returns the completed configs. Any failure aborts.
func DiscoverAll(ctx context.Context, configs map[string]domain.ProviderConfig, client *http.Client, logger observability.Logger) (map[string]domain.ProviderConfig, error) {
	logger = observability.OrDefault(logger).WithComponent("oidc")
	out := make(map[string]domain.ProviderConfig, len(configs))
	for id, cfg := range configs {
		if !cfg.Discover || !cfg.Configured() {
			out[id] = cfg
			continue
		}
		issuer := cfg.Issuer
		if issuer == "" {
			issuer = cfg.RootURL
		}
		md, err := Discover(ctx, issuer, client)
		if err != nil {
			return nil, autherr.WithProvider(err, id)
		}
		logger.Info("discovered provider metadata", "provider", id, "issuer", md.Issuer, "jwks_url", md.JWKSURL)
		out[id] = md.Apply(cfg)
	}
	return out, nil
}
