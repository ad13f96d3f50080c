package provider

import (
	"context"
	"encoding/json"

	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/identity"
	"oauthfed/internal/auth/jwks"
	"oauthfed/internal/auth/jwt"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
)

// Provider is a configured identity provider. It is built once at startup
// and shared by all requests.
type Provider struct {
	desc       Descriptor
	cfg        domain.ProviderConfig
	endpoints  Endpoints
	client     *oauth.Client
	keys       *jwks.Cache
	verifier   *jwt.Verifier
	normalizer *identity.Normalizer
	groups     *groups.Cache
	logger     observability.Logger
}

// New builds a provider from its descriptor and configuration.
func New(d Descriptor, cfg domain.ProviderConfig, deps Deps) (*Provider, error) {
	if !cfg.Configured() {
		return nil, autherr.Configuration("provider %q has no client id", d.ID)
	}
	cfg.ProviderID = d.ID

	endpoints, err := d.Endpoints(cfg)
	if err != nil {
		return nil, err
	}

	logger := observability.OrDefault(deps.Logger).With("provider", d.ID)

	normalizer, err := identity.New(d.MappingOf(cfg), identity.Policy{
		Scheme:              cfg.ExternalIDScheme(),
		Domains:             cfg.Domains,
		StripDomain:         d.StripDomain,
		UseEmailAsUsername:  cfg.UseEmailAsUsername,
		FixLegacyUserID:     cfg.FixLegacyUserID,
		LinkExistingAccount: cfg.LinkExistingAccount,
	})
	if err != nil {
		return nil, err
	}

	scopes := cfg.Scopes()
	if len(scopes) == 0 {
		scopes = domain.ProviderConfig{Scope: d.Scope}.Scopes()
	}
	var params map[string]string
	if d.AuthParams != nil {
		params = d.AuthParams(cfg)
	}

	p := &Provider{
		desc:       d,
		cfg:        cfg,
		endpoints:  endpoints,
		normalizer: normalizer,
		groups:     deps.Groups,
		logger:     logger.WithComponent("provider"),
	}
	p.client = oauth.NewClient(oauth.ClientConfig{
		ProviderID:     d.ID,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.CallbackURL,
		Scopes:         scopes,
		AuthURL:        endpoints.AuthURL,
		TokenURL:       endpoints.TokenURL,
		AuthParams:     params,
		UsePKCE:        cfg.UsePKCE,
		TokenPlacement: d.Placement,
		HTTPClient:     deps.HTTPClient,
	},
		oauth.WithVerifierStore(deps.Verifiers),
		oauth.WithLogger(logger),
		oauth.WithMetrics(deps.Metrics),
	)

	var keys jwt.KeySource
	if cfg.JWKSURL != "" {
		p.keys = jwks.New(jwks.Config{
			ProviderID: d.ID,
			URL:        cfg.JWKSURL,
			Size:       cfg.JWKSCacheSize,
			TTL:        cfg.JWKSCacheTTL,
			RefillRate: cfg.JWKSRefillRate,
			Algorithms: cfg.JWKSAlgorithms,
			HTTPClient: deps.HTTPClient,
		}, jwks.WithLogger(logger), jwks.WithMetrics(deps.Metrics))
		keys = p.keys
	}
	p.verifier = jwt.NewVerifier(keys, jwt.VerifierConfig{
		Issuer:     cfg.Issuer,
		Algorithms: cfg.JWKSAlgorithms,
	}, logger)
	return p, nil
}

// ID returns the provider id.
func (p *Provider) ID() string { return p.desc.ID }

// ServiceName is the human readable provider name.
func (p *Provider) ServiceName() string {
	if p.cfg.ServiceName != "" {
		return p.cfg.ServiceName
	}
	return p.desc.ServiceName
}

// Scheme returns the external id scheme.
func (p *Provider) Scheme() string { return p.normalizer.Scheme() }

// Config returns the provider configuration.
func (p *Provider) Config() domain.ProviderConfig { return p.cfg }

// Descriptor returns the provider's descriptor.
func (p *Provider) Descriptor() Descriptor { return p.desc }

// Endpoints returns the expanded endpoint URLs.
func (p *Provider) Endpoints() Endpoints { return p.endpoints }

// Verifying reports whether tokens are signature-checked.
func (p *Provider) Verifying() bool { return !p.verifier.DecodeOnly() }

// PasswordFlowEnabled reports whether the resource owner password grant
// may be used.
func (p *Provider) PasswordFlowEnabled() bool { return p.cfg.EnablePasswordFlow }

// AuthorizationURL returns the redirect URL for a browser login.
func (p *Provider) AuthorizationURL(ctx context.Context, state string) (string, error) {
	return p.client.AuthorizationURL(ctx, state)
}

// AccessToken redeems the authorization code returned to the callback.
func (p *Provider) AccessToken(ctx context.Context, state, code string) (domain.AccessToken, error) {
	tok, err := p.client.ExchangeCode(ctx, state, code)
	return tok, autherr.WithProvider(err, p.desc.ID)
}

// ExchangePassword runs the password grant when it is enabled.
func (p *Provider) ExchangePassword(ctx context.Context, username, password string) (domain.AccessToken, error) {
	if !p.PasswordFlowEnabled() {
		return domain.AccessToken{}, autherr.WithProvider(
			autherr.New(autherr.ErrTokenExchange, "password grant", "password flow is disabled"), p.desc.ID)
	}
	tok, err := p.client.ExchangePassword(ctx, username, password)
	return tok, autherr.WithProvider(err, p.desc.ID)
}

// UserInfo resolves token to an identity. Providers with an id_token
// source verify the token locally; others call the user info endpoint.
// Group claims are recorded for group backend providers.
func (p *Provider) UserInfo(ctx context.Context, token domain.AccessToken) (*domain.ExternalIdentity, error) {
	ctx = observability.WithProvider(ctx, p.desc.ID)
	id, err := p.userInfo(ctx, token)
	if err != nil {
		return nil, autherr.WithProvider(err, p.desc.ID)
	}
	if p.desc.GroupBackend && p.groups != nil {
		p.groups.Put(id.ExternalID, id.Groups)
	}
	p.logger.DebugContext(ctx, "resolved identity", "external_id", id.ExternalID, "groups", len(id.Groups))
	return id, nil
}

func (p *Provider) userInfo(ctx context.Context, token domain.AccessToken) (*domain.ExternalIdentity, error) {
	if p.desc.Source == SourceIDToken {
		tok, err := p.verifier.Verify(ctx, idTokenOf(token))
		if err != nil {
			return nil, err
		}
		doc, err := identity.DecodeDocument(tok.Payload)
		if err != nil {
			return nil, err
		}
		return p.normalizer.Normalize(doc)
	}

	// A JWT bearer token is checked before it is sent anywhere when keys
	// are configured.
	if p.keys != nil && jwt.LooksLikeJWT(token.Token) {
		if _, err := p.verifier.Verify(ctx, token.Token); err != nil {
			return nil, err
		}
	}
	resp, err := p.client.Get(ctx, token, p.endpoints.UserInfoURL)
	if err != nil {
		return nil, err
	}
	return p.normalizer.NormalizeJSON(resp.Body)
}

// idTokenOf returns the id_token of a grant response, falling back to the
// access token itself.
func idTokenOf(token domain.AccessToken) string {
	if token.IDToken != "" {
		return token.IDToken
	}
	if len(token.RawResponse) > 0 {
		var raw struct {
			IDToken string `json:"id_token"`
		}
		if json.Unmarshal(token.RawResponse, &raw) == nil && raw.IDToken != "" {
			return raw.IDToken
		}
	}
	return token.Token
}
