// Package oauth performs OAuth2 grants against an identity provider and
// executes authorized resource requests.
package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
)

// maxResponseSize bounds token and resource response bodies.
const maxResponseSize = 1 << 20

// DefaultVerifierTTL is how long a PKCE verifier waits for its callback.
const DefaultVerifierTTL = 10 * time.Minute

// TokenPlacement selects where a bearer token is sent on resource requests.
type TokenPlacement int

const (
	// TokenInHeader sends "Authorization: Bearer <token>".
	TokenInHeader TokenPlacement = iota
	// TokenInQuery sends the access_token query parameter.
	TokenInQuery
)

func (p TokenPlacement) String() string {
	if p == TokenInQuery {
		return "query"
	}
	return "header"
}

// ClientConfig describes one provider's OAuth2 client.
type ClientConfig struct {
	ProviderID   string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL   string
	TokenURL  string
	AuthStyle oauth2.AuthStyle

	// AuthParams are extra authorization request parameters, such as hd.
	AuthParams map[string]string

	UsePKCE     bool
	VerifierTTL time.Duration

	TokenPlacement TokenPlacement
	HTTPClient     *http.Client
}

// Response is the result of an authorized resource request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client runs grants for a single provider. It is immutable after
// construction and safe for concurrent use.
type Client struct {
	cfg       ClientConfig
	oauth     oauth2.Config
	http      *http.Client
	verifiers VerifierStore
	logger    observability.Logger
	metrics   *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithVerifierStore sets where PKCE verifiers are kept between the
// redirect and the callback.
func WithVerifierStore(s VerifierStore) Option {
	return func(c *Client) {
		if s != nil {
			c.verifiers = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records grants in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client for cfg.
func NewClient(cfg ClientConfig, opts ...Option) *Client {
	if cfg.VerifierTTL <= 0 {
		cfg.VerifierTTL = DefaultVerifierTTL
	}
	c := &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: cfg.AuthStyle,
			},
		},
		http:   cfg.HTTPClient,
		logger: observability.NopLogger(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.verifiers == nil {
		c.verifiers = NewMemoryVerifierStore()
	}
	c.logger = c.logger.WithComponent("oauth").With("provider", cfg.ProviderID)
	return c
}

// ProviderID returns the provider this client talks to.
func (c *Client) ProviderID() string { return c.cfg.ProviderID }

// AuthorizationURL returns the URL the user agent is redirected to. With
// PKCE enabled a fresh verifier is generated and stored under state.
func (c *Client) AuthorizationURL(ctx context.Context, state string) (string, error) {
	keys := make([]string, 0, len(c.cfg.AuthParams))
	for k := range c.cfg.AuthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]oauth2.AuthCodeOption, 0, len(keys)+1)
	for _, k := range keys {
		opts = append(opts, oauth2.SetAuthURLParam(k, c.cfg.AuthParams[k]))
	}

	if c.cfg.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		if err := c.verifiers.Put(ctx, state, verifier, c.cfg.VerifierTTL); err != nil {
			return "", fmt.Errorf("store pkce verifier: %w", err)
		}
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return c.oauth.AuthCodeURL(state, opts...), nil
}

// ExchangeCode redeems an authorization code. The PKCE verifier stored for
// state is consumed whether or not the exchange succeeds.
func (c *Client) ExchangeCode(ctx context.Context, state, code string) (tok domain.AccessToken, err error) {
	ctx, span := observability.StartSpan(ctx, "oauth.exchange_code",
		attribute.String("provider", c.cfg.ProviderID))
	defer func() {
		c.metrics.RecordTokenExchange(c.cfg.ProviderID, "authorization_code", err)
		observability.FinishSpan(span, err)
	}()

	var opts []oauth2.AuthCodeOption
	if c.cfg.UsePKCE {
		verifier, err := c.verifiers.Take(ctx, state)
		if err != nil {
			return domain.AccessToken{}, autherr.Wrap(autherr.ErrTokenExchange, "exchange code",
				fmt.Errorf("no pkce verifier for state: %w", err))
		}
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	capture := c.capture()
	token, err := c.oauth.Exchange(capture.context(ctx), code, opts...)
	if err != nil {
		return domain.AccessToken{}, c.exchangeError("exchange code", err)
	}
	return toAccessToken(token, capture.body), nil
}

// ExchangePassword performs the resource owner password credentials grant.
func (c *Client) ExchangePassword(ctx context.Context, username, password string) (tok domain.AccessToken, err error) {
	ctx, span := observability.StartSpan(ctx, "oauth.exchange_password",
		attribute.String("provider", c.cfg.ProviderID))
	defer func() {
		c.metrics.RecordTokenExchange(c.cfg.ProviderID, "password", err)
		observability.FinishSpan(span, err)
	}()

	capture := c.capture()
	token, err := c.oauth.PasswordCredentialsToken(capture.context(ctx), username, password)
	if err != nil {
		return domain.AccessToken{}, c.exchangeError("password grant", err)
	}
	return toAccessToken(token, capture.body), nil
}

// SignAndExecute attaches token to req and sends it. Non-2xx responses are
// returned as ErrResourceFetch carrying the status and body.
func (c *Client) SignAndExecute(ctx context.Context, token domain.AccessToken, req *http.Request) (_ *Response, err error) {
	ctx, span := observability.StartSpan(ctx, "oauth.resource_fetch",
		attribute.String("provider", c.cfg.ProviderID),
		attribute.String("placement", c.cfg.TokenPlacement.String()))
	defer func() { observability.FinishSpan(span, err) }()

	req = req.Clone(ctx)
	switch c.cfg.TokenPlacement {
	case TokenInQuery:
		q := req.URL.Query()
		q.Set("access_token", token.Token)
		req.URL.RawQuery = q.Encode()
	default:
		req.Header.Set("Authorization", "Bearer "+token.Token)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrResourceFetch, "resource fetch", redactURLError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrResourceFetch, "resource fetch", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "resource request rejected", "status", resp.StatusCode, "url", req.URL.Path)
		return nil, autherr.HTTP(autherr.ErrResourceFetch, "resource fetch", resp.StatusCode, body)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Get is SignAndExecute for a plain GET of rawURL.
func (c *Client) Get(ctx context.Context, token domain.AccessToken, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrResourceFetch, "build request", err)
	}
	return c.SignAndExecute(ctx, token, req)
}

func (c *Client) exchangeError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		c.logger.Warn("token endpoint rejected grant", "op", op, "status", re.Response.StatusCode, "error_code", re.ErrorCode)
		return autherr.HTTP(autherr.ErrTokenExchange, op, re.Response.StatusCode, re.Body)
	}
	return autherr.Wrap(autherr.ErrTokenExchange, op, redactURLError(err))
}

func toAccessToken(token *oauth2.Token, raw []byte) domain.AccessToken {
	at := domain.AccessToken{
		Token:       token.AccessToken,
		TokenType:   token.TokenType,
		RawResponse: raw,
		Expiry:      token.Expiry,
	}
	if id, ok := token.Extra("id_token").(string); ok {
		at.IDToken = id
	}
	return at
}

// redactURLError drops the query string from transport errors, which may
// carry an access token.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if u, perr := url.Parse(ue.URL); perr == nil {
			u.RawQuery = ""
			return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
		}
	}
	return err
}

// responseCapture records the body of the token endpoint response so the
// raw payload survives oauth2's parsing.
type responseCapture struct {
	base    http.RoundTripper
	timeout time.Duration
	body    []byte
}

func (c *Client) capture() *responseCapture {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &responseCapture{base: base, timeout: c.http.Timeout}
}

func (rc *responseCapture) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: rc, Timeout: rc.timeout})
}

func (rc *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rc.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	rc.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
