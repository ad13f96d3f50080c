// Package login implements direct logins where the caller presents either a
// provider-issued bearer token or a password in place of a browser flow.
package login

import (
	"context"
	"errors"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth/jwt"
	"oauthfed/internal/auth/provider"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
	"oauthfed/internal/storage"
)

// Route is the path a secret is sent down.
type Route int

const (
	RouteReject Route = iota
	RouteToken
	RoutePassword
)

func (r Route) String() string {
	switch r {
	case RouteToken:
		return "token"
	case RoutePassword:
		return "password"
	default:
		return "reject"
	}
}

// SubjectClaim is the claim whose presence marks a secret as an access token.
const SubjectClaim = "sub"

// Classify decides how a secret is treated. A compact JWT carrying a string
// subject is a bearer token; anything else is a password when the password
// grant is enabled.
func Classify(secret string, passwordFlow bool) Route {
	if secret == "" {
		return RouteReject
	}
	if tok, err := jwt.Decode(secret); err == nil {
		if _, ok := tok.StringClaim(SubjectClaim); ok {
			return RouteToken
		}
	}
	if passwordFlow {
		return RoutePassword
	}
	return RouteReject
}

// Coordinator runs direct logins against the active login provider.
type Coordinator struct {
	provider provider.LoginProvider
	accounts storage.AccountStore
	audit    audit.AuditLogger
	metrics  *observability.Metrics
	logger   observability.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAudit records every attempt to a.
func WithAudit(a audit.AuditLogger) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithMetrics counts attempts in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a coordinator for p. A nil provider refuses every login.
func New(p provider.LoginProvider, accounts storage.AccountStore, opts ...Option) *Coordinator {
	if p == nil {
		p = provider.Disabled{}
	}
	c := &Coordinator{provider: p, accounts: accounts, logger: observability.OrDefault(nil)}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("login")
	return c
}

// ProviderID returns the id of the provider logins are sent to, or "" when
// logins are disabled.
func (c *Coordinator) ProviderID() string { return c.provider.ID() }

// Login authenticates secret, optionally on behalf of username. Every
// failure is an *autherr.Error; callers must show only
// autherr.PublicMessage.
func (c *Coordinator) Login(ctx context.Context, username, secret string) (*domain.ExternalIdentity, error) {
	route := Classify(secret, c.provider.PasswordFlowEnabled())

	var (
		id  *domain.ExternalIdentity
		err error
	)
	switch route {
	case RouteToken:
		id, err = c.provider.UserInfo(ctx, domain.AccessToken{Token: secret, TokenType: "Bearer"})
	case RoutePassword:
		id, err = c.passwordLogin(ctx, username, secret)
	default:
		err = autherr.Authentication("secret is neither an access token nor an accepted password")
	}
	if err == nil && username != "" && username != id.UsernameValue() {
		err = autherr.Authentication("username does not match")
	}
	if err != nil {
		id = nil
	}

	c.record(ctx, route, username, id, err)
	return id, err
}

func (c *Coordinator) passwordLogin(ctx context.Context, username, password string) (*domain.ExternalIdentity, error) {
	if username == "" {
		return nil, autherr.Authentication("password login requires a username")
	}
	if c.accounts == nil {
		return nil, autherr.Authentication("no account store")
	}

	acct, err := c.accounts.LookupByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherr.Authentication("unknown account")
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrAuthentication, "lookup account", err)
	}

	email := ""
	for _, ext := range acct.ExternalIDsWithScheme(c.provider.Scheme()) {
		if ext.Email != nil && *ext.Email != "" {
			email = *ext.Email
			break
		}
	}
	if email == "" {
		return nil, autherr.Authentication("account has no external id for " + c.provider.Scheme())
	}

	tok, err := c.provider.ExchangePassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.provider.UserInfo(ctx, tok)
}

func (c *Coordinator) record(ctx context.Context, route Route, username string, id *domain.ExternalIdentity, err error) {
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeFailure
	}
	providerID := c.provider.ID()
	c.metrics.RecordLogin(providerID, route.String(), outcome)

	event := &audit.LoginEvent{
		Provider:  providerID,
		Route:     route.String(),
		Outcome:   outcome,
		Username:  username,
		ErrorKind: autherr.KindOf(err),
		RequestID: observability.RequestIDFromContext(ctx),
		IPAddress: audit.ClientIPFromContext(ctx),
	}
	if id != nil {
		event.ExternalID = id.ExternalID
		event.Username = id.UsernameValue()
	}
	if c.audit != nil {
		if aerr := c.audit.Log(ctx, event); aerr != nil {
			c.logger.ErrorContext(ctx, "failed to record login", "error", aerr)
		}
	}

	if err != nil {
		c.logger.WarnContext(ctx, "login failed",
			"provider", providerID,
			"route", route.String(),
			"kind", autherr.KindOf(err),
			"error", err)
		return
	}
	c.logger.InfoContext(ctx, "login succeeded",
		"provider", providerID,
		"route", route.String(),
		"external_id", event.ExternalID)
}
