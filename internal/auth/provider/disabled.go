package provider

import (
	"context"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

// LoginProvider is what direct (non-browser) logins need from a provider.
type LoginProvider interface {
	ID() string
	Scheme() string
	PasswordFlowEnabled() bool
	ExchangePassword(ctx context.Context, username, password string) (domain.AccessToken, error)
	UserInfo(ctx context.Context, token domain.AccessToken) (*domain.ExternalIdentity, error)
}

const disabledDetail = "no login provider is configured"

// Disabled is bound when no login provider is selected. It refuses every
// login.
type Disabled struct{}

func (Disabled) ID() string { return "" }

func (Disabled) Scheme() string { return "" }

func (Disabled) PasswordFlowEnabled() bool { return false }

func (Disabled) ExchangePassword(context.Context, string, string) (domain.AccessToken, error) {
	return domain.AccessToken{}, autherr.Authentication(disabledDetail)
}

func (Disabled) UserInfo(context.Context, domain.AccessToken) (*domain.ExternalIdentity, error) {
	return nil, autherr.Authentication(disabledDetail)
}
