package auth

import (
	"context"

	"oauthfed/internal/domain"
)

type contextKey string

const (
	sessionContextKey contextKey = "session"
	accountContextKey contextKey = "account"
)

// ContextWithSession returns a new context with the session stored in it.
func ContextWithSession(ctx context.Context, session *Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session from the context.
// Returns nil if no session is present.
func SessionFromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	session, _ := ctx.Value(sessionContextKey).(*Session)
	return session
}

// ContextWithAccount returns a new context with the account stored in it.
func ContextWithAccount(ctx context.Context, acct *domain.Account) context.Context {
	if acct == nil {
		return ctx
	}
	return context.WithValue(ctx, accountContextKey, acct)
}

// AccountFromContext retrieves the account from the context.
func AccountFromContext(ctx context.Context) *domain.Account {
	if ctx == nil {
		return nil
	}
	acct, _ := ctx.Value(accountContextKey).(*domain.Account)
	return acct
}

// IsAuthenticated returns true if the context carries a valid session.
func IsAuthenticated(ctx context.Context) bool {
	session := SessionFromContext(ctx)
	return session != nil && session.IsValid()
}
