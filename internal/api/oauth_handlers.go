package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/auth/provider"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
	"oauthfed/internal/storage"
)

const (
	stateCookieName   = "oauth_state"
	sessionCookieName = "session"
	callbackPath      = "/oauth"

	// RouteWeb labels browser logins in metrics and the audit trail.
	RouteWeb = "web"
)

func isSecureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *Server) provider(id string) (*provider.Provider, bool) {
	if s.providers == nil {
		return nil, false
	}
	return s.providers.Get(id)
}

// handleLoginRedirect sends the browser to the provider's authorization page.
// GET /login/{provider}
func (s *Server) handleLoginRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := r.PathValue("provider")
	p, ok := s.provider(providerID)
	if !ok {
		s.writeErr(ctx, w, http.StatusNotFound, "provider not found", providerID)
		return
	}
	ctx = observability.WithProvider(ctx, providerID)

	// state is providerID:random so the callback knows whom to ask.
	randomBytes := make([]byte, 24)
	if _, err := rand.Read(randomBytes); err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to generate state", err.Error())
		return
	}
	state := providerID + ":" + base64.RawURLEncoding.EncodeToString(randomBytes)

	authURL, err := p.AuthorizationURL(ctx, state)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to build authorization url", autherr.KindOf(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     callbackPath,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes a browser login.
// GET /oauth?code=xxx&state=xxx
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		http.Redirect(w, r, "/?error="+url.QueryEscape(errParam), http.StatusFound)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "missing code or state", "")
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value != state {
		s.writeErr(ctx, w, http.StatusForbidden, "invalid state", "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     callbackPath,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})

	providerID, _, ok := strings.Cut(state, ":")
	if !ok || providerID == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "malformed state", "")
		return
	}
	p, found := s.provider(providerID)
	if !found {
		s.writeErr(ctx, w, http.StatusNotFound, "provider not found", providerID)
		return
	}
	ctx = observability.WithProvider(ctx, providerID)

	tok, err := p.AccessToken(ctx, state, code)
	if err != nil {
		s.recordWebLogin(ctx, providerID, nil, err)
		s.writeAuthErr(ctx, w, err)
		return
	}
	id, err := p.UserInfo(ctx, tok)
	if err != nil {
		s.recordWebLogin(ctx, providerID, nil, err)
		s.writeAuthErr(ctx, w, err)
		return
	}

	acct, created, err := storage.Provision(ctx, s.accounts, id)
	if err != nil {
		s.recordWebLogin(ctx, providerID, id, err)
		s.writeStoreErr(ctx, w, err)
		return
	}
	if created {
		s.logger.InfoContext(ctx, "account created", "account_id", acct.ID, "external_id", id.ExternalID)
	}

	if err := s.startSession(ctx, w, r, acct, id.ExternalID, providerID); err != nil {
		s.recordWebLogin(ctx, providerID, id, err)
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}
	s.recordWebLogin(ctx, providerID, id, nil)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) startSession(ctx context.Context, w http.ResponseWriter, r *http.Request, acct *domain.Account, externalID, providerID string) error {
	session, err := auth.NewSession(acct.ID, externalID, providerID, s.sessionTTL, map[string]string{"username": acct.Username})
	if err != nil {
		return err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
	return nil
}

// recordWebLogin counts and audits a browser login. id is the identity the
// provider vouched for, if it got that far.
func (s *Server) recordWebLogin(ctx context.Context, providerID string, id *domain.ExternalIdentity, err error) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	s.metrics.RecordLogin(providerID, RouteWeb, outcome)

	event := &audit.LoginEvent{
		Provider:  providerID,
		Route:     RouteWeb,
		Outcome:   outcome,
		ErrorKind: autherr.KindOf(err),
		RequestID: RequestIDFromContext(ctx),
		IPAddress: ClientIPFromContext(ctx),
	}
	if id != nil {
		event.ExternalID = id.ExternalID
		event.Username = id.UsernameValue()
	}
	if aerr := s.audit.Log(ctx, event); aerr != nil {
		s.logger.ErrorContext(ctx, "failed to record login", "error", aerr)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "web login failed", "kind", autherr.KindOf(err), "error", err)
	}
}
