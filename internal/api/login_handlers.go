package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"oauthfed/internal/auth"
	"oauthfed/internal/domain"
	"oauthfed/internal/storage"
	"oauthfed/internal/validation"
)

const maxLoginBodyBytes = 64 << 10

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Identity  *domain.ExternalIdentity `json:"identity"`
	AccountID string                   `json:"account_id"`
	Created   bool                     `json:"created"`
}

// handleLogin runs a direct login with a bearer token or password.
// POST /api/v1/login, body {"username","secret"} or HTTP Basic auth.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if user, pass, ok := r.BasicAuth(); ok {
		req = loginRequest{Username: user, Secret: pass}
	} else {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBodyBytes))
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	if err := validation.ValidateLogin(req.Username, req.Secret); err != nil {
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid login request", err.Error())
		return
	}

	id, err := s.login.Login(ctx, req.Username, req.Secret)
	if err != nil {
		s.writeAuthErr(ctx, w, err)
		return
	}

	acct, created, err := storage.Provision(ctx, s.accounts, id)
	if err != nil {
		s.writeStoreErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Identity: id, AccountID: acct.ID, Created: created})
}

type sessionResponse struct {
	Session *auth.Session   `json:"session"`
	Account *domain.Account `json:"account"`
	Groups  []string        `json:"groups"`
}

// handleSession describes the caller's session.
// GET /api/v1/session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := auth.SessionFromContext(ctx)
	resp := sessionResponse{
		Session: session,
		Account: auth.AccountFromContext(ctx),
		Groups:  []string{},
	}
	if s.groups != nil && session.ExternalID != "" {
		resp.Groups = s.groups.MembershipsOf(ctx, session.ExternalID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout ends the caller's session.
// POST /api/v1/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := auth.SessionFromContext(ctx)
	if err := s.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to delete session", err.Error())
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
