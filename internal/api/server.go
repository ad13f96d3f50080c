// Package api serves the browser login flow, direct logins and the read-only
// inspection endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/login"
	"oauthfed/internal/auth/provider"
	"oauthfed/internal/autherr"
	"oauthfed/internal/observability"
	"oauthfed/internal/storage"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Config carries the collaborators a Server is built from. Only Providers
// and Accounts are required.
type Config struct {
	Providers *provider.Set
	Accounts  storage.AccountStore
	Sessions  auth.SessionStore
	Audit     audit.AuditLogger
	Groups    *groups.Backend
	Login     *login.Coordinator
	Logger    observability.Logger
	Metrics   *observability.Metrics

	SessionTTL time.Duration

	// LoginRateLimit is attempts per minute per client IP on POST
	// /api/v1/login. Zero disables the limit.
	LoginRateLimit int
	Proxies        *TrustedProxyConfig
}

type Server struct {
	mux        *http.ServeMux
	providers  *provider.Set
	accounts   storage.AccountStore
	sessions   auth.SessionStore
	audit      audit.AuditLogger
	groups     *groups.Backend
	login      *login.Coordinator
	logger     observability.Logger
	metrics    *observability.Metrics
	sessionTTL time.Duration
	loginRate  int
	proxies    *TrustedProxyConfig
}

// NewServer creates a Server on mux. A nil logger becomes the default
// logger, nil session and audit stores become in-memory ones and a nil
// login coordinator is built over the active login provider.
func NewServer(mux *http.ServeMux, cfg Config) *Server {
	logger := observability.OrDefault(cfg.Logger)
	s := &Server{
		mux:        mux,
		providers:  cfg.Providers,
		accounts:   cfg.Accounts,
		sessions:   cfg.Sessions,
		audit:      cfg.Audit,
		groups:     cfg.Groups,
		login:      cfg.Login,
		logger:     logger.WithComponent("api"),
		metrics:    cfg.Metrics,
		sessionTTL: cfg.SessionTTL,
		loginRate:  cfg.LoginRateLimit,
		proxies:    cfg.Proxies,
	}
	if s.sessions == nil {
		s.sessions = auth.NewMemorySessionStore()
	}
	if s.audit == nil {
		s.audit = audit.NewMemoryAuditLogger()
	}
	if s.login == nil {
		var lp provider.LoginProvider
		if s.providers != nil {
			lp = s.providers.Login()
		}
		s.login = login.New(lp, s.accounts,
			login.WithAudit(s.audit),
			login.WithMetrics(s.metrics),
			login.WithLogger(logger))
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = auth.DefaultSessionDuration
	}
	return s
}

// RegisterRoutes registers every endpoint on the mux.
func (s *Server) RegisterRoutes() {
	requireSession := SessionMiddleware(s.sessions, s.accounts, true, s.logger)
	loginLimit := ApplyMiddlewares(http.HandlerFunc(s.handleLogin),
		observability.RateLimitMetricsMiddleware(s.metrics, s.loginRate > 0),
		LoginRateLimitMiddleware(LoginRateLimitConfig{AttemptsPerMinute: s.loginRate, ProxyConfig: s.proxies}),
	)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /login/{provider}", s.handleLoginRedirect)
	s.mux.HandleFunc("GET /oauth", s.handleCallback)

	s.mux.Handle("POST /api/v1/login", loginLimit)
	s.mux.HandleFunc("GET /api/v1/providers", s.handleProviders)
	s.mux.Handle("GET /api/v1/session", requireSession(http.HandlerFunc(s.handleSession)))
	s.mux.Handle("POST /api/v1/logout", requireSession(http.HandlerFunc(s.handleLogout)))
	s.mux.Handle("GET /api/v1/groups", requireSession(http.HandlerFunc(s.handleGroupSuggest)))
	s.mux.Handle("GET /api/v1/groups/members", requireSession(http.HandlerFunc(s.handleGroupMembers)))
	s.mux.Handle("GET /api/v1/audit", requireSession(http.HandlerFunc(s.handleAuditList)))
}

// Handler wraps the mux in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return ApplyMiddlewares(s.mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		observability.MetricsMiddleware(s.metrics),
		ClientIPMiddleware(s.proxies),
	)
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{
		"status", code,
		"error", msg,
	}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
		sentry.CaptureMessage(fmt.Sprintf("HTTP %d: %s (detail: %s)", code, msg, detail))
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// writeStoreErr maps a storage-layer error to the appropriate HTTP status code
// and writes the error response.
func (s *Server) writeStoreErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, storage.ErrConflict):
		s.writeErr(ctx, w, http.StatusConflict, err.Error(), "")
	case errors.Is(err, storage.ErrValidation):
		s.writeErr(ctx, w, http.StatusBadRequest, err.Error(), "")
	default:
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// writeAuthErr answers a failed login. Per-request failures get 401 and the
// generic message only; the cause was already logged and audited.
func (s *Server) writeAuthErr(ctx context.Context, w http.ResponseWriter, err error) {
	if autherr.IsAuthFailure(err) {
		writeJSON(w, http.StatusUnauthorized, apiError{Error: autherr.PublicMessage})
		return
	}
	s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", autherr.KindOf(err))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.wrote = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
