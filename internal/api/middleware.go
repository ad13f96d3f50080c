package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/cidr"
	"oauthfed/internal/observability"
	"oauthfed/internal/storage"
)

const (
	requestIDHeader        = "X-Request-ID"
	maxRequestIDLength     = 64
	loginLimiterTTL        = 10 * time.Minute
	minimumCleanupInterval = 30 * time.Second
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first middleware
// in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware ensures every request carries a stable request ID.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
			if requestID == "" {
				requestID = uuid.New().String()
			}
			r = r.WithContext(WithRequestID(r.Context(), requestID))
			w.Header().Set(requestIDHeader, requestID)
			next.ServeHTTP(w, r)
		})
	}
}

func sanitizeRequestID(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxRequestIDLength {
		return ""
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ""
		}
	}
	return id
}

// LoggingMiddleware records structured request logs, wires Sentry tracing and
// turns panics into 500 responses.
func LoggingMiddleware(logger observability.Logger) Middleware {
	logger = observability.OrDefault(logger).WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
				r = r.WithContext(ctx)
			}

			transaction := sentry.StartTransaction(
				ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer transaction.Finish()
			r = r.WithContext(transaction.Context())
			ctx = r.Context()

			hub.Scope().SetRequest(r)

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				transaction.Status = sentry.SpanStatusInternalError
				hub.RecoverWithContext(ctx, rec)
				logger.ErrorContext(ctx, "panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec)
				if !recorder.wrote {
					writeJSON(recorder, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
			}()

			next.ServeHTTP(recorder, r)

			transaction.Status = sentry.HTTPtoSpanStatus(recorder.status)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case recorder.status >= 500:
				logger.ErrorContext(ctx, "request completed", attrs...)
			case recorder.status >= 400:
				logger.WarnContext(ctx, "request completed", attrs...)
			default:
				logger.InfoContext(ctx, "request completed", attrs...)
			}
		})
	}
}

// TrustedProxyConfig holds trusted proxy CIDR list for X-Forwarded-For handling.
type TrustedProxyConfig struct {
	CIDRs []netip.Prefix
}

// ParseTrustedProxies parses a list of CIDRs or bare addresses. Blank
// entries are skipped.
func ParseTrustedProxies(cidrs []string) (*TrustedProxyConfig, error) {
	cfg := &TrustedProxyConfig{}
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		prefix, err := cidr.ParsePrefixOrAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		cfg.CIDRs = append(cfg.CIDRs, prefix)
	}
	return cfg, nil
}

// IsTrusted checks if the remote address is from a trusted proxy.
func (tc *TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	if tc == nil || len(tc.CIDRs) == 0 {
		return false
	}
	addr, ok := cidr.HostAddr(remoteAddr)
	return ok && cidr.AnyContains(tc.CIDRs, addr)
}

// clientKeyWithProxies extracts the client IP, only trusting X-Forwarded-For from trusted proxies.
func clientKeyWithProxies(r *http.Request, proxies *TrustedProxyConfig) string {
	if proxies.IsTrusted(r.RemoteAddr) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, ok := cidr.HostAddr(first); ok {
				return addr.String()
			}
		}
	}
	if addr, ok := cidr.HostAddr(r.RemoteAddr); ok {
		return addr.String()
	}
	return r.RemoteAddr
}

// ClientIPMiddleware records the caller address so login audit events carry it.
func ClientIPMiddleware(proxies *TrustedProxyConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := audit.WithClientIP(r.Context(), clientKeyWithProxies(r, proxies))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoginRateLimitConfig configures per-IP login rate limiting.
type LoginRateLimitConfig struct {
	AttemptsPerMinute int
	ProxyConfig       *TrustedProxyConfig
}

// LoginRateLimitMiddleware wraps a handler with per-IP login rate limiting.
// A non-positive AttemptsPerMinute disables the limit.
func LoginRateLimitMiddleware(cfg LoginRateLimitConfig) Middleware {
	if cfg.AttemptsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	type ipEntry struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu          sync.Mutex
		clients     = make(map[string]*ipEntry)
		lastCleanup time.Time
	)
	rps := rate.Limit(float64(cfg.AttemptsPerMinute) / 60.0)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			ip := clientKeyWithProxies(r, cfg.ProxyConfig)

			mu.Lock()
			entry, ok := clients[ip]
			if !ok {
				entry = &ipEntry{limiter: rate.NewLimiter(rps, cfg.AttemptsPerMinute)}
				clients[ip] = entry
			}
			entry.lastSeen = now
			if now.Sub(lastCleanup) > minimumCleanupInterval {
				for k, e := range clients {
					if now.Sub(e.lastSeen) > loginLimiterTTL {
						delete(clients, k)
					}
				}
				lastCleanup = now
			}
			mu.Unlock()

			if !entry.limiter.AllowN(now, 1) {
				w.Header().Set("Retry-After", "60")
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many login attempts", Detail: "try again later"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionMiddleware resolves the session cookie into the request context.
// With required set, requests without a live session get 401.
func SessionMiddleware(sessions auth.SessionStore, accounts storage.AccountStore, required bool, logger observability.Logger) Middleware {
	logger = observability.OrDefault(logger).WithComponent("session")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
				session, err := sessions.Get(ctx, cookie.Value)
				switch {
				case err != nil && !errors.Is(err, auth.ErrSessionExpired):
					logger.ErrorContext(ctx, "session lookup failed", "error", err)
					writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
					return
				case session != nil && session.IsValid():
					acct, err := accounts.GetAccount(ctx, session.AccountID)
					if err == nil {
						ctx = auth.ContextWithSession(ctx, session)
						ctx = auth.ContextWithAccount(ctx, acct)
						next.ServeHTTP(w, r.WithContext(ctx))
						return
					}
					if !errors.Is(err, storage.ErrNotFound) {
						logger.ErrorContext(ctx, "account lookup failed", "error", err)
						writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
						return
					}
					logger.WarnContext(ctx, "session references a missing account", "account_id", session.AccountID)
				}
			}

			if required {
				writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Detail: "missing or expired session"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
