// Package testutil provides a mock OAuth2/OIDC identity provider for tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Fixed values the mock provider accepts.
const (
	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
	GoodCode     = "good-code"
	DefaultKeyID = "test-key-1"
)

// IdP is an httptest-backed identity provider serving discovery, JWKS,
// token (authorization_code and password grants) and userinfo endpoints.
type IdP struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey
	KeyID  string

	mu        sync.Mutex
	keys      []jose.JSONWebKey
	userInfo  map[string]any
	users     map[string]string
	claims    map[string]any
	tokenForm url.Values
	infoAuth  string

	jwksFetches   atomic.Int64
	tokenRequests atomic.Int64
	infoRequests  atomic.Int64
}

// NewIdP starts a mock provider that is closed when the test ends.
func NewIdP(t *testing.T) *IdP {
	t.Helper()

	key := GenerateKey(t)
	p := &IdP{
		Key:      key,
		KeyID:    DefaultKeyID,
		users:    map[string]string{},
		claims:   map[string]any{},
		userInfo: map[string]any{},
	}
	p.keys = []jose.JSONWebKey{publicJWK(key, DefaultKeyID)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("GET /keys", p.handleKeys)
	mux.HandleFunc("POST /token", p.handleToken)
	mux.HandleFunc("GET /userinfo", p.handleUserInfo)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// GenerateKey returns a fresh RSA signing key.
func GenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func publicJWK(key *rsa.PrivateKey, kid string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// URL returns the base URL of the provider.
func (p *IdP) URL() string { return p.Server.URL }

// JWKSURL returns the key set endpoint.
func (p *IdP) JWKSURL() string { return p.Server.URL + "/keys" }

// AddKey publishes an additional signing key under kid and returns it.
func (p *IdP) AddKey(t *testing.T, kid string) *rsa.PrivateKey {
	t.Helper()
	key := GenerateKey(t)
	p.mu.Lock()
	p.keys = append(p.keys, publicJWK(key, kid))
	p.mu.Unlock()
	return key
}

// SetUserInfo sets the JSON document served by the userinfo endpoint.
func (p *IdP) SetUserInfo(info map[string]any) {
	p.mu.Lock()
	p.userInfo = info
	p.mu.Unlock()
}

// SetClaims sets extra claims embedded in issued access and ID tokens.
func (p *IdP) SetClaims(claims map[string]any) {
	p.mu.Lock()
	p.claims = claims
	p.mu.Unlock()
}

// AddUser registers credentials accepted by the password grant.
func (p *IdP) AddUser(username, password string) {
	p.mu.Lock()
	p.users[username] = password
	p.mu.Unlock()
}

// JWKSFetches returns how many times the key set was downloaded.
func (p *IdP) JWKSFetches() int64 { return p.jwksFetches.Load() }

// TokenRequests returns how many token requests were received.
func (p *IdP) TokenRequests() int64 { return p.tokenRequests.Load() }

// UserInfoRequests returns how many userinfo requests were received.
func (p *IdP) UserInfoRequests() int64 { return p.infoRequests.Load() }

// LastTokenForm returns the form of the most recent token request.
func (p *IdP) LastTokenForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenForm
}

// LastUserInfoAuth reports how the last userinfo request carried its
// credential: "header" or "query".
func (p *IdP) LastUserInfoAuth() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoAuth
}

// Sign issues an RS256 token with the provider's default key. exp and iat
// are added when missing; a nil value drops the claim.
func (p *IdP) Sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	return SignWith(t, p.Key, p.KeyID, claims)
}

// SignWith issues an RS256 token with the given key and kid.
func SignWith(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	raw, err := sign(key, kid, claims)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return raw
}

func sign(key *rsa.PrivateKey, kid string, claims map[string]any) (string, error) {
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, opts)
	if err != nil {
		return "", err
	}
	body := make(map[string]any, len(claims)+2)
	now := time.Now()
	body["iat"] = now.Unix()
	body["exp"] = now.Add(time.Hour).Unix()
	for k, v := range claims {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	return jwt.Signed(signer).Claims(body).Serialize()
}

func (p *IdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Server.URL,
		"authorization_endpoint":                p.Server.URL + "/authorize",
		"token_endpoint":                        p.Server.URL + "/token",
		"userinfo_endpoint":                     p.Server.URL + "/userinfo",
		"jwks_uri":                              p.Server.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
	})
}

func (p *IdP) handleKeys(w http.ResponseWriter, r *http.Request) {
	p.jwksFetches.Add(1)
	p.mu.Lock()
	set := jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), p.keys...)}
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (p *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	p.tokenForm = r.PostForm
	extra := p.claims
	users := p.users
	p.mu.Unlock()

	if !p.clientAuthenticated(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}

	subject := "user-123"
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != GoodCode {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
	case "password":
		username := r.PostForm.Get("username")
		p.mu.Lock()
		want, ok := users[username]
		p.mu.Unlock()
		if !ok || want != r.PostForm.Get("password") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		subject = username
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}

	claims := map[string]any{"iss": p.Server.URL, "sub": subject, "aud": ClientID}
	for k, v := range extra {
		claims[k] = v
	}
	raw, err := sign(p.Key, p.KeyID, claims)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"id_token":     raw,
		"expires_in":   3600,
	})
}

func (p *IdP) clientAuthenticated(r *http.Request) bool {
	if id, secret, ok := r.BasicAuth(); ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		return id == ClientID && secret == ClientSecret
	}
	return r.PostForm.Get("client_id") == ClientID && r.PostForm.Get("client_secret") == ClientSecret
}

func (p *IdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.infoRequests.Add(1)

	auth := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") && len(h) > len("Bearer ") {
		auth = "header"
	} else if r.URL.Query().Get("access_token") != "" {
		auth = "query"
	}

	p.mu.Lock()
	p.infoAuth = auth
	info := p.userInfo
	p.mu.Unlock()

	if auth == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
