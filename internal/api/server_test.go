package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/identity"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/auth/provider"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
	"oauthfed/internal/storage"
	"oauthfed/internal/testutil"
)

type testEnv struct {
	idp      *testutil.IdP
	handler  http.Handler
	accounts *storage.MemoryAccountStore
	sessions *auth.MemorySessionStore
	audit    *audit.MemoryAuditLogger
	metrics  *observability.Metrics
	groups   *groups.Cache
}

type envOptions struct {
	passwordFlow bool
	loginRate    int
}

// newTestEnv serves a Server backed by a mock identity provider "kc" (login
// capable, id_token source) and a browser-only provider "gh".
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	idp := testutil.NewIdP(t)
	logger := observability.NopLogger()

	descriptors := []provider.Descriptor{
		{
			ID:           "kc",
			ServiceName:  "Test Keycloak",
			AuthURL:      "{root}/authorize",
			TokenURL:     "{root}/token",
			Source:       provider.SourceIDToken,
			LoginCapable: true,
			GroupBackend: true,
			Mapping: identity.Mapping{
				Subject:  ".preferred_username",
				Username: ".preferred_username",
				Email:    ".email",
				Groups:   ".groups",
			},
		},
		{
			ID:          "gh",
			ServiceName: "Test Hub",
			AuthURL:     "{root}/authorize",
			TokenURL:    "{root}/token",
			UserInfoURL: "{root}/userinfo",
			Mapping:     identity.Mapping{Subject: ".login", Username: ".login"},
		},
	}
	configs := map[string]domain.ProviderConfig{
		"kc": {
			ClientID:           testutil.ClientID,
			ClientSecret:       testutil.ClientSecret,
			RootURL:            idp.URL(),
			CallbackURL:        "https://review.example.com/oauth",
			Issuer:             idp.URL(),
			JWKSURL:            idp.JWKSURL(),
			UsePKCE:            true,
			EnablePasswordFlow: opts.passwordFlow,
		},
		"gh": {
			ClientID:     testutil.ClientID,
			ClientSecret: testutil.ClientSecret,
			RootURL:      idp.URL(),
			CallbackURL:  "https://review.example.com/oauth",
		},
	}

	env := &testEnv{
		idp:      idp,
		accounts: storage.NewMemoryAccountStore(),
		sessions: auth.NewMemorySessionStore(),
		audit:    audit.NewMemoryAuditLogger(),
		metrics:  observability.NewMetrics(observability.DefaultMetricsConfig()),
		groups:   groups.NewCache(),
	}
	set, err := provider.NewRegistry(descriptors, nil, logger).Build(configs, provider.Deps{
		Logger:    logger,
		Metrics:   env.metrics,
		Verifiers: oauth.NewMemoryVerifierStore(),
		Groups:    env.groups,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	srv := NewServer(http.NewServeMux(), Config{
		Providers:      set,
		Accounts:       env.accounts,
		Sessions:       env.sessions,
		Audit:          env.audit,
		Groups:         groups.NewBackend(env.groups, logger),
		Logger:         logger,
		Metrics:        env.metrics,
		LoginRateLimit: opts.loginRate,
	})
	srv.RegisterRoutes()
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return e.do(req)
}

func (e *testEnv) postLogin(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *testEnv) lastEvent(t *testing.T) *audit.LoginEvent {
	t.Helper()
	events, _, err := e.audit.List(context.Background(), audit.ListOptions{Limit: 1})
	if err != nil || len(events) == 0 {
		t.Fatalf("no audit event: %v", err)
	}
	return events[0]
}

// session creates a session for a fresh account and returns its cookie.
func (e *testEnv) session(t *testing.T, username string) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	acct, err := e.accounts.CreateAccount(ctx, domain.CreateAccount{Username: username})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	s, err := auth.NewSession(acct.ID, "kc-oauth:"+username, "kc", 0, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := e.sessions.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: s.ID}
}

// beginLogin runs the redirect leg and returns the state and its cookie.
func (e *testEnv) beginLogin(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	rr := e.get("/login/kc")
	if rr.Code != http.StatusFound {
		t.Fatalf("login redirect: expected 302, got %d", rr.Code)
	}
	c := cookieNamed(rr, stateCookieName)
	if c == nil {
		t.Fatal("no state cookie")
	}
	return c.Value, c
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.get("/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" || body["login_provider"] != "kc" {
		t.Errorf("body = %v", body)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestProviders(t *testing.T) {
	env := newTestEnv(t, envOptions{passwordFlow: true})
	resp := decode[providersResponse](t, env.get("/api/v1/providers"))

	if resp.ActiveProvider != "kc" || len(resp.Providers) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	kc, gh := resp.Providers[0], resp.Providers[1]
	if kc.ID != "kc" || !kc.DirectLogin || !kc.PasswordFlow || !kc.Verifying || kc.LoginURL != "/login/kc" {
		t.Errorf("kc = %+v", kc)
	}
	if gh.ID != "gh" || gh.DirectLogin || gh.PasswordFlow || gh.Scheme != "gh-oauth" {
		t.Errorf("gh = %+v", gh)
	}
}

// A full browser round trip: redirect, callback, session, logout.
func TestWebLoginFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.idp.SetClaims(map[string]any{
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"groups":             []string{"devs", "ops"},
	})

	rr := env.get("/login/kc")
	if rr.Code != http.StatusFound {
		t.Fatalf("login redirect: expected 302, got %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil || !strings.HasPrefix(loc.String(), env.idp.URL()+"/authorize") {
		t.Fatalf("Location = %q", rr.Header().Get("Location"))
	}
	state := loc.Query().Get("state")
	if !strings.HasPrefix(state, "kc:") {
		t.Fatalf("state = %q", state)
	}
	if loc.Query().Get("code_challenge") == "" {
		t.Error("expected PKCE challenge")
	}
	stateCookie := cookieNamed(rr, stateCookieName)
	if stateCookie == nil || stateCookie.Value != state || !stateCookie.HttpOnly {
		t.Fatalf("state cookie = %+v", stateCookie)
	}

	rr = env.get("/oauth?code="+testutil.GoodCode+"&state="+url.QueryEscape(state), stateCookie)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/" {
		t.Fatalf("callback: status %d location %q body %s", rr.Code, rr.Header().Get("Location"), rr.Body.String())
	}
	if form := env.idp.LastTokenForm(); form.Get("code_verifier") == "" {
		t.Error("expected PKCE verifier in token request")
	}
	sessionCookie := cookieNamed(rr, sessionCookieName)
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("expected session cookie")
	}

	acct, err := env.accounts.LookupByExternalID(context.Background(), "kc-oauth:alice")
	if err != nil || acct.Username != "alice" {
		t.Fatalf("provisioned account = %+v, %v", acct, err)
	}

	rr = env.get("/api/v1/session", sessionCookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: expected 200, got %d", rr.Code)
	}
	sess := decode[sessionResponse](t, rr)
	if sess.Account.Username != "alice" || sess.Session.Provider != "kc" {
		t.Errorf("session = %+v", sess)
	}
	if len(sess.Groups) != 2 || sess.Groups[0] != groups.UUIDPrefix+"devs" {
		t.Errorf("groups = %v", sess.Groups)
	}

	ev := env.lastEvent(t)
	if ev.Route != RouteWeb || ev.Outcome != audit.OutcomeSuccess || ev.ExternalID != "kc-oauth:alice" || ev.RequestID == "" {
		t.Errorf("audit event = %+v", ev)
	}
	if n := env.metrics.LoginCount("kc", RouteWeb, observability.OutcomeSuccess); n != 1 {
		t.Errorf("web success count = %d", n)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/logout", nil)
	req.AddCookie(sessionCookie)
	if rr := env.do(req); rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}
	if rr := env.get("/api/v1/session", sessionCookie); rr.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", rr.Code)
	}
}

func TestWebLoginLinksExistingAccount(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.idp.SetClaims(map[string]any{"preferred_username": "alice"})
	existing, err := env.accounts.CreateAccount(context.Background(), domain.CreateAccount{
		Username:    "alice",
		ExternalIDs: []domain.ExternalID{{Key: "kc-oauth:alice"}},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	state, cookie := env.beginLogin(t)
	rr := env.get("/oauth?code="+testutil.GoodCode+"&state="+url.QueryEscape(state), cookie)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rr.Code, rr.Body.String())
	}
	sessions := env.sessions.CountByAccount(existing.ID)
	if sessions != 1 {
		t.Errorf("sessions for existing account = %d, want 1", sessions)
	}
}

func TestCallbackRejects(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		cookie string
		want   int
	}{
		{"missing code", "?state=kc:x", "kc:x", http.StatusBadRequest},
		{"missing state", "?code=" + testutil.GoodCode, "", http.StatusBadRequest},
		{"no state cookie", "?code=" + testutil.GoodCode + "&state=kc:x", "", http.StatusForbidden},
		{"state mismatch", "?code=" + testutil.GoodCode + "&state=kc:x", "kc:y", http.StatusForbidden},
		{"malformed state", "?code=" + testutil.GoodCode + "&state=nocolon", "nocolon", http.StatusBadRequest},
		{"unknown provider", "?code=" + testutil.GoodCode + "&state=zz:x", "zz:x", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			var cookies []*http.Cookie
			if tt.cookie != "" {
				cookies = append(cookies, &http.Cookie{Name: stateCookieName, Value: tt.cookie})
			}
			if rr := env.get("/oauth"+tt.query, cookies...); rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if env.idp.TokenRequests() != 0 {
				t.Error("rejected callback reached the token endpoint")
			}
		})
	}
}

func TestCallbackProviderError(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.get("/oauth?error=access_denied")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/?error=access_denied" {
		t.Fatalf("status %d location %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestCallbackBadCode(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	state, cookie := env.beginLogin(t)
	rr := env.get("/oauth?code=wrong&state="+url.QueryEscape(state), cookie)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if body := decode[apiError](t, rr); body.Error != autherr.PublicMessage || body.Detail != "" {
		t.Errorf("body leaks detail: %+v", body)
	}
	if ev := env.lastEvent(t); ev.Outcome != audit.OutcomeFailure || ev.ErrorKind != "token_exchange_error" {
		t.Errorf("audit event = %+v", ev)
	}
	if cookieNamed(rr, sessionCookieName) != nil {
		t.Error("session cookie set on failure")
	}
}

func TestLoginRedirectUnknownProvider(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if rr := env.get("/login/nope"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDirectLoginToken(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tok := env.idp.Sign(t, map[string]any{"iss": env.idp.URL(), "sub": "s-1", "preferred_username": "alice"})

	rr := env.postLogin(`{"username":"alice","secret":"` + tok + `"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[loginResponse](t, rr)
	if resp.Identity.ExternalID != "kc-oauth:alice" || !resp.Created || resp.AccountID == "" {
		t.Errorf("resp = %+v", resp)
	}

	// A second login maps to the same account.
	again := decode[loginResponse](t, env.postLogin(`{"secret":"`+tok+`"}`))
	if again.Created || again.AccountID != resp.AccountID {
		t.Errorf("second login = %+v", again)
	}
	if ev := env.lastEvent(t); ev.Route != "token" || ev.IPAddress == "" {
		t.Errorf("audit event = %+v", ev)
	}
}

func TestDirectLoginBasicAuthPassword(t *testing.T) {
	env := newTestEnv(t, envOptions{passwordFlow: true})
	if _, err := env.accounts.CreateAccount(context.Background(), domain.CreateAccount{
		Username:    "alice",
		ExternalIDs: []domain.ExternalID{{Key: "kc-oauth:alice", Email: domain.StringPtr("alice@example.com")}},
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	env.idp.AddUser("alice@example.com", "hunter2")
	env.idp.SetClaims(map[string]any{"preferred_username": "alice"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/login", nil)
	req.SetBasicAuth("alice", "hunter2")
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decode[loginResponse](t, rr); resp.Created {
		t.Error("password login must map to the existing account")
	}
}

func TestDirectLoginFailures(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	carol := env.idp.Sign(t, map[string]any{"iss": env.idp.URL(), "sub": "s-2", "preferred_username": "carol"})

	tests := []struct {
		name string
		body string
	}{
		{"username mismatch", `{"username":"bob","secret":"` + carol + `"}`},
		{"password with flow disabled", `{"username":"bob","secret":"hunter2"}`},
		{"empty secret", `{"username":"bob"}`},
		{"empty body", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postLogin(tt.body)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if body := decode[apiError](t, rr); body.Error != autherr.PublicMessage || body.Detail != "" {
				t.Errorf("body = %+v", body)
			}
		})
	}

	if rr := env.postLogin(`{"username":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rr.Code)
	}
	if rr := env.postLogin(`{"username":"bob\nadmin","secret":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("control character: expected 400, got %d", rr.Code)
	}
}

func TestDirectLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, envOptions{loginRate: 2})
	for i := 0; i < 2; i++ {
		if rr := env.postLogin(`{"secret":"x"}`); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rr.Code)
		}
	}
	if rr := env.postLogin(`{"secret":"x"}`); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, path := range []string{"/api/v1/session", "/api/v1/audit", "/api/v1/groups?q=d", "/api/v1/groups/members?external_id=x"} {
		if rr := env.get(path); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestGroups(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.session(t, "admin")
	env.groups.Put("kc-oauth:alice", []string{"devs", "ops"})
	env.groups.Put("kc-oauth:bob", []string{"DevOps"})

	type groupsResp struct {
		Groups []groups.Description `json:"groups"`
	}
	got := decode[groupsResp](t, env.get("/api/v1/groups?q=dev", cookie))
	if len(got.Groups) != 2 {
		t.Errorf("suggest dev = %+v", got.Groups)
	}

	members := decode[map[string]any](t, env.get("/api/v1/groups/members?external_id=kc-oauth:alice", cookie))
	if list, _ := members["groups"].([]any); len(list) != 2 || list[0] != groups.UUIDPrefix+"devs" {
		t.Errorf("members = %v", members)
	}

	if rr := env.get("/api/v1/groups/members?external_id=alice", cookie); rr.Code != http.StatusBadRequest {
		t.Fatalf("unscoped external id: expected 400, got %d", rr.Code)
	}
	if rr := env.get("/api/v1/groups/members", cookie); rr.Code != http.StatusBadRequest {
		t.Errorf("missing external_id: expected 400, got %d", rr.Code)
	}
}

func TestAuditList(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cookie := env.session(t, "admin")
	ctx := context.Background()
	for _, ev := range []*audit.LoginEvent{
		{Provider: "kc", Route: "token", Outcome: audit.OutcomeSuccess, Username: "alice"},
		{Provider: "kc", Route: "password", Outcome: audit.OutcomeFailure, Username: "bob"},
		{Provider: "gh", Route: RouteWeb, Outcome: audit.OutcomeSuccess, Username: "carol"},
	} {
		if err := env.audit.Log(ctx, ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	type auditResp struct {
		Events []audit.LoginEvent `json:"events"`
		Total  int                `json:"total"`
		Limit  int                `json:"limit"`
	}
	tests := []struct {
		query string
		total int
	}{
		{"", 3},
		{"?provider=kc", 2},
		{"?outcome=failure", 1},
		{"?username=carol", 1},
		{"?since=2000-01-01T00:00:00Z", 3},
		{"?until=2000-01-01T00:00:00Z", 0},
	}
	for _, tt := range tests {
		rr := env.get("/api/v1/audit"+tt.query, cookie)
		if rr.Code != http.StatusOK {
			t.Fatalf("%q: expected 200, got %d", tt.query, rr.Code)
		}
		if got := decode[auditResp](t, rr); got.Total != tt.total {
			t.Errorf("%q: total = %d, want %d", tt.query, got.Total, tt.total)
		}
	}

	page := decode[auditResp](t, env.get("/api/v1/audit?limit=1&offset=1", cookie))
	if page.Limit != 1 || len(page.Events) != 1 || page.Events[0].Username != "bob" {
		t.Errorf("page = %+v", page)
	}
	if rr := env.get("/api/v1/audit?since=yesterday", cookie); rr.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.postLogin(`{"secret":"x"}`)

	rr := env.get("/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `login_attempts_total{provider="kc",route="reject",outcome="failure"} 1`) {
		t.Errorf("metrics output missing login counter:\n%s", rr.Body.String())
	}
}

func TestNewServerWithoutProviders(t *testing.T) {
	srv := NewServer(http.NewServeMux(), Config{Accounts: storage.NewMemoryAccountStore()})
	srv.RegisterRoutes()
	h := srv.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/login", strings.NewReader(`{"secret":"x"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with logins disabled, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil))
	if body := decode[providersResponse](t, rr); len(body.Providers) != 0 {
		t.Errorf("providers = %+v", body)
	}
}
