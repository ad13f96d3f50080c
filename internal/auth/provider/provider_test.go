package provider

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"testing"

	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/identity"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/testutil"
)

// testDescriptors point at the mock IdP's endpoint layout.
func testDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:          "acme",
			ServiceName: "Acme",
			AuthURL:     "{root}/authorize",
			TokenURL:    "{root}/token",
			UserInfoURL: "{root}/userinfo",
			Mapping:     oidcMapping,
		},
		{
			ID:           "kc",
			ServiceName:  "Test Keycloak",
			AuthURL:      "{root}/authorize",
			TokenURL:     "{root}/token",
			Source:       SourceIDToken,
			LoginCapable: true,
			GroupBackend: true,
			MappingFor:   keycloakMapping,
		},
	}
}

func providerConfig(idp *testutil.IdP) domain.ProviderConfig {
	return domain.ProviderConfig{
		ClientID:             testutil.ClientID,
		ClientSecret:         testutil.ClientSecret,
		RootURL:              idp.URL(),
		CallbackURL:          "https://app.example.com/oauth",
		UsePreferredUsername: true,
	}
}

func buildSet(t *testing.T, configs map[string]domain.ProviderConfig, cache *groups.Cache) *Set {
	t.Helper()
	r := NewRegistry(testDescriptors(), nil, nil)
	set, err := r.Build(configs, Deps{Groups: cache})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	return set
}

func TestUserInfoEndpointFlow(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.SetUserInfo(map[string]any{"sub": "42", "preferred_username": "alice", "email": "a@x.com", "name": "Alice"})

	set := buildSet(t, map[string]domain.ProviderConfig{"acme": providerConfig(idp)}, nil)
	p, ok := set.Get("acme")
	if !ok {
		t.Fatal("acme not built")
	}
	if p.Scheme() != "acme-oauth" {
		t.Errorf("Scheme() = %q", p.Scheme())
	}
	ctx := context.Background()

	raw, err := p.AuthorizationURL(ctx, "st")
	if err != nil {
		t.Fatalf("AuthorizationURL() error: %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Path != "/authorize" || u.Query().Get("redirect_uri") != "https://app.example.com/oauth" {
		t.Errorf("AuthorizationURL() = %s", raw)
	}

	tok, err := p.AccessToken(ctx, "st", testutil.GoodCode)
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	id, err := p.UserInfo(ctx, tok)
	if err != nil {
		t.Fatalf("UserInfo() error: %v", err)
	}
	if id.ExternalID != "acme-oauth:42" || id.UsernameValue() != "alice" {
		t.Errorf("identity = %+v", id)
	}
	if idp.UserInfoRequests() != 1 {
		t.Errorf("UserInfoRequests = %d", idp.UserInfoRequests())
	}
}

func TestIDTokenFlowWithJWKS(t *testing.T) {
	idp := testutil.NewIdP(t)
	idp.SetClaims(map[string]any{
		"preferred_username": "alice",
		"email":              "alice@x.com",
		"name":               "Alice",
		"groups":             []string{"dev", "ops"},
	})

	c := providerConfig(idp)
	c.JWKSURL = idp.JWKSURL()
	c.Issuer = idp.URL()
	cache := groups.NewCache()
	set := buildSet(t, map[string]domain.ProviderConfig{"kc": c}, cache)

	login := set.Login()
	if login.ID() != "kc" {
		t.Fatalf("Login().ID() = %q, want kc", login.ID())
	}
	p, _ := set.Get("kc")
	if !p.Verifying() {
		t.Error("provider with jwks url should verify")
	}
	ctx := context.Background()

	tok, err := p.AccessToken(ctx, "st", testutil.GoodCode)
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	id, err := p.UserInfo(ctx, tok)
	if err != nil {
		t.Fatalf("UserInfo() error: %v", err)
	}
	if id.ExternalID != "kc-oauth:alice" {
		t.Errorf("ExternalID = %q", id.ExternalID)
	}
	if got := cache.Get(id.ExternalID); !reflect.DeepEqual(got, []string{"dev", "ops"}) {
		t.Errorf("cached groups = %v", got)
	}
	if idp.UserInfoRequests() != 0 {
		t.Error("id_token provider called the userinfo endpoint")
	}

	// A bare access token is verified the same way.
	bare := domain.AccessToken{Token: idp.Sign(t, map[string]any{"iss": idp.URL(), "sub": "s-1", "preferred_username": "bob"})}
	id, err = p.UserInfo(ctx, bare)
	if err != nil {
		t.Fatalf("UserInfo(bare) error: %v", err)
	}
	if id.UsernameValue() != "bob" {
		t.Errorf("Username = %q", id.UsernameValue())
	}

	forged := domain.AccessToken{Token: testutil.SignWith(t, testutil.GenerateKey(t), testutil.DefaultKeyID,
		map[string]any{"iss": idp.URL(), "preferred_username": "mallory"})}
	if _, err := p.UserInfo(ctx, forged); !errors.Is(err, autherr.ErrTokenVerification) {
		t.Errorf("forged token error = %v, want ErrTokenVerification", err)
	}
}

func TestKeycloakPreferredUsername(t *testing.T) {
	idp := testutil.NewIdP(t)
	claims := map[string]any{"sub": "f81d4fae", "preferred_username": "alice"}

	tests := []struct {
		name         string
		preferred    bool
		link         bool
		wantUsername string
		wantClaimed  string
	}{
		{"preferred username", true, false, "alice", ""},
		{"no username", false, false, "", ""},
		{"no username but linking", false, true, "", "username:alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := providerConfig(idp)
			c.UsePreferredUsername = tt.preferred
			c.LinkExistingAccount = tt.link
			set := buildSet(t, map[string]domain.ProviderConfig{"kc": c}, nil)
			p, _ := set.Get("kc")
			if p.Verifying() {
				t.Error("provider without jwks url should be decode-only")
			}

			id, err := p.UserInfo(context.Background(), domain.AccessToken{IDToken: idp.Sign(t, claims)})
			if err != nil {
				t.Fatalf("UserInfo() error: %v", err)
			}
			if id.ExternalID != "kc-oauth:alice" {
				t.Errorf("ExternalID = %q, want kc-oauth:alice", id.ExternalID)
			}
			if id.UsernameValue() != tt.wantUsername {
				t.Errorf("Username = %q, want %q", id.UsernameValue(), tt.wantUsername)
			}
			var claimed string
			if id.ClaimedIdentity != nil {
				claimed = *id.ClaimedIdentity
			}
			if claimed != tt.wantClaimed {
				t.Errorf("ClaimedIdentity = %q, want %q", claimed, tt.wantClaimed)
			}
		})
	}
}

func TestVerifyingProviderAcceptsTokenWithoutExpiry(t *testing.T) {
	idp := testutil.NewIdP(t)
	c := providerConfig(idp)
	c.JWKSURL = idp.JWKSURL()
	set := buildSet(t, map[string]domain.ProviderConfig{"kc": c}, nil)
	p, _ := set.Get("kc")
	if !p.Verifying() {
		t.Fatal("provider with jwks url should verify")
	}

	raw := idp.Sign(t, map[string]any{"sub": "s1", "preferred_username": "alice", "exp": nil, "iat": nil})
	id, err := p.UserInfo(context.Background(), domain.AccessToken{Token: raw})
	if err != nil {
		t.Fatalf("UserInfo() error: %v", err)
	}
	if id.ExternalID != "kc-oauth:alice" {
		t.Errorf("ExternalID = %q", id.ExternalID)
	}
}

func TestIDTokenFromRawResponse(t *testing.T) {
	idp := testutil.NewIdP(t)
	raw := idp.Sign(t, map[string]any{"sub": "1"})
	tok := domain.AccessToken{Token: "opaque", RawResponse: []byte(`{"access_token":"opaque","id_token":"` + raw + `"}`)}
	if got := idTokenOf(tok); got != raw {
		t.Errorf("idTokenOf() = %q", got)
	}
	if got := idTokenOf(domain.AccessToken{Token: "opaque", RawResponse: []byte(`not json`)}); got != "opaque" {
		t.Errorf("idTokenOf() fallback = %q", got)
	}
}

func TestDisabledLogin(t *testing.T) {
	idp := testutil.NewIdP(t)
	set := buildSet(t, map[string]domain.ProviderConfig{"acme": providerConfig(idp)}, nil)

	login := set.Login()
	if _, ok := login.(Disabled); !ok {
		t.Fatalf("Login() = %T, want Disabled", login)
	}
	if !set.Selection().Disabled() {
		t.Error("selection should be disabled")
	}
	ctx := context.Background()
	if _, err := login.UserInfo(ctx, domain.AccessToken{Token: "x"}); !errors.Is(err, autherr.ErrAuthentication) {
		t.Errorf("UserInfo() error = %v", err)
	}
	if _, err := login.ExchangePassword(ctx, "u", "p"); !errors.Is(err, autherr.ErrAuthentication) {
		t.Errorf("ExchangePassword() error = %v", err)
	}
}

func TestPasswordFlowDisabled(t *testing.T) {
	idp := testutil.NewIdP(t)
	set := buildSet(t, map[string]domain.ProviderConfig{"kc": providerConfig(idp)}, nil)
	p, _ := set.Get("kc")

	_, err := p.ExchangePassword(context.Background(), "alice", "pw")
	if !errors.Is(err, autherr.ErrTokenExchange) {
		t.Errorf("error = %v, want ErrTokenExchange", err)
	}
	if idp.TokenRequests() != 0 {
		t.Error("disabled password flow reached the token endpoint")
	}
}

func TestGoogleHostedDomainParam(t *testing.T) {
	r := DefaultRegistry(nil)
	tests := []struct {
		domains []string
		want    string
	}{
		{nil, ""},
		{[]string{"x.com"}, "x.com"},
		{[]string{"x.com", "y.com"}, "*"},
	}
	for _, tt := range tests {
		set, err := r.Build(map[string]domain.ProviderConfig{
			Google: {ClientID: "id", ClientSecret: "s", CallbackURL: "https://app/oauth", Domains: tt.domains},
		}, Deps{})
		if err != nil {
			t.Fatalf("Build() error: %v", err)
		}
		p, _ := set.Get(Google)
		raw, err := p.AuthorizationURL(context.Background(), "st")
		if err != nil {
			t.Fatalf("AuthorizationURL() error: %v", err)
		}
		u, _ := url.Parse(raw)
		if got := u.Query().Get("hd"); got != tt.want {
			t.Errorf("domains %v: hd = %q, want %q", tt.domains, got, tt.want)
		}
	}
}

func TestBuildRejectsBadMapping(t *testing.T) {
	descs := []Descriptor{{ID: "bad", AuthURL: "https://a", TokenURL: "https://t", Mapping: identity.Mapping{Subject: ".sub | ("}}}
	r := NewRegistry(descs, nil, nil)
	_, err := r.Build(map[string]domain.ProviderConfig{"bad": {ClientID: "id"}}, Deps{})
	if !errors.Is(err, autherr.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}
