package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
	"oauthfed/internal/testutil"
)

func TestDiscover(t *testing.T) {
	idp := testutil.NewIdP(t)

	md, err := Discover(context.Background(), idp.URL(), nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if md.Issuer != idp.URL() {
		t.Errorf("issuer = %q, want %q", md.Issuer, idp.URL())
	}
	if md.JWKSURL != idp.JWKSURL() {
		t.Errorf("jwks_uri = %q, want %q", md.JWKSURL, idp.JWKSURL())
	}
	if md.TokenURL != idp.URL()+"/token" || md.UserInfoURL != idp.URL()+"/userinfo" {
		t.Errorf("unexpected endpoints: %+v", md)
	}
	if len(md.Algorithms) != 1 || md.Algorithms[0] != "RS256" {
		t.Errorf("algorithms = %v", md.Algorithms)
	}
}

func TestDiscover_Failure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Discover(context.Background(), srv.URL, srv.Client())
	if !errors.Is(err, autherr.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestMetadataApply(t *testing.T) {
	md := Metadata{Issuer: "https://idp", JWKSURL: "https://idp/keys", Algorithms: []string{"ES256"}}

	got := md.Apply(domain.ProviderConfig{ProviderID: "keycloak"})
	if got.Issuer != "https://idp" || got.JWKSURL != "https://idp/keys" || got.JWKSAlgorithms[0] != "ES256" {
		t.Errorf("unexpected config: %+v", got)
	}

	explicit := md.Apply(domain.ProviderConfig{JWKSURL: "https://other/keys", JWKSAlgorithms: []string{"RS256"}})
	if explicit.JWKSURL != "https://other/keys" || explicit.JWKSAlgorithms[0] != "RS256" {
		t.Errorf("explicit settings were overwritten: %+v", explicit)
	}
}

func TestDiscoverAll(t *testing.T) {
	idp := testutil.NewIdP(t)

	configs := map[string]domain.ProviderConfig{
		"keycloak": {ProviderID: "keycloak", ClientID: "c", RootURL: idp.URL(), Discover: true},
		"github":   {ProviderID: "github", ClientID: "c"},
	}
	out, err := DiscoverAll(context.Background(), configs, nil, observability.NopLogger())
	if err != nil {
		t.Fatalf("DiscoverAll: %v", err)
	}
	if out["keycloak"].JWKSURL != idp.JWKSURL() {
		t.Errorf("keycloak jwks = %q", out["keycloak"].JWKSURL)
	}
	if out["github"].JWKSURL != "" {
		t.Errorf("github should be untouched: %+v", out["github"])
	}
	if idp.JWKSFetches() != 0 {
		t.Error("discovery should not fetch keys")
	}
}
