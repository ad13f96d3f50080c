package provider

import (
	"errors"
	"reflect"
	"testing"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

func cfg(root string) domain.ProviderConfig {
	return domain.ProviderConfig{ClientID: "id", ClientSecret: "secret", RootURL: root, Realm: "main"}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		configs    map[string]domain.ProviderConfig
		wantActive string
		wantConfig []string
	}{
		{
			name:       "nothing configured",
			configs:    map[string]domain.ProviderConfig{},
			wantConfig: []string{},
		},
		{
			name:       "single login provider",
			configs:    map[string]domain.ProviderConfig{Keycloak: cfg("https://kc.example.com")},
			wantActive: Keycloak,
			wantConfig: []string{Keycloak},
		},
		{
			name: "first in priority order wins",
			configs: map[string]domain.ProviderConfig{
				SAPIAS:   cfg("https://ias.example.com"),
				Keycloak: cfg("https://kc.example.com"),
				Dex:      cfg("https://dex.example.com"),
			},
			wantActive: Keycloak,
			wantConfig: []string{Dex, Keycloak, SAPIAS},
		},
		{
			name: "non login providers are skipped",
			configs: map[string]domain.ProviderConfig{
				Google: cfg(""),
				GitHub: cfg(""),
				SAPIAS: cfg("https://ias.example.com"),
			},
			wantActive: SAPIAS,
			wantConfig: []string{Google, GitHub, SAPIAS},
		},
		{
			name:       "dex is web only",
			configs:    map[string]domain.ProviderConfig{Dex: cfg("https://dex.example.com")},
			wantConfig: []string{Dex},
		},
		{
			name:       "only web providers leaves logins disabled",
			configs:    map[string]domain.ProviderConfig{Azure: cfg("")},
			wantConfig: []string{Azure},
		},
		{
			name: "missing client id means not configured",
			configs: map[string]domain.ProviderConfig{
				Dex:      {RootURL: "https://dex.example.com"},
				Keycloak: cfg("https://kc.example.com"),
			},
			wantActive: Keycloak,
			wantConfig: []string{Keycloak},
		},
		{
			name: "invalid root falls through",
			configs: map[string]domain.ProviderConfig{
				Keycloak: cfg("kc.example.com"),
				SAPIAS:   cfg("https://ias.example.com"),
			},
			wantActive: SAPIAS,
			wantConfig: []string{Keycloak, SAPIAS},
		},
		{
			name: "unknown ids are ignored",
			configs: map[string]domain.ProviderConfig{
				"okta":   cfg("https://okta.example.com"),
				Keycloak: cfg("https://kc.example.com"),
			},
			wantActive: Keycloak,
			wantConfig: []string{Keycloak},
		},
	}

	r := DefaultRegistry(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := r.Resolve(tt.configs)
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if sel.ActiveProviderID != tt.wantActive {
				t.Errorf("ActiveProviderID = %q, want %q", sel.ActiveProviderID, tt.wantActive)
			}
			if sel.Disabled() != (tt.wantActive == "") {
				t.Errorf("Disabled() = %v", sel.Disabled())
			}
			if !reflect.DeepEqual(sel.Configured, tt.wantConfig) {
				t.Errorf("Configured = %v, want %v", sel.Configured, tt.wantConfig)
			}
		})
	}
}

func TestResolveExclusivePair(t *testing.T) {
	r := DefaultRegistry(nil)

	_, err := r.Resolve(map[string]domain.ProviderConfig{
		Office365: cfg(""),
		Azure:     cfg(""),
		Keycloak:  cfg("https://kc.example.com"),
	})
	if !errors.Is(err, autherr.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}

	if _, err := r.Build(map[string]domain.ProviderConfig{Office365: cfg(""), Azure: cfg("")}, Deps{}); !errors.Is(err, autherr.ErrConfiguration) {
		t.Errorf("Build() error = %v, want ErrConfiguration", err)
	}

	for _, id := range []string{Office365, Azure} {
		sel, err := r.Resolve(map[string]domain.ProviderConfig{id: cfg("")})
		if err != nil {
			t.Fatalf("Resolve(%s) error: %v", id, err)
		}
		if !reflect.DeepEqual(sel.Configured, []string{id}) {
			t.Errorf("Configured = %v", sel.Configured)
		}
	}
}

func TestResolveWithLoginCapablePair(t *testing.T) {
	descs := []Descriptor{
		{ID: "legacy", AuthURL: "{root}/a", TokenURL: "{root}/t", LoginCapable: true, Mapping: oidcMapping},
		{ID: "modern", AuthURL: "{root}/a", TokenURL: "{root}/t", LoginCapable: true, Mapping: oidcMapping},
	}
	r := NewRegistry(descs, [][2]string{{"legacy", "modern"}}, nil)

	if _, err := r.Resolve(map[string]domain.ProviderConfig{"legacy": cfg("https://a"), "modern": cfg("https://b")}); !errors.Is(err, autherr.ErrConfiguration) {
		t.Errorf("both configured error = %v", err)
	}
	sel, err := r.Resolve(map[string]domain.ProviderConfig{"modern": cfg("https://b")})
	if err != nil || sel.ActiveProviderID != "modern" {
		t.Errorf("Resolve() = %+v, %v; want modern", sel, err)
	}
}

func TestDefaultDescriptorsOrder(t *testing.T) {
	want := []string{
		Google, GitHub, Bitbucket, CAS, Facebook, GitLab, LemonLDAP, Dex, Keycloak,
		Office365, Azure, AirVantage, Phabricator, Tuleap, Auth0, Authentik, Cognito, SAPIAS,
	}
	var got []string
	var login []string
	for i, d := range DefaultDescriptors() {
		got = append(got, d.ID)
		if d.Priority != i+1 {
			t.Errorf("%s priority = %d, want %d", d.ID, d.Priority, i+1)
		}
		if d.LoginCapable {
			login = append(login, d.ID)
		}
		if d.MappingOf(domain.ProviderConfig{UsePreferredUsername: true}).Subject == "" {
			t.Errorf("%s has no subject mapping", d.ID)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v", got)
	}
	if !reflect.DeepEqual(login, []string{Keycloak, SAPIAS}) {
		t.Errorf("login capable = %v", login)
	}
}

func TestEndpoints(t *testing.T) {
	r := DefaultRegistry(nil)
	desc := func(id string) Descriptor {
		d, ok := r.Descriptor(id)
		if !ok {
			t.Fatalf("no descriptor %q", id)
		}
		return d
	}

	tests := []struct {
		id   string
		cfg  domain.ProviderConfig
		want Endpoints
	}{
		{
			Keycloak,
			domain.ProviderConfig{RootURL: "https://kc.example.com/", Realm: "main"},
			Endpoints{
				AuthURL:     "https://kc.example.com/realms/main/protocol/openid-connect/auth",
				TokenURL:    "https://kc.example.com/realms/main/protocol/openid-connect/token",
				UserInfoURL: "https://kc.example.com/realms/main/protocol/openid-connect/userinfo",
			},
		},
		{
			GitHub,
			domain.ProviderConfig{},
			Endpoints{
				AuthURL:     "https://github.com/login/oauth/authorize",
				TokenURL:    "https://github.com/login/oauth/access_token",
				UserInfoURL: "https://api.github.com/user",
			},
		},
		{
			GitHub,
			domain.ProviderConfig{RootURL: "https://ghe.corp.example"},
			Endpoints{
				AuthURL:     "https://ghe.corp.example/login/oauth/authorize",
				TokenURL:    "https://ghe.corp.example/login/oauth/access_token",
				UserInfoURL: "https://ghe.corp.example/api/v3/user",
			},
		},
		{
			Azure,
			domain.ProviderConfig{},
			Endpoints{
				AuthURL:     "https://login.microsoftonline.com/organizations/oauth2/v2.0/authorize",
				TokenURL:    "https://login.microsoftonline.com/organizations/oauth2/v2.0/token",
				UserInfoURL: "https://graph.microsoft.com/v1.0/me",
			},
		},
		{
			Azure,
			domain.ProviderConfig{RootURL: "https://login.microsoftonline.us", Tenant: "contoso"},
			Endpoints{
				AuthURL:     "https://login.microsoftonline.us/contoso/oauth2/v2.0/authorize",
				TokenURL:    "https://login.microsoftonline.us/contoso/oauth2/v2.0/token",
				UserInfoURL: "https://graph.microsoft.com/v1.0/me",
			},
		},
		{
			CAS,
			domain.ProviderConfig{RootURL: "https://cas.example.com/cas"},
			Endpoints{
				AuthURL:     "https://cas.example.com/cas/oauth2.0/authorize",
				TokenURL:    "https://cas.example.com/cas/oauth2.0/accessToken",
				UserInfoURL: "https://cas.example.com/cas/oauth2.0/profile",
			},
		},
	}
	for _, tt := range tests {
		got, err := desc(tt.id).Endpoints(tt.cfg)
		if err != nil {
			t.Errorf("%s: Endpoints() error: %v", tt.id, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: Endpoints() = %+v, want %+v", tt.id, got, tt.want)
		}
	}

	bad := []struct {
		id  string
		cfg domain.ProviderConfig
	}{
		{Keycloak, domain.ProviderConfig{RootURL: "https://kc.example.com"}},
		{Keycloak, domain.ProviderConfig{RootURL: "/relative", Realm: "main"}},
		{CAS, domain.ProviderConfig{}},
		{Dex, domain.ProviderConfig{RootURL: "ftp://dex.example.com"}},
	}
	for _, tt := range bad {
		if _, err := desc(tt.id).Endpoints(tt.cfg); !errors.Is(err, autherr.ErrConfiguration) {
			t.Errorf("%s %+v: error = %v, want ErrConfiguration", tt.id, tt.cfg, err)
		}
	}
}
