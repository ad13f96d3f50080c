package domain

import "testing"

func TestExternalIDScheme(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"github-oauth:42", "github-oauth"},
		{"username:alice", "username"},
		{"keycloak-oauth:a:b", "keycloak-oauth"},
		{"noscheme", "noscheme"},
		{"", ""},
	}
	for _, tt := range tests {
		e := ExternalID{Key: tt.key}
		if got := e.Scheme(); got != tt.want {
			t.Errorf("ExternalID{%q}.Scheme() = %q, want %q", tt.key, got, tt.want)
		}
		id := &ExternalIdentity{ExternalID: tt.key}
		if got := id.Scheme(); got != tt.want {
			t.Errorf("ExternalIdentity{%q}.Scheme() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestAccountExternalIDsWithScheme(t *testing.T) {
	acct := &Account{ExternalIDs: []ExternalID{
		{Key: UsernameKey("alice")},
		{Key: "github-oauth:1"},
		{Key: "github-oauth:2"},
		{Key: "github-oauth-legacy:1"},
	}}
	got := acct.ExternalIDsWithScheme("github-oauth")
	if len(got) != 2 || got[0].Key != "github-oauth:1" || got[1].Key != "github-oauth:2" {
		t.Errorf("ExternalIDsWithScheme = %+v", got)
	}
	if got := acct.ExternalIDsWithScheme(UsernameScheme); len(got) != 1 || got[0].Key != "username:alice" {
		t.Errorf("username ids = %+v", got)
	}
}

func TestUsernameValue(t *testing.T) {
	var nilID *ExternalIdentity
	if nilID.UsernameValue() != "" {
		t.Error("nil identity must have empty username")
	}
	if (&ExternalIdentity{}).UsernameValue() != "" {
		t.Error("absent username must be empty")
	}
	if got := (&ExternalIdentity{Username: StringPtr("bob")}).UsernameValue(); got != "bob" {
		t.Errorf("UsernameValue = %q", got)
	}
	if StringPtr("") != nil {
		t.Error("StringPtr(\"\") must be nil")
	}
}

func TestProviderConfig(t *testing.T) {
	cfg := ProviderConfig{ProviderID: "gitlab", Scope: "openid, profile\temail"}
	if cfg.Configured() {
		t.Error("config without client id must not be configured")
	}
	cfg.ClientID = "  "
	if cfg.Configured() {
		t.Error("blank client id must not count")
	}
	if got := cfg.ExternalIDScheme(); got != "gitlab-oauth" {
		t.Errorf("ExternalIDScheme = %q", got)
	}
	cfg.Scheme = "gitlab-legacy"
	if got := cfg.ExternalIDScheme(); got != "gitlab-legacy" {
		t.Errorf("ExternalIDScheme override = %q", got)
	}
	scopes := cfg.Scopes()
	if len(scopes) != 3 || scopes[0] != "openid" || scopes[2] != "email" {
		t.Errorf("Scopes = %q", scopes)
	}
	if !(ProviderSelection{}).Disabled() || (ProviderSelection{ActiveProviderID: "kc"}).Disabled() {
		t.Error("Disabled mismatch")
	}
}
