package provider

import (
	"oauthfed/internal/auth/identity"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/domain"
)

// Provider ids.
const (
	Google      = "google"
	GitHub      = "github"
	Bitbucket   = "bitbucket"
	CAS         = "cas"
	Facebook    = "facebook"
	GitLab      = "gitlab"
	LemonLDAP   = "lemonldap"
	Dex         = "dex"
	Keycloak    = "keycloak"
	Office365   = "office365"
	Azure       = "azure"
	AirVantage  = "airvantage"
	Phabricator = "phabricator"
	Tuleap      = "tuleap"
	Auth0       = "auth0"
	Authentik   = "authentik"
	Cognito     = "cognito"
	SAPIAS      = "sapias"
)

// ExclusivePairs lists providers that share one external id namespace and
// must never be configured together.
var ExclusivePairs = [][2]string{
	{Office365, Azure},
}

var oidcMapping = identity.Mapping{
	Subject:     ".sub",
	Username:    ".preferred_username",
	Email:       ".email",
	DisplayName: ".name",
}

const microsoftLogin = "https://login.microsoftonline.com"

var microsoftMapping = identity.Mapping{
	Subject:     ".id",
	Username:    ".userPrincipalName",
	Email:       ".mail // .userPrincipalName",
	DisplayName: ".displayName",
}

// CAS returns attributes as an array of single-key objects; the last
// occurrence of a key wins.
func casAttribute(name string) string {
	return "[.attributes | arrays | .[] | objects | ." + name + " | strings] | last"
}

// DefaultDescriptors returns the supported providers in priority order.
// Legacy integrations precede their successors.
func DefaultDescriptors() []Descriptor {
	ds := []Descriptor{
		{
			ID:          Google,
			ServiceName: "Google OAuth2",
			AuthURL:     "https://accounts.google.com/o/oauth2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
			Placement:   oauth.TokenInQuery,
			Scope:       "openid email profile",
			Mapping: identity.Mapping{
				Subject:      ".id",
				Email:        ".email",
				DisplayName:  ".name",
				HostedDomain: ".hd",
			},
			AuthParams: googleHostedDomain,
		},
		{
			ID:          GitHub,
			ServiceName: "GitHub OAuth2",
			DefaultRoot: "https://github.com",
			AuthURL:     "{root}/login/oauth/authorize",
			TokenURL:    "{root}/login/oauth/access_token",
			UserInfoURL: "{root}/api/v3/user",
			Scope:       "user:email",
			Mapping: identity.Mapping{
				Subject:     ".id",
				Username:    ".login",
				Email:       ".email",
				DisplayName: ".name",
			},
			Adjust: func(root string, ep *Endpoints) {
				if root == "https://github.com" {
					ep.UserInfoURL = "https://api.github.com/user"
				}
			},
		},
		{
			ID:          Bitbucket,
			ServiceName: "Bitbucket OAuth2",
			AuthURL:     "https://bitbucket.org/site/oauth2/authorize",
			TokenURL:    "https://bitbucket.org/site/oauth2/access_token",
			UserInfoURL: "https://api.bitbucket.org/2.0/user",
			Mapping: identity.Mapping{
				Subject:     ".uuid",
				Username:    ".username // .nickname",
				DisplayName: ".display_name",
			},
		},
		{
			ID:          CAS,
			ServiceName: "CAS OAuth2",
			AuthURL:     "{root}/oauth2.0/authorize",
			TokenURL:    "{root}/oauth2.0/accessToken",
			UserInfoURL: "{root}/oauth2.0/profile",
			Mapping: identity.Mapping{
				Subject:     ".id",
				Username:    casAttribute("login"),
				Email:       casAttribute("email"),
				DisplayName: casAttribute("name"),
			},
		},
		{
			ID:          Facebook,
			ServiceName: "Facebook OAuth2",
			AuthURL:     "https://www.facebook.com/v19.0/dialog/oauth",
			TokenURL:    "https://graph.facebook.com/v19.0/oauth/access_token",
			UserInfoURL: "https://graph.facebook.com/me?fields=id,name,email",
			Scope:       "email",
			Mapping: identity.Mapping{
				Subject:     ".id",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:          GitLab,
			ServiceName: "GitLab OAuth2",
			DefaultRoot: "https://gitlab.com",
			AuthURL:     "{root}/oauth/authorize",
			TokenURL:    "{root}/oauth/token",
			UserInfoURL: "{root}/api/v4/user",
			Scope:       "read_user",
			Mapping: identity.Mapping{
				Subject:     ".id",
				Username:    ".username",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:          LemonLDAP,
			ServiceName: "LemonLDAP::NG OAuth2",
			AuthURL:     "{root}/oauth2/authorize",
			TokenURL:    "{root}/oauth2/token",
			UserInfoURL: "{root}/oauth2/userinfo",
			Scope:       "openid profile email",
			Mapping:     oidcMapping,
		},
		{
			ID:          Dex,
			ServiceName: "Dex OAuth2",
			AuthURL:     "{root}/auth",
			TokenURL:    "{root}/token",
			Source:      SourceIDToken,
			Scope:       "openid profile email",
			StripDomain: true,
			Mapping: identity.Mapping{
				Subject:     ".email",
				Username:    ".email",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:           Keycloak,
			ServiceName:  "Keycloak OAuth2",
			AuthURL:      "{root}/realms/{realm}/protocol/openid-connect/auth",
			TokenURL:     "{root}/realms/{realm}/protocol/openid-connect/token",
			UserInfoURL:  "{root}/realms/{realm}/protocol/openid-connect/userinfo",
			Source:       SourceIDToken,
			Scope:        "openid",
			LoginCapable: true,
			GroupBackend: true,
			MappingFor:   keycloakMapping,
		},
		{
			ID:          Office365,
			ServiceName: "Office365 OAuth2",
			DefaultRoot: microsoftLogin,
			AuthURL:     "{root}/common/oauth2/v2.0/authorize",
			TokenURL:    "{root}/common/oauth2/v2.0/token",
			UserInfoURL: "https://graph.microsoft.com/v1.0/me",
			Scope:       "openid offline_access https://graph.microsoft.com/user.readbasic.all",
			Mapping:     microsoftMapping,
		},
		{
			ID:            Azure,
			ServiceName:   "Azure OAuth2",
			DefaultRoot:   microsoftLogin,
			DefaultTenant: "organizations",
			AuthURL:       "{root}/{tenant}/oauth2/v2.0/authorize",
			TokenURL:      "{root}/{tenant}/oauth2/v2.0/token",
			UserInfoURL:   "https://graph.microsoft.com/v1.0/me",
			Scope:         "openid offline_access https://graph.microsoft.com/user.readbasic.all",
			Mapping:       microsoftMapping,
		},
		{
			ID:          AirVantage,
			ServiceName: "AirVantage OAuth2",
			DefaultRoot: "https://na.airvantage.net",
			AuthURL:     "{root}/api/oauth/authorize",
			TokenURL:    "{root}/api/oauth/token",
			UserInfoURL: "{root}/api/v1/users/current",
			Placement:   oauth.TokenInQuery,
			Mapping: identity.Mapping{
				Subject:     ".uid",
				Username:    ".email",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:          Phabricator,
			ServiceName: "Phabricator OAuth2",
			AuthURL:     "{root}/oauthserver/auth/",
			TokenURL:    "{root}/oauthserver/token/",
			UserInfoURL: "{root}/api/user.whoami",
			Placement:   oauth.TokenInQuery,
			Mapping: identity.Mapping{
				Subject:     ".result.phid",
				Username:    ".result.userName",
				Email:       ".result.primaryEmail",
				DisplayName: ".result.realName",
			},
		},
		{
			ID:          Tuleap,
			ServiceName: "Tuleap OAuth2",
			AuthURL:     "{root}/oauth2/authorize",
			TokenURL:    "{root}/oauth2/token",
			UserInfoURL: "{root}/oauth2/userinfo",
			Scope:       "openid profile email",
			Mapping:     oidcMapping,
		},
		{
			ID:          Auth0,
			ServiceName: "Auth0 OAuth2",
			AuthURL:     "{root}/authorize",
			TokenURL:    "{root}/oauth/token",
			UserInfoURL: "{root}/userinfo",
			Scope:       "openid profile email",
			Mapping: identity.Mapping{
				Subject:     ".sub",
				Username:    ".preferred_username // .nickname",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:          Authentik,
			ServiceName: "Authentik OAuth2",
			AuthURL:     "{root}/application/o/authorize/",
			TokenURL:    "{root}/application/o/token/",
			UserInfoURL: "{root}/application/o/userinfo/",
			Scope:       "openid profile email",
			Mapping:     oidcMapping,
		},
		{
			ID:          Cognito,
			ServiceName: "AWS Cognito OAuth2",
			AuthURL:     "{root}/oauth2/authorize",
			TokenURL:    "{root}/oauth2/token",
			UserInfoURL: "{root}/oauth2/userInfo",
			Scope:       "openid profile email",
			Mapping: identity.Mapping{
				Subject:     ".sub",
				Username:    ".preferred_username // .username",
				Email:       ".email",
				DisplayName: ".name",
			},
		},
		{
			ID:           SAPIAS,
			ServiceName:  "SAP IAS",
			AuthURL:      "{root}/oauth2/authorize",
			TokenURL:     "{root}/oauth2/token",
			UserInfoURL:  "{root}/oauth2/userinfo",
			Source:       SourceIDToken,
			Scope:        "openid profile email",
			LoginCapable: true,
			Mapping: identity.Mapping{
				Subject:     ".sub",
				Username:    ".sub",
				Email:       ".email",
				DisplayName: `[.first_name, .last_name] | map(select(type == "string" and . != "")) | join(" ")`,
			},
		},
	}
	for i := range ds {
		ds[i].Priority = i + 1
	}
	return ds
}

// keycloakMapping keys the external id on preferred_username. The flag
// only decides whether it also becomes the username.
func keycloakMapping(cfg domain.ProviderConfig) identity.Mapping {
	m := identity.Mapping{
		Subject:     ".preferred_username",
		Username:    ".preferred_username",
		Email:       ".email",
		DisplayName: ".name",
		Groups:      ".groups",
		LinkName:    ".preferred_username",
	}
	if !cfg.UsePreferredUsername {
		m.Username = ""
	}
	return m
}

// googleHostedDomain restricts the account chooser: one allowed domain is
// sent as is, several as "*".
func googleHostedDomain(cfg domain.ProviderConfig) map[string]string {
	switch len(cfg.Domains) {
	case 0:
		return nil
	case 1:
		return map[string]string{"hd": cfg.Domains[0]}
	default:
		return map[string]string{"hd": "*"}
	}
}
