package provider

import (
	"cmp"
	"net/url"
	"strings"

	"oauthfed/internal/auth/identity"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

// Source selects where a provider's identity document comes from.
type Source int

const (
	// SourceUserInfo fetches the provider's user info endpoint.
	SourceUserInfo Source = iota
	// SourceIDToken reads the claims of the id_token, falling back to the
	// access token when the grant returned none.
	SourceIDToken
)

func (s Source) String() string {
	if s == SourceIDToken {
		return "id_token"
	}
	return "userinfo"
}

// Descriptor is the static description of one supported provider.
// Endpoint templates may reference {root}, {realm} and {tenant}.
type Descriptor struct {
	ID          string
	Priority    int
	ServiceName string

	DefaultRoot   string
	DefaultTenant string

	AuthURL     string
	TokenURL    string
	UserInfoURL string
	Placement   oauth.TokenPlacement
	Source      Source

	Scope   string
	Mapping identity.Mapping

	// MappingFor, when set, derives the mapping from provider settings.
	MappingFor func(domain.ProviderConfig) identity.Mapping
	// AuthParams returns extra authorization request parameters.
	AuthParams func(domain.ProviderConfig) map[string]string
	// Adjust rewrites expanded endpoints for a given root.
	Adjust func(root string, ep *Endpoints)

	LoginCapable bool
	GroupBackend bool
	StripDomain  bool
}

// Endpoints are a descriptor's templates expanded for one configuration.
type Endpoints struct {
	AuthURL     string `json:"auth_url"`
	TokenURL    string `json:"token_url"`
	UserInfoURL string `json:"userinfo_url,omitempty"`
}

// MappingOf returns the identity mapping used with cfg.
func (d Descriptor) MappingOf(cfg domain.ProviderConfig) identity.Mapping {
	if d.MappingFor != nil {
		return d.MappingFor(cfg)
	}
	return d.Mapping
}

// Endpoints expands the templates. A template referencing {root} needs an
// absolute root URL, either configured or the descriptor default.
func (d Descriptor) Endpoints(cfg domain.ProviderConfig) (Endpoints, error) {
	templates := []string{d.AuthURL, d.TokenURL, d.UserInfoURL}
	uses := func(placeholder string) bool {
		for _, t := range templates {
			if strings.Contains(t, placeholder) {
				return true
			}
		}
		return false
	}

	root := strings.TrimRight(cmp.Or(cfg.RootURL, d.DefaultRoot), "/")
	tenant := cmp.Or(cfg.Tenant, d.DefaultTenant)

	if uses("{root}") {
		if err := ValidateRootURL(root); err != nil {
			return Endpoints{}, autherr.WithProvider(err, d.ID)
		}
	}
	if uses("{realm}") && cfg.Realm == "" {
		return Endpoints{}, autherr.WithProvider(autherr.Configuration("realm is required"), d.ID)
	}
	if uses("{tenant}") && tenant == "" {
		return Endpoints{}, autherr.WithProvider(autherr.Configuration("tenant is required"), d.ID)
	}

	r := strings.NewReplacer(
		"{root}", root,
		"{realm}", url.PathEscape(cfg.Realm),
		"{tenant}", url.PathEscape(tenant),
	)
	ep := Endpoints{
		AuthURL:     r.Replace(d.AuthURL),
		TokenURL:    r.Replace(d.TokenURL),
		UserInfoURL: r.Replace(d.UserInfoURL),
	}
	if d.Adjust != nil {
		d.Adjust(root, &ep)
	}
	return ep, nil
}

// ValidateRootURL reports a configuration error unless root is an
// absolute http(s) URL.
func ValidateRootURL(root string) error {
	if root == "" {
		return autherr.Configuration("root URL is required")
	}
	u, err := url.Parse(root)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return autherr.Configuration("root URL %q must be absolute", root)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return autherr.Configuration("root URL %q must use http or https", root)
	}
	return nil
}
