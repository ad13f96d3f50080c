// Package identity turns provider user info documents into ExternalIdentity
// values.
//
// Each provider supplies a Mapping of jq expressions that locate the
// subject, username, email, display name, hosted domain and groups in its
// payload. Expressions are compiled once and the resulting Normalizer is
// safe for concurrent use.
package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
)

// Mapping holds one jq expression per identity field. Empty expressions
// mean the provider never supplies the field. Subject is required.
type Mapping struct {
	Subject      string `json:"subject"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	HostedDomain string `json:"hosted_domain,omitempty"`
	Groups       string `json:"groups,omitempty"`
	// LinkName names the account claimed when linking. Defaults to the
	// username.
	LinkName string `json:"link_name,omitempty"`
}

// Policy holds the per-provider rules applied after field extraction.
type Policy struct {
	// Scheme prefixes the subject to form the external id.
	Scheme string
	// Domains restricts logins to these domains. Empty allows all.
	Domains []string
	// StripDomain removes "@domain" from the username instead of
	// rejecting other domains.
	StripDomain         bool
	UseEmailAsUsername  bool
	FixLegacyUserID     bool
	LinkExistingAccount bool
}

// LinkScheme prefixes the claimed identity when linking existing accounts.
const LinkScheme = domain.UsernameScheme

// Normalizer maps documents to identities for one provider.
type Normalizer struct {
	policy Policy

	subject      *gojq.Code
	username     *gojq.Code
	email        *gojq.Code
	displayName  *gojq.Code
	hostedDomain *gojq.Code
	groups       *gojq.Code
	linkName     *gojq.Code
}

// New compiles m. A bad expression is a configuration error.
func New(m Mapping, p Policy) (*Normalizer, error) {
	if strings.TrimSpace(m.Subject) == "" {
		return nil, autherr.Configuration("identity mapping for %q has no subject expression", p.Scheme)
	}
	if p.Scheme == "" {
		return nil, autherr.Configuration("identity policy has no scheme")
	}

	n := &Normalizer{policy: p}
	fields := []struct {
		name string
		src  string
		dst  **gojq.Code
	}{
		{"subject", m.Subject, &n.subject},
		{"username", m.Username, &n.username},
		{"email", m.Email, &n.email},
		{"display_name", m.DisplayName, &n.displayName},
		{"hosted_domain", m.HostedDomain, &n.hostedDomain},
		{"groups", m.Groups, &n.groups},
		{"link_name", m.LinkName, &n.linkName},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		code, err := compile(f.src)
		if err != nil {
			return nil, autherr.Configuration("identity mapping %s %q: %v", f.name, f.src, err)
		}
		*f.dst = code
	}
	return n, nil
}

func compile(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(q)
}

// Scheme returns the external id scheme.
func (n *Normalizer) Scheme() string { return n.policy.Scheme }

// NormalizeJSON decodes body as a JSON object and normalizes it.
func (n *Normalizer) NormalizeJSON(body []byte) (*domain.ExternalIdentity, error) {
	doc, err := DecodeDocument(body)
	if err != nil {
		return nil, err
	}
	return n.Normalize(doc)
}

// DecodeDocument parses a JSON object, keeping integers exact.
func DecodeDocument(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, autherr.Wrap(autherr.ErrResourceFetch, "decode user info", err)
	}
	if doc == nil {
		return nil, autherr.New(autherr.ErrResourceFetch, "decode user info", "not a JSON object")
	}
	return normalizeNumbers(doc).(map[string]any), nil
}

// normalizeNumbers converts json.Number values into types gojq accepts.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if b, ok := new(big.Int).SetString(x.String(), 10); ok {
			return b
		}
		f, _ := x.Float64()
		return f
	default:
		return v
	}
}

// Normalize extracts the identity from doc and applies the policy in
// order: domain restriction, username from email, legacy id fixup or
// account linking.
func (n *Normalizer) Normalize(doc map[string]any) (*domain.ExternalIdentity, error) {
	subject := first(n.subject, doc)
	if subject == "" {
		return nil, autherr.New(autherr.ErrMissingField, "normalize identity", "subject")
	}

	username := first(n.username, doc)
	email := first(n.email, doc)

	if len(n.policy.Domains) > 0 {
		if n.policy.StripDomain {
			username = stripDomains(username, n.policy.Domains)
		} else if err := n.checkDomain(doc, email); err != nil {
			return nil, err
		}
	}

	if n.policy.UseEmailAsUsername && email != "" {
		username, _, _ = strings.Cut(email, "@")
	}

	id := &domain.ExternalIdentity{
		ExternalID:  n.policy.Scheme + ":" + subject,
		Username:    domain.StringPtr(username),
		Email:       domain.StringPtr(email),
		DisplayName: domain.StringPtr(first(n.displayName, doc)),
		Groups:      all(n.groups, doc),
	}

	linkName := username
	if n.linkName != nil {
		linkName = first(n.linkName, doc)
	}
	switch {
	case n.policy.FixLegacyUserID:
		id.ClaimedIdentity = domain.StringPtr(subject)
	case n.policy.LinkExistingAccount && linkName != "":
		id.ClaimedIdentity = domain.StringPtr(domain.UsernameKey(linkName))
	}
	return id, nil
}

func (n *Normalizer) checkDomain(doc map[string]any, email string) error {
	var got string
	if n.hostedDomain != nil {
		got = first(n.hostedDomain, doc)
	} else if _, d, ok := strings.Cut(email, "@"); ok {
		got = d
	}
	for _, allowed := range n.policy.Domains {
		if got != "" && strings.EqualFold(allowed, got) {
			return nil
		}
	}
	return autherr.New(autherr.ErrDomainNotAllowed, "normalize identity", fmt.Sprintf("domain %q", got))
}

func stripDomains(username string, domains []string) string {
	lower := strings.ToLower(username)
	for _, d := range domains {
		suffix := "@" + strings.ToLower(d)
		if strings.HasSuffix(lower, suffix) {
			return username[:len(username)-len(suffix)]
		}
	}
	return username
}

// first returns the first non-empty scalar produced by code.
func first(code *gojq.Code, doc map[string]any) string {
	if code == nil {
		return ""
	}
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return ""
		}
		if _, isErr := v.(error); isErr {
			return ""
		}
		if s, ok := scalar(v); ok && s != "" {
			return s
		}
	}
}

// all collects every string produced by code, flattening arrays and
// dropping duplicates.
func all(code *gojq.Code, doc map[string]any) []string {
	if code == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	add := func(v any) {
		if s, ok := scalar(v); ok && s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return out
		}
		switch x := v.(type) {
		case error:
			return out
		case []any:
			for _, e := range x {
				add(e)
			}
		default:
			add(x)
		}
	}
}

// scalar renders strings and numbers. Numbers never use exponent form.
func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case *big.Int:
		return x.String(), true
	default:
		return "", false
	}
}
