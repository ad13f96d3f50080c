// Package provider holds the table of supported identity providers, picks
// the active login provider and builds runtime providers from
// configuration.
package provider

import (
	"net/http"
	"sort"
	"strings"

	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
)

// Registry is an ordered descriptor table plus the exclusivity rules.
// It is read-only after construction.
type Registry struct {
	descriptors []Descriptor
	byID        map[string]Descriptor
	exclusive   [][2]string
	logger      observability.Logger
}

// NewRegistry returns a registry over descriptors, scanned in slice order.
func NewRegistry(descriptors []Descriptor, exclusive [][2]string, logger observability.Logger) *Registry {
	r := &Registry{
		descriptors: descriptors,
		byID:        make(map[string]Descriptor, len(descriptors)),
		exclusive:   exclusive,
		logger:      observability.OrDefault(logger).WithComponent("provider"),
	}
	for _, d := range descriptors {
		r.byID[d.ID] = d
	}
	return r
}

// DefaultRegistry returns the registry of all supported providers.
func DefaultRegistry(logger observability.Logger) *Registry {
	return NewRegistry(DefaultDescriptors(), ExclusivePairs, logger)
}

// Descriptor returns the descriptor for id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Descriptors returns the table in priority order.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descriptors...)
}

// Resolve selects at most one login provider from configs, keyed by
// provider id. Both members of an exclusive pair being configured is a
// configuration error and nothing is selected. No network calls are made.
func (r *Registry) Resolve(configs map[string]domain.ProviderConfig) (domain.ProviderSelection, error) {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, known := r.byID[id]; !known && configs[id].Configured() {
			r.logger.Warn("ignoring unknown provider", "provider", id)
		}
	}

	configured := func(id string) bool {
		cfg, ok := configs[id]
		return ok && cfg.Configured()
	}
	for _, pair := range r.exclusive {
		if configured(pair[0]) && configured(pair[1]) {
			return domain.ProviderSelection{}, autherr.Configuration(
				"providers %q and %q are mutually exclusive; configure only one", pair[0], pair[1])
		}
	}

	sel := domain.ProviderSelection{Configured: []string{}}
	for _, d := range r.descriptors {
		if !configured(d.ID) {
			continue
		}
		sel.Configured = append(sel.Configured, d.ID)
		if sel.ActiveProviderID != "" {
			continue
		}
		if !d.LoginCapable {
			r.logger.Warn("provider does not support direct login, skipping", "provider", d.ID)
			continue
		}
		if _, err := d.Endpoints(configs[d.ID]); err != nil {
			r.logger.Warn("login provider has invalid endpoints, skipping", "provider", d.ID, "error", err)
			continue
		}
		sel.ActiveProviderID = d.ID
	}

	if sel.Disabled() {
		r.logger.Info("no login provider selected, direct logins are disabled",
			"configured", strings.Join(sel.Configured, ","))
	} else {
		r.logger.Info("login provider selected", "provider", sel.ActiveProviderID,
			"configured", strings.Join(sel.Configured, ","))
	}
	return sel, nil
}

// Deps are the shared collaborators handed to every built provider.
type Deps struct {
	Logger     observability.Logger
	Metrics    *observability.Metrics
	Verifiers  oauth.VerifierStore
	Groups     *groups.Cache
	HTTPClient *http.Client
}

// Build resolves configs and creates one Provider per configured known
// provider. Any invalid provider aborts the build.
func (r *Registry) Build(configs map[string]domain.ProviderConfig, deps Deps) (*Set, error) {
	sel, err := r.Resolve(configs)
	if err != nil {
		return nil, err
	}

	set := &Set{selection: sel, providers: make(map[string]*Provider, len(sel.Configured))}
	for _, id := range sel.Configured {
		d := r.byID[id]
		cfg := configs[id]
		cfg.ProviderID = id
		p, err := New(d, cfg, deps)
		if err != nil {
			return nil, autherr.WithProvider(err, id)
		}
		set.providers[id] = p
		set.ordered = append(set.ordered, p)
	}
	return set, nil
}

// Set is the collection of built providers and the login selection.
type Set struct {
	selection domain.ProviderSelection
	providers map[string]*Provider
	ordered   []*Provider
}

// Selection returns the resolution outcome.
func (s *Set) Selection() domain.ProviderSelection { return s.selection }

// Get returns the provider with id.
func (s *Set) Get(id string) (*Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// All returns the providers in priority order.
func (s *Set) All() []*Provider {
	return append([]*Provider(nil), s.ordered...)
}

// Login returns the active login provider, or Disabled when none was
// selected.
func (s *Set) Login() LoginProvider {
	if p, ok := s.providers[s.selection.ActiveProviderID]; ok {
		return p
	}
	return Disabled{}
}
