package groups

import (
	"context"
	"strings"

	"oauthfed/internal/observability"
)

// UUIDPrefix marks group ids owned by the provider group backend.
const UUIDPrefix = "keycloak/"

// Description describes one provider group.
type Description struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Backend exposes cached groups to the host for suggestion and membership
// checks.
type Backend struct {
	cache  *Cache
	logger observability.Logger
}

// NewBackend returns a backend reading from cache.
func NewBackend(cache *Cache, logger observability.Logger) *Backend {
	return &Backend{cache: cache, logger: observability.OrDefault(logger).WithComponent("groups")}
}

// Handles reports whether uuid belongs to this backend.
func (b *Backend) Handles(uuid string) bool {
	return strings.HasPrefix(uuid, UUIDPrefix)
}

// Get describes uuid, or returns false when it is not a backend group.
func (b *Backend) Get(uuid string) (Description, bool) {
	if !b.Handles(uuid) {
		return Description{}, false
	}
	return Description{UUID: uuid, Name: uuid}, true
}

// Suggest returns known groups whose name contains query, ignoring case.
// A query naming a backend uuid returns that group alone.
func (b *Backend) Suggest(query string) []Description {
	if b.Handles(query) {
		name := strings.TrimPrefix(query, UUIDPrefix)
		for _, g := range b.cache.AllGroups() {
			if g == name {
				d, _ := b.Get(query)
				return []Description{d}
			}
		}
		query = name
	}
	if query == "" {
		return []Description{}
	}

	needle := strings.ToLower(query)
	out := []Description{}
	for _, g := range b.cache.AllGroups() {
		if strings.Contains(strings.ToLower(g), needle) {
			d, _ := b.Get(UUIDPrefix + g)
			out = append(out, d)
		}
	}
	return out
}

// MembershipsOf returns the backend uuids of the groups externalID
// belonged to at its last login.
func (b *Backend) MembershipsOf(ctx context.Context, externalID string) []string {
	groups := b.cache.Get(externalID)
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = UUIDPrefix + g
	}
	b.logger.DebugContext(ctx, "resolved group memberships", "external_id", externalID, "count", len(out))
	return out
}
