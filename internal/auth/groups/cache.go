// Package groups tracks provider group memberships learned at login.
package groups

import (
	"slices"
	"sync"
)

// Cache maps external ids to their group names. Each login replaces the
// identity's set; the union of every group ever seen backs suggestions.
// Stored slices are never mutated, so readers need no locks.
type Cache struct {
	members sync.Map // external id -> []string (sorted, immutable)
	known   sync.Map // group name -> struct{}
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Put replaces the groups of externalID.
func (c *Cache) Put(externalID string, groups []string) {
	set := normalize(groups)
	c.members.Store(externalID, set)
	for _, g := range set {
		c.known.LoadOrStore(g, struct{}{})
	}
}

// Get returns a copy of the groups of externalID. Unknown ids yield an
// empty, non-nil slice.
func (c *Cache) Get(externalID string) []string {
	v, ok := c.members.Load(externalID)
	if !ok {
		return []string{}
	}
	return slices.Clone(v.([]string))
}

// AllGroups returns a sorted snapshot of every known group name.
func (c *Cache) AllGroups() []string {
	out := []string{}
	c.known.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	slices.Sort(out)
	return out
}

func normalize(groups []string) []string {
	set := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" {
			set = append(set, g)
		}
	}
	slices.Sort(set)
	return slices.Compact(set)
}
