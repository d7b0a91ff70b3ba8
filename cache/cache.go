// Package cache provides named, best-effort cache groups with a
// "last changed" generation marker.
//
// Derived values (query results, for example) embed the group's
// LastChanged token in their keys.  Bumping the generation after a
// write makes every such key unreachable without having to find and
// evict them; the stale entries simply expire.
package cache

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const lastChangedKey = "last_changed"

// Group is one cache namespace.  All methods are safe for concurrent
// use and never fail: a missing entry is just a miss.
type Group struct {
	name string
	c    *gocache.Cache
}

// NewGroup creates a cache group.  Entries expire after `expiration`
// (use a negative value to never expire) and expired entries are
// purged every `cleanup`.
func NewGroup(name string, expiration, cleanup time.Duration) *Group {
	return &Group{
		name: name,
		c:    gocache.New(expiration, cleanup),
	}
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Get returns a cached value.
func (g *Group) Get(key string) (any, bool) {
	return g.c.Get(key)
}

// Add stores a value unless the key is already present.
func (g *Group) Add(key string, value any) {
	// go-cache reports an existing key as an error; for a cache
	// that is not a failure.
	_ = g.c.Add(key, value, gocache.DefaultExpiration)
}

// Set stores a value, replacing any existing one.
func (g *Group) Set(key string, value any) {
	g.c.Set(key, value, gocache.DefaultExpiration)
}

// Delete removes a value.
func (g *Group) Delete(key string) {
	g.c.Delete(key)
}

// LastChanged returns the current generation token of the group.
func (g *Group) LastChanged() string {
	if v, ok := g.c.Get(lastChangedKey); ok {
		if n, ok := v.(int64); ok {
			return strconv.FormatInt(n, 10)
		}
	}
	g.c.Add(lastChangedKey, time.Now().UnixNano(), gocache.NoExpiration)
	v, _ := g.c.Get(lastChangedKey)
	n, _ := v.(int64)
	return strconv.FormatInt(n, 10)
}

// Bump moves the group to a new generation.
func (g *Group) Bump() {
	if _, err := g.c.IncrementInt64(lastChangedKey, 1); err != nil {
		// Nothing has read a generation yet, so any value will do.
		g.c.Set(lastChangedKey, time.Now().UnixNano(), gocache.NoExpiration)
	}
}

// Len returns the number of entries currently held, including the
// generation marker.
func (g *Group) Len() int {
	return g.c.ItemCount()
}
