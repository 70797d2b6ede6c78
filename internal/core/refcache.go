package core

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"stoqscore/pkg/domain"
)

// refCache remembers reference rows resolved by the Ensure* helpers. Entries
// are added only after the resolving transaction commits and are dropped by
// the service's update and delete wrappers.
type refCache struct {
	activityTypes *lru.Cache[string, domain.ActivityType]
	platformTypes *lru.Cache[string, domain.PlatformType]
	platforms     *lru.Cache[string, domain.Platform]
	parameters    *lru.Cache[string, domain.Parameter]
}

func newRefCache(size int) *refCache {
	return &refCache{
		activityTypes: mustLRU[domain.ActivityType](size),
		platformTypes: mustLRU[domain.PlatformType](size),
		platforms:     mustLRU[domain.Platform](size),
		parameters:    mustLRU[domain.Parameter](size),
	}
}

func mustLRU[V any](size int) *lru.Cache[string, V] {
	c, err := lru.New[string, V](size)
	if err != nil {
		// only reachable with a non-positive size, which the options reject
		panic(err)
	}
	return c
}

func platformKey(name, platformTypeID string) string {
	return platformTypeID + "\x00" + name
}

// forgetPlatformsOfType drops cached platforms of a renamed or deleted type.
func (c *refCache) forgetPlatformsOfType(platformTypeID string) {
	for _, key := range c.platforms.Keys() {
		if p, ok := c.platforms.Peek(key); ok && p.PlatformTypeID == platformTypeID {
			c.platforms.Remove(key)
		}
	}
}

func removeByID[V any](c *lru.Cache[string, V], id string, idOf func(V) string) {
	for _, key := range c.Keys() {
		if v, ok := c.Peek(key); ok && idOf(v) == id {
			c.Remove(key)
		}
	}
}

// Purge empties every cache.
func (c *refCache) Purge() {
	c.activityTypes.Purge()
	c.platformTypes.Purge()
	c.platforms.Purge()
	c.parameters.Purge()
}
