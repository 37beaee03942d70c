package cache

import (
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/jellydator/ttlcache/v3"
)

type ttlCache[T any] struct {
	cache *ttlcache.Cache[cachekey.Key, T]
}

func (c *ttlCache[T]) Get(key cachekey.Key) (T, bool) {
	item := c.cache.Get(key)
	if item == nil {
		var zero T
		return zero, false
	}
	return item.Value(), true
}

func (c *ttlCache[T]) Set(key cachekey.Key, data T) {
	c.cache.Set(key, data, ttlcache.DefaultTTL)
}

func (c *ttlCache[T]) Delete(key cachekey.Key) {
	c.cache.Delete(key)
}

func (c *ttlCache[T]) Len() int {
	return c.cache.Len()
}

// Stop halts the expiry loop
func (c *ttlCache[T]) Stop() {
	c.cache.Stop()
}

// NewTTLCache returns a cache evicting entries ttl after they were set.
// A capacity of 0 leaves the cache unbounded, otherwise the least recently used entry is evicted.
func NewTTLCache[T any](ttl time.Duration, capacity uint64) *ttlCache[T] {
	options := []ttlcache.Option[cachekey.Key, T]{
		ttlcache.WithTTL[cachekey.Key, T](ttl),
		ttlcache.WithDisableTouchOnHit[cachekey.Key, T](),
	}
	if capacity > 0 {
		options = append(options, ttlcache.WithCapacity[cachekey.Key, T](capacity))
	}

	c := ttlcache.New(options...)
	go c.Start()
	return &ttlCache[T]{cache: c}
}
