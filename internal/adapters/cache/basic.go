package cache

import (
	"sync"

	"github.com/Amund211/fetchcache/internal/cachekey"
)

type basicCache[T any] struct {
	cache     map[cachekey.Key]T
	cacheLock sync.RWMutex
}

func (c *basicCache[T]) Get(key cachekey.Key) (T, bool) {
	c.cacheLock.RLock()
	defer c.cacheLock.RUnlock()

	data, ok := c.cache[key]
	return data, ok
}

func (c *basicCache[T]) Set(key cachekey.Key, data T) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	c.cache[key] = data
}

func (c *basicCache[T]) Delete(key cachekey.Key) {
	c.cacheLock.Lock()
	defer c.cacheLock.Unlock()

	delete(c.cache, key)
}

func (c *basicCache[T]) Len() int {
	c.cacheLock.RLock()
	defer c.cacheLock.RUnlock()

	return len(c.cache)
}

// NewBasicCache returns an unbounded cache without expiry
func NewBasicCache[T any]() *basicCache[T] {
	return &basicCache[T]{
		cache: make(map[cachekey.Key]T),
	}
}
