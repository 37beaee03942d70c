package cache

import "github.com/Amund211/fetchcache/internal/cachekey"

// Cache is an in-memory store of fetched resources
type Cache[T any] interface {
	Get(key cachekey.Key) (T, bool)
	Set(key cachekey.Key, data T)
	Delete(key cachekey.Key)
	Len() int
}
