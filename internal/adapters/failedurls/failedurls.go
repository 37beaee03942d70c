package failedurls

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store remembers cache keys whose fetch failed with a network error
type Store interface {
	Add(key string)
	Contains(key string) bool
	Remove(key string)
	Clear()
	Len() int
}

type basicStore struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

// NewBasicStore returns a store that remembers failures until they are removed
func NewBasicStore() *basicStore {
	return &basicStore{
		urls: make(map[string]struct{}),
	}
}

func (s *basicStore) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[key] = struct{}{}
}

func (s *basicStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.urls[key]
	return ok
}

func (s *basicStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.urls, key)
}

func (s *basicStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.urls)
}

func (s *basicStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.urls)
}

type ttlStore struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewTTLStore returns a store that forgets failures after ttl.
// A capacity of 0 leaves the store unbounded.
func NewTTLStore(ttl time.Duration, capacity uint64) *ttlStore {
	options := []ttlcache.Option[string, struct{}]{
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	}
	if capacity > 0 {
		options = append(options, ttlcache.WithCapacity[string, struct{}](capacity))
	}

	cache := ttlcache.New(options...)
	go cache.Start()
	return &ttlStore{cache: cache}
}

func (s *ttlStore) Add(key string) {
	s.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
}

func (s *ttlStore) Contains(key string) bool {
	return s.cache.Has(key)
}

func (s *ttlStore) Remove(key string) {
	s.cache.Delete(key)
}

func (s *ttlStore) Clear() {
	s.cache.DeleteAll()
}

func (s *ttlStore) Len() int {
	return s.cache.Len()
}

func (s *ttlStore) Stop() {
	s.cache.Stop()
}
