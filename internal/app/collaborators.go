package app

import (
	"context"

	"github.com/Amund211/fetchcache/internal/adapters/fetcher"
	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/pending"
)

type MemoryCache interface {
	Get(key cachekey.Key) (domain.Resource, bool)
	Set(key cachekey.Key, resource domain.Resource)
}

// PersistentCache is a durable store of resources. Get reports a miss with ok == false and a nil error.
type PersistentCache interface {
	Get(ctx context.Context, key cachekey.Key) (domain.Resource, bool, error)
	Put(ctx context.Context, key cachekey.Key, resource domain.Resource) error
	Remove(ctx context.Context, key cachekey.Key) error
}

type FetchListener = fetcher.Listener

type FetchHandle = fetcher.Handle

type Fetcher = fetcher.Fetcher

type FailedURLStore interface {
	Add(key string)
	Contains(key string) bool
	Remove(key string)
}

type KeyResolver interface {
	Resolve(rawURL, explicitKey string) cachekey.Key
}

// GetResource resolves a resource through the caches and the network and waits for the result
type GetResource func(ctx context.Context, rawURL, explicitKey string, options domain.Options) domain.Result

// ListPending returns the keys with a network fetch in flight, oldest first
type ListPending func() []pending.EntryInfo
