package pending

import (
	"slices"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
)

type JoinResult int

const (
	// The key already had a pending fetch, the waiter was queued on it
	Joined JoinResult = iota
	// A new entry was created, the caller must start the fetch and later call Complete
	ShouldStart
)

func (r JoinResult) String() string {
	if r == ShouldStart {
		return "should-start"
	}
	return "joined"
}

// Handle is the in-flight fetch of an entry
type Handle interface {
	Cancel()
}

type entry struct {
	waiters   []*Waiter
	handle    Handle
	createdAt time.Time
}

type EntryInfo struct {
	Key       cachekey.Key
	Waiters   int
	CreatedAt time.Time
}

// Registry tracks at most one pending fetch per cache key and the waiters queued on it
type Registry struct {
	mu      sync.Mutex
	entries map[cachekey.Key]*entry

	abortOnLastCancel bool
	nowFunc           func() time.Time
}

type Option func(*Registry)

// WithAbortOnLastCancel cancels the fetch handle when its last waiter cancels
func WithAbortOnLastCancel() Option {
	return func(r *Registry) {
		r.abortOnLastCancel = true
	}
}

func WithNowFunc(nowFunc func() time.Time) Option {
	return func(r *Registry) {
		r.nowFunc = nowFunc
	}
}

func NewRegistry(options ...Option) *Registry {
	r := &Registry{
		entries: make(map[cachekey.Key]*entry),
		nowFunc: time.Now,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Join queues the waiter on the pending fetch for key, or creates the entry.
// handle is the fetch the caller will start if ShouldStart is returned. It may be nil.
func (r *Registry) Join(key cachekey.Key, w *Waiter, handle Handle) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.waiters = append(e.waiters, w)
		return Joined
	}

	r.entries[key] = &entry{
		waiters:   []*Waiter{w},
		handle:    handle,
		createdAt: r.nowFunc(),
	}
	return ShouldStart
}

// Progress forwards a progress update to the current waiters of key
func (r *Registry) Progress(key cachekey.Key, fraction float64) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	waiters := slices.Clone(e.waiters)
	r.mu.Unlock()

	for _, w := range waiters {
		w.Progress(fraction)
	}
}

// Complete removes the entry for key and delivers the result to its waiters in join order.
// Returns the number of waiters that received the result.
func (r *Registry) Complete(key cachekey.Key, result domain.Result) int {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(r.entries, key)
	r.mu.Unlock()

	// Waiters may submit new requests from their callbacks
	count := 0
	for _, w := range e.waiters {
		if w.Deliver(result) {
			count++
		}
	}
	return count
}

// CancelWaiter removes one waiter from the entry for key. The fetch keeps running
// unless the registry aborts on last cancel and no waiters remain.
func (r *Registry) CancelWaiter(key cachekey.Key, w *Waiter) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}

	index := slices.Index(e.waiters, w)
	if index == -1 {
		r.mu.Unlock()
		return false
	}
	e.waiters = slices.Delete(e.waiters, index, index+1)

	var abort Handle
	if r.abortOnLastCancel && len(e.waiters) == 0 && e.handle != nil {
		delete(r.entries, key)
		abort = e.handle
	}
	r.mu.Unlock()

	if abort != nil {
		abort.Cancel()
	}
	return true
}

// Pending returns the number of keys with a fetch in flight
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Waiters returns the number of waiters queued on key
func (r *Registry) Waiters(key cachekey.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return 0
	}
	return len(e.waiters)
}

// Entries returns a snapshot of the pending entries, oldest first
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	infos := make([]EntryInfo, 0, len(r.entries))
	for key, e := range r.entries {
		infos = append(infos, EntryInfo{
			Key:       key,
			Waiters:   len(e.waiters),
			CreatedAt: e.createdAt,
		})
	}
	r.mu.Unlock()

	slices.SortFunc(infos, func(a, b EntryInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return infos
}
