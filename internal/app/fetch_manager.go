package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Amund211/fetchcache/internal/cachekey"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/pending"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDiskWorkers   = 4
	defaultDiskQueueSize = 1024
	persistTimeout       = 10 * time.Second
)

// Request is one caller's request for a resource. It must not be modified after submission.
type Request struct {
	URL string
	// Key overrides the cache key derived from URL when non-empty
	Key     string
	Options domain.Options

	OnProgress func(fraction float64)
	OnComplete func(domain.Result)
	// OnStage is called before the persistent cache is consulted and when the request is queued on the network
	OnStage func(stage domain.Source)
}

// Ticket identifies a submitted request and can be used to cancel it
type Ticket struct {
	key    cachekey.Key
	waiter *pending.Waiter
}

func (t *Ticket) Key() cachekey.Key {
	return t.key
}

func (t *Ticket) ID() uuid.UUID {
	return t.waiter.ID()
}

// Done reports whether the request was delivered or cancelled
func (t *Ticket) Done() bool {
	return t.waiter.Done()
}

type diskJob struct {
	ctx     context.Context
	ticket  *Ticket
	request Request
}

type FetchManager struct {
	resolver   KeyResolver
	memory     MemoryCache
	persistent PersistentCache
	fetcher    Fetcher
	failed     FailedURLStore
	registry   *pending.Registry

	fetchTimeout  time.Duration
	diskWorkers   int
	diskQueueSize int
	nowFunc       func() time.Time

	diskJobs chan diskJob
	workers  errgroup.Group
	closeMu  sync.RWMutex
	closed   bool
}

type FetchManagerOption func(*FetchManager)

func WithResolver(resolver KeyResolver) FetchManagerOption {
	return func(m *FetchManager) {
		m.resolver = resolver
	}
}

func WithRegistry(registry *pending.Registry) FetchManagerOption {
	return func(m *FetchManager) {
		m.registry = registry
	}
}

// WithFetchTimeout bounds the duration of each network fetch. 0 disables the timeout.
func WithFetchTimeout(timeout time.Duration) FetchManagerOption {
	return func(m *FetchManager) {
		m.fetchTimeout = timeout
	}
}

func WithDiskWorkers(workers int) FetchManagerOption {
	return func(m *FetchManager) {
		m.diskWorkers = max(workers, 1)
	}
}

func WithDiskQueueSize(size int) FetchManagerOption {
	return func(m *FetchManager) {
		m.diskQueueSize = max(size, 0)
	}
}

func WithNowFunc(nowFunc func() time.Time) FetchManagerOption {
	return func(m *FetchManager) {
		m.nowFunc = nowFunc
	}
}

// NewFetchManager starts the disk workers of a new manager. persistent may be nil to disable the persistent cache.
func NewFetchManager(
	memory MemoryCache,
	persistent PersistentCache,
	fetcher Fetcher,
	failed FailedURLStore,
	options ...FetchManagerOption,
) *FetchManager {
	m := &FetchManager{
		resolver:      cachekey.NewResolver(),
		memory:        memory,
		persistent:    persistent,
		fetcher:       fetcher,
		failed:        failed,
		registry:      nil,
		diskWorkers:   defaultDiskWorkers,
		diskQueueSize: defaultDiskQueueSize,
		nowFunc:       time.Now,
	}
	for _, option := range options {
		option(m)
	}
	if m.registry == nil {
		m.registry = pending.NewRegistry()
	}

	m.diskJobs = make(chan diskJob, m.diskQueueSize)
	if m.persistent != nil {
		for range m.diskWorkers {
			m.workers.Go(func() error {
				for job := range m.diskJobs {
					m.checkDisk(job.ctx, job.ticket, job.request)
				}
				return nil
			})
		}
	}

	return m
}

// Request submits a request. The result is delivered to request.OnComplete exactly once unless the ticket is cancelled first.
// ctx carries request scoped values; cancelling it does not cancel the request.
func (m *FetchManager) Request(ctx context.Context, request Request) *Ticket {
	key := m.resolver.Resolve(request.URL, request.Key)
	ticket := &Ticket{
		key:    key,
		waiter: pending.NewWaiter(request.OnProgress, request.OnComplete),
	}

	ctx = context.WithoutCancel(ctx)
	ctx = logging.AddMetaToContext(ctx,
		slog.String("cacheKey", key.String()),
		slog.String("url", request.URL),
		slog.String("options", request.Options.String()),
		slog.String("ticketID", ticket.ID().String()),
	)
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{
		"cacheKey": key.String(),
		"url":      request.URL,
		"options":  request.Options.String(),
	})

	metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", request.Options.Priority().String()),
	))

	if key.IsEmpty() {
		m.fail(ctx, ticket, fmt.Errorf("%w: missing url", domain.ErrInvalidRequest), "invalid_request")
		return ticket
	}

	if !request.Options.Has(domain.OptionDiskCacheOnly) {
		if resource, ok := m.memory.Get(key); ok {
			m.deliver(ctx, ticket, domain.Result{Resource: resource, Source: domain.SourceMemory})
			return ticket
		}
	}

	if m.persistent == nil || request.Options.Has(domain.OptionMemoryCacheOnly) {
		m.join(ctx, ticket, request)
		return ticket
	}

	if request.Options.Has(domain.OptionInlineDiskLookup) {
		m.checkDisk(ctx, ticket, request)
		return ticket
	}

	m.enqueueDiskLookup(diskJob{ctx: ctx, ticket: ticket, request: request})
	return ticket
}

// Cancel withdraws the request. Returns false if its result was already delivered or it was already cancelled.
// Other requests for the same resource are unaffected.
func (m *FetchManager) Cancel(ticket *Ticket) bool {
	if !ticket.waiter.Cancel() {
		return false
	}
	m.registry.CancelWaiter(ticket.key, ticket.waiter)
	return true
}

// Get submits a request and waits for its result.
// If ctx is done first the request is cancelled and an error wrapping domain.ErrCancelled is returned.
func (m *FetchManager) Get(ctx context.Context, rawURL, explicitKey string, options domain.Options) domain.Result {
	results := make(chan domain.Result, 1)
	ticket := m.Request(ctx, Request{
		URL:     rawURL,
		Key:     explicitKey,
		Options: options,
		OnComplete: func(result domain.Result) {
			results <- result
		},
	})

	select {
	case result := <-results:
		return result
	case <-ctx.Done():
		if m.Cancel(ticket) {
			return domain.Result{Err: fmt.Errorf("%w: %w", domain.ErrCancelled, context.Cause(ctx))}
		}
		// Delivery won the race
		return <-results
	}
}

// Cached returns the resource from the memory cache without touching the persistent cache or the network
func (m *FetchManager) Cached(rawURL, explicitKey string) (domain.Resource, bool) {
	key := m.resolver.Resolve(rawURL, explicitKey)
	if key.IsEmpty() {
		return domain.Resource{}, false
	}
	return m.memory.Get(key)
}

// Pending returns the number of keys with a network fetch in flight
func (m *FetchManager) Pending() int {
	return m.registry.Pending()
}

func (m *FetchManager) PendingEntries() []pending.EntryInfo {
	return m.registry.Entries()
}

// Close stops the disk workers after the queued and overflowed lookups have run.
// Requests submitted after Close consult the persistent cache on the calling goroutine.
func (m *FetchManager) Close() error {
	m.closeMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.diskJobs)
	}
	m.closeMu.Unlock()

	return m.workers.Wait()
}

// enqueueDiskLookup never blocks on the queue since callbacks run on the disk workers may submit new requests.
// A lookup that does not fit in the queue gets its own goroutine.
func (m *FetchManager) enqueueDiskLookup(job diskJob) {
	m.closeMu.RLock()
	if m.closed {
		m.closeMu.RUnlock()
		m.checkDisk(job.ctx, job.ticket, job.request)
		return
	}

	select {
	case m.diskJobs <- job:
	default:
		metrics.diskQueueOverflowCount.Add(job.ctx, 1)
		m.workers.Go(func() error {
			m.checkDisk(job.ctx, job.ticket, job.request)
			return nil
		})
	}
	m.closeMu.RUnlock()
}

func (m *FetchManager) checkDisk(ctx context.Context, ticket *Ticket, request Request) {
	if ticket.waiter.Done() {
		return
	}

	stage(request, domain.SourceDisk)

	resource, ok, err := m.persistent.Get(ctx, ticket.key)
	if err != nil {
		// Read errors are treated as a miss
		err = fmt.Errorf("%w: %w", domain.ErrCacheRead, err)
		logging.FromContext(ctx).Warn("persistent cache read failed", "error", err.Error())
		metrics.cacheErrorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "get")))
		reporting.Report(ctx, err)
	} else if ok {
		if !request.Options.Has(domain.OptionDiskCacheOnly) {
			m.memory.Set(ticket.key, resource)
		}
		m.deliver(ctx, ticket, domain.Result{Resource: resource, Source: domain.SourceDisk})
		return
	}

	m.join(ctx, ticket, request)
}

func (m *FetchManager) join(ctx context.Context, ticket *Ticket, request Request) {
	key := ticket.key

	if !request.Options.Has(domain.OptionRetryFailed) && m.failed.Contains(string(key)) {
		m.fail(ctx, ticket, fmt.Errorf("%w: %s", domain.ErrPreviouslyFailed, key), "previously_failed")
		return
	}

	if ticket.waiter.Done() {
		return
	}

	stage(request, domain.SourceNetwork)

	fetchCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	result := m.registry.Join(key, ticket.waiter, f)

	// Cancel may have run before the waiter was in the registry
	if ticket.waiter.Cancelled() {
		m.registry.CancelWaiter(key, ticket.waiter)
	}

	if result == pending.Joined {
		cancel()
		metrics.joinCount.Add(ctx, 1)
		return
	}

	m.fetch(fetchCtx, f, key, request)
}

func (m *FetchManager) fetch(ctx context.Context, f *flight, key cachekey.Key, request Request) {
	logger := logging.FromContext(ctx)

	if !f.active() {
		// Aborted before it started
		return
	}

	rawURL, err := validateURL(request.URL)
	if err != nil {
		if !f.finish() {
			return
		}
		logger.Info("refusing to fetch invalid url", "error", err.Error())
		metrics.failureCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_request")))
		m.registry.Complete(key, domain.Result{Err: err})
		return
	}

	if m.fetchTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.fetchTimeout)
		f.addCleanup(cancelTimeout)
	}

	listener := &fetchListener{
		manager:   m,
		ctx:       ctx,
		flight:    f,
		key:       key,
		url:       rawURL,
		options:   request.Options,
		startedAt: m.nowFunc(),
	}

	logger.Info("starting fetch", "priority", request.Options.Priority().String())
	metrics.fetchCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", request.Options.Priority().String()),
	))

	handle := m.fetcher.Start(ctx, rawURL, request.Options.Priority(), listener)
	f.setHandle(handle)
}

func (m *FetchManager) deliver(ctx context.Context, ticket *Ticket, result domain.Result) {
	if !ticket.waiter.Deliver(result) {
		return
	}
	metrics.deliveryCount.Add(ctx, 1, metric.WithAttributes(attribute.String("source", result.Source.String())))
}

func (m *FetchManager) fail(ctx context.Context, ticket *Ticket, err error, reason string) {
	logging.FromContext(ctx).Info("request failed", "error", err.Error(), "reason", reason)
	metrics.failureCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	ticket.waiter.Deliver(domain.Result{Err: err})
}

type fetchListener struct {
	manager   *FetchManager
	ctx       context.Context
	flight    *flight
	key       cachekey.Key
	url       string
	options   domain.Options
	startedAt time.Time
}

func (l *fetchListener) Progress(fraction float64) {
	if !l.flight.active() {
		return
	}
	l.manager.registry.Progress(l.key, min(max(fraction, 0), 1))
}

func (l *fetchListener) Done(resource domain.Resource) {
	if !l.flight.finish() {
		return
	}

	m := l.manager
	ctx := l.ctx
	logger := logging.FromContext(ctx)

	resource.Key = string(l.key)
	if resource.URL == "" {
		resource.URL = l.url
	}
	if resource.FinalURL == "" {
		resource.FinalURL = resource.URL
	}
	if resource.FetchedAt.IsZero() {
		resource.FetchedAt = m.nowFunc()
	}

	metrics.fetchDuration.Record(ctx, m.nowFunc().Sub(l.startedAt).Seconds(), metric.WithAttributes(
		attribute.String("outcome", "success"),
	))

	if !l.options.Has(domain.OptionDiskCacheOnly) {
		m.memory.Set(l.key, resource)
	}

	if m.persistent != nil && !l.options.Has(domain.OptionMemoryCacheOnly) {
		// The fetch context may already be cancelled by its timeout
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := m.persistent.Put(persistCtx, l.key, resource)
		cancel()
		if err != nil {
			logger.Error("failed to store resource in persistent cache", "error", err.Error())
			metrics.cacheErrorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "put")))
			reporting.Report(ctx, fmt.Errorf("failed to store resource: %w", err))
			// NOTE: We still deliver the resource even though storing failed
		}
	}

	m.failed.Remove(string(l.key))

	delivered := m.registry.Complete(l.key, domain.Result{Resource: resource, Source: domain.SourceNetwork})
	logger.Info("fetch complete", "size", resource.Size(), "delivered", delivered)
	metrics.deliveryCount.Add(ctx, int64(delivered), metric.WithAttributes(
		attribute.String("source", domain.SourceNetwork.String()),
	))
}

func (l *fetchListener) Failed(err error) {
	if !l.flight.finish() {
		// Aborted because every waiter cancelled, not a failure of the url
		return
	}

	m := l.manager
	ctx := l.ctx
	logger := logging.FromContext(ctx)

	metrics.fetchDuration.Record(ctx, m.nowFunc().Sub(l.startedAt).Seconds(), metric.WithAttributes(
		attribute.String("outcome", "failure"),
	))

	if err == nil {
		err = errors.New("fetch failed without an error")
	}

	if errors.Is(err, domain.ErrInvalidRequest) {
		logger.Info("fetcher rejected request", "error", err.Error())
		metrics.failureCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "invalid_request")))
		m.registry.Complete(l.key, domain.Result{Err: err})
		return
	}

	m.failed.Add(string(l.key))

	err = fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	delivered := m.registry.Complete(l.key, domain.Result{Err: err})
	logger.Warn("fetch failed", "error", err.Error(), "delivered", delivered)
	metrics.failureCount.Add(ctx, int64(delivered), metric.WithAttributes(attribute.String("reason", "network")))
}

// flight is the registry handle of one network fetch.
// It ends exactly once: either finished by the fetcher or aborted by the registry.
type flight struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	cleanups []func()
	handle   FetchHandle
	aborted  bool
	finished bool
}

// Cancel aborts the fetch. Called by the registry when the last waiter cancels.
func (f *flight) Cancel() {
	f.mu.Lock()
	if f.aborted || f.finished {
		f.mu.Unlock()
		return
	}
	f.aborted = true
	handle := f.handle
	f.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	f.release()
}

func (f *flight) setHandle(handle FetchHandle) {
	f.mu.Lock()
	f.handle = handle
	aborted := f.aborted
	f.mu.Unlock()

	if aborted && handle != nil {
		handle.Cancel()
	}
}

func (f *flight) addCleanup(cleanup func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, cleanup)
}

// finish marks the fetch as ended by the fetcher. Returns false if it was aborted or already finished.
func (f *flight) finish() bool {
	f.mu.Lock()
	if f.aborted || f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true
	f.mu.Unlock()

	f.release()
	return true
}

func (f *flight) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.aborted && !f.finished
}

func (f *flight) release() {
	f.mu.Lock()
	cleanups := f.cleanups
	f.cleanups = nil
	f.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
	f.cancel()
}

func validateURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: missing url", domain.ErrInvalidRequest)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: url must be absolute: %s", domain.ErrInvalidRequest, trimmed)
	}

	return trimmed, nil
}

func stage(request Request, source domain.Source) {
	if request.OnStage != nil {
		request.OnStage(source)
	}
}
