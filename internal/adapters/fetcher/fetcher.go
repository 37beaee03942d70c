package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultUserAgent = "fetchcache/1.0"
	DefaultMaxBytes  = 32 * 1024 * 1024
)

var (
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrTooLarge         = errors.New("response body too large")
)

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Listener receives the events of one fetch.
// Progress may be called any number of times before exactly one call to Done or Failed.
type Listener interface {
	Progress(fraction float64)
	Done(resource domain.Resource)
	Failed(err error)
}

type Handle interface {
	Cancel()
}

type Fetcher interface {
	Start(ctx context.Context, rawURL string, priority domain.Priority, listener Listener) Handle
}

type httpFetcherMetricsCollection struct {
	requestCount metric.Int64Counter
	bytesRead    metric.Int64Counter
}

func setupHTTPFetcherMetrics(meter metric.Meter) (httpFetcherMetricsCollection, error) {
	requestCount, err := meter.Int64Counter("fetcher/http/request_count")
	if err != nil {
		return httpFetcherMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	bytesRead, err := meter.Int64Counter(
		"fetcher/http/bytes_read",
		metric.WithUnit("By"),
	)
	if err != nil {
		return httpFetcherMetricsCollection{}, fmt.Errorf("failed to create bytes read metric: %w", err)
	}

	return httpFetcherMetricsCollection{
		requestCount: requestCount,
		bytesRead:    bytesRead,
	}, nil
}

type httpFetcher struct {
	httpClient         HttpClient
	lowPriorityLimiter ratelimiting.RateLimiter
	userAgent          string
	maxBytes           int64
	nowFunc            func() time.Time

	metrics httpFetcherMetricsCollection
	tracer  trace.Tracer
}

type Option func(*httpFetcher)

// WithLowPriorityLimiter makes low priority fetches wait for a token from limiter, keyed by upstream host
func WithLowPriorityLimiter(limiter ratelimiting.RateLimiter) Option {
	return func(f *httpFetcher) {
		f.lowPriorityLimiter = limiter
	}
}

func WithUserAgent(userAgent string) Option {
	return func(f *httpFetcher) {
		f.userAgent = userAgent
	}
}

func WithMaxBytes(maxBytes int64) Option {
	return func(f *httpFetcher) {
		f.maxBytes = maxBytes
	}
}

func WithNowFunc(nowFunc func() time.Time) Option {
	return func(f *httpFetcher) {
		f.nowFunc = nowFunc
	}
}

func NewHTTPFetcher(httpClient HttpClient, options ...Option) (*httpFetcher, error) {
	const name = "fetchcache/fetcher/http"

	meter := otel.Meter(name)
	tracer := otel.Tracer(name)

	metrics, err := setupHTTPFetcherMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	f := &httpFetcher{
		httpClient: httpClient,
		userAgent:  DefaultUserAgent,
		maxBytes:   DefaultMaxBytes,
		nowFunc:    time.Now,

		metrics: metrics,
		tracer:  tracer,
	}
	for _, option := range options {
		option(f)
	}

	return f, nil
}

type handle struct {
	cancel context.CancelFunc
}

func (h *handle) Cancel() {
	h.cancel()
}

// Start runs the fetch on a new goroutine. Cancelling the handle or ctx fails the fetch.
func (f *httpFetcher) Start(ctx context.Context, rawURL string, priority domain.Priority, listener Listener) Handle {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()

		resource, err := f.fetch(ctx, rawURL, priority, listener.Progress)
		if err != nil {
			listener.Failed(err)
			return
		}
		listener.Done(resource)
	}()

	return &handle{cancel: cancel}
}

func (f *httpFetcher) fetch(ctx context.Context, rawURL string, priority domain.Priority, onProgress func(float64)) (domain.Resource, error) {
	ctx, span := f.tracer.Start(ctx, "HTTPFetcher.fetch", trace.WithAttributes(
		attribute.String("url", rawURL),
		attribute.String("priority", priority.String()),
	))
	defer span.End()

	logger := logging.FromContext(ctx)

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.Resource{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.Resource{}, fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidRequest, u.Scheme)
	}

	if priority == domain.PriorityLow && f.lowPriorityLimiter != nil {
		err := f.lowPriorityLimiter.Wait(ctx, ratelimiting.HostKeyFunc(u))
		if err != nil {
			return domain.Resource{}, fmt.Errorf("low priority fetch was not scheduled: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return domain.Resource{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Resource{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	f.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status_code", strconv.Itoa(resp.StatusCode)),
		attribute.String("priority", priority.String()),
	))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "upstream returned error status", "statusCode", resp.StatusCode)
		return domain.Resource{}, err
	}

	if resp.ContentLength > f.maxBytes {
		return domain.Resource{}, fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength)
	}

	body := &progressReader{
		reader:     io.LimitReader(resp.Body, f.maxBytes+1),
		total:      resp.ContentLength,
		onProgress: onProgress,
	}
	data, err := io.ReadAll(body)
	f.metrics.bytesRead.Add(ctx, body.read)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Resource{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return domain.Resource{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	body.finish()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return domain.Resource{
		URL:         rawURL,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
		FetchedAt:   f.nowFunc(),
	}, nil
}

// progressReader reports the fraction of total read, in steps of at least one percent
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	reported   float64
	onProgress func(float64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)

	if r.total > 0 && n > 0 {
		fraction := min(float64(r.read)/float64(r.total), 1)
		if fraction-r.reported >= 0.01 && fraction < 1 {
			r.report(fraction)
		}
	}

	return n, err
}

func (r *progressReader) finish() {
	r.report(1)
}

func (r *progressReader) report(fraction float64) {
	r.reported = fraction
	if r.onProgress != nil {
		r.onProgress(fraction)
	}
}
