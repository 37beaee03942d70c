package app

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type appMetricsCollection struct {
	requestCount    metric.Int64Counter
	deliveryCount   metric.Int64Counter
	fetchCount      metric.Int64Counter
	joinCount       metric.Int64Counter
	failureCount    metric.Int64Counter
	cacheErrorCount metric.Int64Counter
	fetchDuration   metric.Float64Histogram

	diskQueueOverflowCount metric.Int64Counter
}

var metrics appMetricsCollection

func init() {
	const name = "fetchcache/app"
	meter := otel.Meter(name)

	requestCount, err := meter.Int64Counter(
		"app/request_count",
		metric.WithDescription("Total number of resource requests submitted"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create request count metric: %w", err))
	}

	deliveryCount, err := meter.Int64Counter(
		"app/delivery_count",
		metric.WithDescription("Terminal results delivered to callers, by source"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delivery count metric: %w", err))
	}

	fetchCount, err := meter.Int64Counter(
		"app/fetch_count",
		metric.WithDescription("Network fetches started"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create fetch count metric: %w", err))
	}

	joinCount, err := meter.Int64Counter(
		"app/join_count",
		metric.WithDescription("Requests that joined a fetch already in flight"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create join count metric: %w", err))
	}

	failureCount, err := meter.Int64Counter(
		"app/failure_count",
		metric.WithDescription("Requests that failed, by reason"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create failure count metric: %w", err))
	}

	cacheErrorCount, err := meter.Int64Counter(
		"app/cache_error_count",
		metric.WithDescription("Persistent cache errors, by operation"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create cache error count metric: %w", err))
	}

	diskQueueOverflowCount, err := meter.Int64Counter(
		"app/disk_queue_overflow_count",
		metric.WithDescription("Persistent cache lookups that did not fit in the disk queue"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create disk queue overflow count metric: %w", err))
	}

	fetchDuration, err := meter.Float64Histogram(
		"app/fetch_duration_seconds",
		metric.WithDescription("Duration of network fetches"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create fetch duration metric: %w", err))
	}

	metrics = appMetricsCollection{
		requestCount:    requestCount,
		deliveryCount:   deliveryCount,
		fetchCount:      fetchCount,
		joinCount:       joinCount,
		failureCount:    failureCount,
		cacheErrorCount: cacheErrorCount,
		fetchDuration:   fetchDuration,

		diskQueueOverflowCount: diskQueueOverflowCount,
	}
}
