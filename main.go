package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amund211/fetchcache/internal/adapters/cache"
	"github.com/Amund211/fetchcache/internal/adapters/database"
	"github.com/Amund211/fetchcache/internal/adapters/diskcache"
	"github.com/Amund211/fetchcache/internal/adapters/failedurls"
	"github.com/Amund211/fetchcache/internal/adapters/fetcher"
	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/config"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/pending"
	"github.com/Amund211/fetchcache/internal/ports"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
	"github.com/Amund211/fetchcache/internal/telemetry"
	"github.com/google/uuid"
	"github.com/tunabay/go-infounit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "golang.org/x/crypto/x509roots/fallback"
	"golang.org/x/sync/errgroup"
)

const serviceName = "fetchcache"

// newPersistentCache opens the configured backend. Background work of the backend is started on g.
// A nil cache means the persistent cache is disabled.
func newPersistentCache(ctx context.Context, conf config.Config, logger *slog.Logger, g *errgroup.Group) (app.PersistentCache, func() error, error) {
	noClose := func() error { return nil }

	switch conf.CacheBackend() {
	case config.CacheBackendFS:
		store, err := diskcache.NewFSStore(ctx, conf.CacheDir(),
			diskcache.WithMaxSize(infounit.ByteCount(conf.DiskCacheMaxBytes())),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open filesystem cache: %w", err)
		}
		if conf.DiskCacheMaxBytes() > 0 {
			g.Go(func() error {
				return store.Serve(ctx)
			})
		}
		return store, noClose, nil
	case config.CacheBackendSQLite:
		store, err := diskcache.NewSQLiteStore(ctx, conf.SQLitePath(), time.Now)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		return store, store.Close, nil
	case config.CacheBackendPostgres:
		logger.Info("Initializing database connection")
		db, err := database.NewConfiguredPostgresDatabase(conf)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Initialized database connection")

		schemaName := database.GetSchemaName(!conf.IsProduction())
		err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return diskcache.NewPostgresStore(db, schemaName, time.Now), db.Close, nil
	case config.CacheBackendNone:
		return nil, noClose, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", conf.CacheBackend())
}

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	conf, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}

	rootLogger, logCloser, err := logging.NewLogger(conf.LogFile(), slog.LevelInfo)
	if err != nil {
		fail("Failed to initialize logger", "error", err.Error())
	}
	defer logCloser.Close()
	logger = rootLogger.With("instanceID", instanceID)
	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	shutdownOTel, err := telemetry.SetupOTelSDK(ctx, serviceName, instanceID)
	if err != nil {
		fail("Failed to initialize OpenTelemetry", "error", err.Error())
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
		}
	}()

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(conf)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	g, ctx := errgroup.WithContext(ctx)

	persistent, closePersistent, err := newPersistentCache(ctx, conf, logger, g)
	if err != nil {
		fail("Failed to initialize persistent cache", "error", err.Error(), "backend", string(conf.CacheBackend()))
	}
	defer closePersistent()
	logger.Info("Initialized persistent cache", "backend", string(conf.CacheBackend()))

	memory := cache.NewTTLCache[domain.Resource](conf.MemoryCacheTTL(), conf.MemoryCacheCapacity())
	defer memory.Stop()

	failed := failedurls.NewTTLStore(conf.FailedURLTTL(), conf.FailedURLCapacity())
	defer failed.Stop()

	hostLimiter, stopHostLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(conf.LowPriorityRate()),
		ratelimiting.BurstSize(1),
	)
	defer stopHostLimiter()

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	httpFetcher, err := fetcher.NewHTTPFetcher(httpClient, fetcher.WithLowPriorityLimiter(hostLimiter))
	if err != nil {
		fail("Failed to initialize fetcher", "error", err.Error())
	}

	var registryOptions []pending.Option
	if conf.AbortOnLastCancel() {
		registryOptions = append(registryOptions, pending.WithAbortOnLastCancel())
	}

	manager := app.NewFetchManager(
		memory,
		persistent,
		httpFetcher,
		failed,
		app.WithRegistry(pending.NewRegistry(registryOptions...)),
		app.WithFetchTimeout(conf.FetchTimeout()),
		app.WithDiskWorkers(conf.DiskWorkers()),
	)
	logger.Info("Initialized fetch manager")

	ipLimiter, stopIPLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(480),
	)
	defer stopIPLimiter()
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc)

	allowedOrigins, err := ports.NewDomainSuffixes(conf.AllowedOrigins()...)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}

	mux := http.NewServeMux()
	mux.HandleFunc(
		"OPTIONS /v1/resource",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/resource",
		ports.MakeGetResourceHandler(
			manager.Get,
			ipRateLimiter,
			allowedOrigins,
			logger.With("port", "resource"),
			sentryMiddleware,
		),
	)
	mux.HandleFunc(
		"GET /v1/status",
		ports.MakeStatusHandler(
			manager.PendingEntries,
			logger.With("port", "status"),
			sentryMiddleware,
			time.Now,
		),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", conf.Port()),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("Init complete", "port", conf.Port())
	err = g.Wait()

	if closeErr := manager.Close(); closeErr != nil {
		logger.Error("Failed to close fetch manager", "error", closeErr.Error())
	}

	if err != nil {
		logger.Error("Server error", "error", err.Error())
		return
	}
	logger.Info("Server shutdown")
}
