package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

const envPrefix = "FETCHCACHE"

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type CacheBackend string

const (
	CacheBackendFS       CacheBackend = "fs"
	CacheBackendSQLite   CacheBackend = "sqlite"
	CacheBackendPostgres CacheBackend = "postgres"
	CacheBackendNone     CacheBackend = "none"
)

type Config struct {
	env                 environment
	port                int
	sentryDSN           string
	logFile             string
	cacheBackend        CacheBackend
	cacheDir            string
	sqlitePath          string
	databaseURL         string
	diskCacheMaxBytes   uint64
	memoryCacheTTL      time.Duration
	memoryCacheCapacity uint64
	failedURLTTL        time.Duration
	failedURLCapacity   uint64
	fetchTimeout        time.Duration
	lowPriorityRate     float64
	diskWorkers         int
	abortOnLastCancel   bool
	allowedOrigins      []string
}

func (c *Config) Port() int {
	return c.port
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

// LogFile is the path of the rotating log file. Empty means stdout.
func (c *Config) LogFile() string {
	return c.logFile
}

func (c *Config) CacheBackend() CacheBackend {
	return c.cacheBackend
}

func (c *Config) CacheDir() string {
	return c.cacheDir
}

func (c *Config) SQLitePath() string {
	return c.sqlitePath
}

func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// DiskCacheMaxBytes bounds the filesystem cache. 0 means unbounded.
func (c *Config) DiskCacheMaxBytes() uint64 {
	return c.diskCacheMaxBytes
}

func (c *Config) MemoryCacheTTL() time.Duration {
	return c.memoryCacheTTL
}

func (c *Config) MemoryCacheCapacity() uint64 {
	return c.memoryCacheCapacity
}

func (c *Config) FailedURLTTL() time.Duration {
	return c.failedURLTTL
}

func (c *Config) FailedURLCapacity() uint64 {
	return c.failedURLCapacity
}

// FetchTimeout bounds a single network fetch. 0 disables the timeout.
func (c *Config) FetchTimeout() time.Duration {
	return c.fetchTimeout
}

// LowPriorityRate is the number of low priority fetches per second allowed per upstream host
func (c *Config) LowPriorityRate() float64 {
	return c.lowPriorityRate
}

func (c *Config) DiskWorkers() int {
	return c.diskWorkers
}

func (c *Config) AbortOnLastCancel() bool {
	return c.abortOnLastCancel
}

func (c *Config) EnvironmentName() string {
	return string(c.env)
}

// AllowedOrigins lists the domain suffixes browsers may load resources from
func (c *Config) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %d, cacheBackend: %s, diskWorkers: %d, ...}",
		string(c.env), c.port, string(c.cacheBackend), c.diskWorkers,
	)
}

type rawConfig struct {
	Environment         string        `mapstructure:"environment"`
	Port                int           `mapstructure:"port"`
	SentryDSN           string        `mapstructure:"sentry_dsn"`
	LogFile             string        `mapstructure:"log_file"`
	CacheBackend        string        `mapstructure:"cache_backend"`
	CacheDir            string        `mapstructure:"cache_dir"`
	SQLitePath          string        `mapstructure:"sqlite_path"`
	DatabaseURL         string        `mapstructure:"database_url"`
	DiskCacheMaxBytes   uint64        `mapstructure:"disk_cache_max_bytes"`
	MemoryCacheTTL      time.Duration `mapstructure:"memory_cache_ttl"`
	MemoryCacheCapacity uint64        `mapstructure:"memory_cache_capacity"`
	FailedURLTTL        time.Duration `mapstructure:"failed_url_ttl"`
	FailedURLCapacity   uint64        `mapstructure:"failed_url_capacity"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	LowPriorityRate     float64       `mapstructure:"low_priority_rate"`
	DiskWorkers         int           `mapstructure:"disk_workers"`
	AbortOnLastCancel   bool          `mapstructure:"abort_on_last_cancel"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "")
	v.SetDefault("port", 8080)
	v.SetDefault("sentry_dsn", "")
	v.SetDefault("log_file", "")
	v.SetDefault("cache_backend", string(CacheBackendFS))
	v.SetDefault("cache_dir", "./cache")
	v.SetDefault("sqlite_path", "./fetchcache.db")
	v.SetDefault("database_url", "")
	v.SetDefault("disk_cache_max_bytes", 1<<30)
	v.SetDefault("memory_cache_ttl", "10m")
	v.SetDefault("memory_cache_capacity", 1024)
	v.SetDefault("failed_url_ttl", "1h")
	v.SetDefault("failed_url_capacity", 4096)
	v.SetDefault("fetch_timeout", "30s")
	v.SetDefault("low_priority_rate", 2)
	v.SetDefault("disk_workers", 4)
	v.SetDefault("abort_on_last_cancel", false)
	v.SetDefault("allowed_origins", []string{})
}

// ConfigFromEnv reads FETCHCACHE_* environment variables, layered over the
// config file named by FETCHCACHE_CONFIG_FILE when it is set.
func ConfigFromEnv() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(envPrefix + "_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var raw rawConfig
	err := v.Unmarshal(&raw, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s_%s", ErrMissingRequiredValue, envPrefix, key)
	}
	invalidValue := func(key string, value any) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s_%s (%v)", ErrInvalidValue, envPrefix, key, value)
	}

	var env environment
	switch raw.Environment {
	case "":
		return missingKey("ENVIRONMENT")
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("ENVIRONMENT", raw.Environment)
	}

	backend := CacheBackend(strings.ToLower(strings.TrimSpace(raw.CacheBackend)))
	switch backend {
	case CacheBackendFS:
		if raw.CacheDir == "" {
			return missingKey("CACHE_DIR")
		}
	case CacheBackendSQLite:
		if raw.SQLitePath == "" {
			return missingKey("SQLITE_PATH")
		}
	case CacheBackendPostgres:
		if raw.DatabaseURL == "" && env != development {
			return missingKey("DATABASE_URL")
		}
	case CacheBackendNone:
	default:
		return invalidValue("CACHE_BACKEND", raw.CacheBackend)
	}

	if (env == production || env == staging) && raw.SentryDSN == "" {
		return missingKey("SENTRY_DSN")
	}

	switch {
	case raw.Port <= 0 || raw.Port > 65535:
		return invalidValue("PORT", raw.Port)
	case raw.MemoryCacheTTL <= 0:
		return invalidValue("MEMORY_CACHE_TTL", raw.MemoryCacheTTL)
	case raw.FailedURLTTL <= 0:
		return invalidValue("FAILED_URL_TTL", raw.FailedURLTTL)
	case raw.FetchTimeout < 0:
		return invalidValue("FETCH_TIMEOUT", raw.FetchTimeout)
	case raw.LowPriorityRate <= 0:
		return invalidValue("LOW_PRIORITY_RATE", raw.LowPriorityRate)
	case raw.DiskWorkers < 1:
		return invalidValue("DISK_WORKERS", raw.DiskWorkers)
	}

	allowedOrigins := make([]string, 0, len(raw.AllowedOrigins))
	for _, origin := range raw.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}

	return Config{
		env:                 env,
		port:                raw.Port,
		sentryDSN:           raw.SentryDSN,
		logFile:             raw.LogFile,
		cacheBackend:        backend,
		cacheDir:            raw.CacheDir,
		sqlitePath:          raw.SQLitePath,
		databaseURL:         raw.DatabaseURL,
		diskCacheMaxBytes:   raw.DiskCacheMaxBytes,
		memoryCacheTTL:      raw.MemoryCacheTTL,
		memoryCacheCapacity: raw.MemoryCacheCapacity,
		failedURLTTL:        raw.FailedURLTTL,
		failedURLCapacity:   raw.FailedURLCapacity,
		fetchTimeout:        raw.FetchTimeout,
		lowPriorityRate:     raw.LowPriorityRate,
		diskWorkers:         raw.DiskWorkers,
		abortOnLastCancel:   raw.AbortOnLastCancel,
		allowedOrigins:      allowedOrigins,
	}, nil
}
