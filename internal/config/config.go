package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
	"github.com/opentrusty/permgate/internal/invalidation"
	"github.com/opentrusty/permgate/internal/observability/logger"
	"github.com/opentrusty/permgate/internal/observability/metrics"
	"github.com/opentrusty/permgate/internal/observability/tracing"
	"github.com/opentrusty/permgate/internal/store/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig          `koanf:"server"`
	Database      postgres.Config       `koanf:"database"`
	Redis         invalidation.Config   `koanf:"redis"`
	Observability ObservabilityConfig   `koanf:"observability"`
	Cache         authz.CacheConfig     `koanf:"cache"`
	Gate          gate.Options          `koanf:"gate"`
	Identity      identity.Config       `koanf:"identity"`
	Loader        authz.ServiceConfig   `koanf:"loader"`
	RateLimit     RateLimitConfig       `koanf:"rate_limit"`
	Routes        []authz.RouteRule     `koanf:"routes"`
	Operations    []authz.OperationRule `koanf:"operations"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           string        `koanf:"port"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// Upstream is proxied behind the gate when set.
	Upstream       string        `koanf:"upstream"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// ObservabilityConfig holds logging, tracing and metrics configuration
type ObservabilityConfig struct {
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	Logging        logger.Config  `koanf:"logging"`
	Tracing        tracing.Config `koanf:"tracing"`
	Metrics        metrics.Config `koanf:"metrics"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Database: postgres.Config{
			Host:         "localhost",
			Port:         "5432",
			User:         "permgate",
			Database:     "permgate",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: invalidation.Config{
			Channel: invalidation.DefaultChannel,
		},
		Observability: ObservabilityConfig{
			ServiceName:    "permgate",
			ServiceVersion: "0.1.0",
			Logging:        logger.Config{Level: "info", Format: "json"},
			Tracing:        tracing.Config{SamplingRate: 1.0},
		},
		Cache: authz.DefaultCacheConfig(),
		Gate: gate.Options{
			PublicPaths:      gate.DefaultPublicPaths(),
			UnauthorizedPath: gate.DefaultUnauthorizedPath,
			SigninPath:       gate.DefaultSigninPath,
			APIPrefix:        gate.DefaultAPIPrefix,
		},
		Identity: identity.Config{
			Mode:       identity.ModeToken,
			CookieName: identity.DefaultCookieName,
			Leeway:     30 * time.Second,
		},
		Loader: authz.ServiceConfig{
			LoaderTimeout: authz.DefaultLoaderTimeout,
			Breaker: authz.BreakerConfig{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// RouteTable builds the route table. Without configured rules the built-in
// dashboard and API tables are used.
func (c *Config) RouteTable() (*authz.RouteTable, error) {
	if len(c.Routes) == 0 && len(c.Operations) == 0 {
		return authz.NewRouteTable(authz.DefaultRouteRules(), authz.DefaultOperationRules())
	}
	return authz.NewRouteTable(c.Routes, c.Operations)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.Upstream != "" {
		if u, err := url.Parse(c.Server.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.upstream %q is not an absolute URL", c.Server.Upstream))
		}
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Loader.LoaderTimeout <= 0 {
		errs = append(errs, errors.New("loader.timeout must be positive"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit values must be positive"))
	}
	switch strings.ToLower(c.Observability.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("observability.logging.level %q is not a log level", c.Observability.Logging.Level))
	}
	if f := c.Observability.Logging.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("observability.logging.format must be json or text, got %q", f))
	}
	if err := c.Identity.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	for _, r := range c.Routes {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.Path, err))
		}
	}
	for _, op := range c.Operations {
		if err := op.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("operation %s %s: %w", op.Method, op.Path, err))
		}
	}

	return errors.Join(errs...)
}
