package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/catalog"
	"github.com/MarkoPoloResearchLab/topup/internal/notify"
	"github.com/MarkoPoloResearchLab/topup/internal/provider"
)

const (
	defaultListenAddr          = ":8080"
	defaultAllowedOrigin       = "http://localhost:8000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultCacheNamespace      = "topup"
	defaultRequestTimeout      = 45 * time.Second
	defaultNotificationTimeout = 5 * time.Second

	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// Config aggregates runtime settings for topupd.
type Config struct {
	ListenAddr          string
	DatabaseURL         string
	StoreDriver         string
	RedisURL            string
	CacheBackend        string
	CacheNamespace      string
	CatalogFallback     catalog.FallbackPolicy
	ProviderEnvironment string
	ProviderBaseURL     string
	ProviderAPIKey      string
	ProviderTimeout     time.Duration
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	RequestTimeout      time.Duration
	NotificationChannel string
	NotificationTimeout time.Duration
	Development         bool
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.CacheBackend = strings.ToLower(defaultIfEmpty(cfg.CacheBackend, CacheBackendMemory))
	cfg.CacheNamespace = defaultIfEmpty(cfg.CacheNamespace, defaultCacheNamespace)
	cfg.ProviderEnvironment = strings.ToLower(defaultIfEmpty(cfg.ProviderEnvironment, provider.EnvironmentSandbox))
	cfg.NotificationChannel = defaultIfEmpty(cfg.NotificationChannel, notify.DefaultChannel)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = defaultNotificationTimeout
	}

	fallback, err := catalog.ParseFallbackPolicy(string(cfg.CatalogFallback))
	if err != nil {
		return err
	}
	cfg.CatalogFallback = fallback

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database url is required")
	}
	switch cfg.StoreDriver {
	case StoreDriverGorm:
	case StoreDriverPgx:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("store driver %s requires a postgres database url", StoreDriverPgx)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.CacheBackend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return fmt.Errorf("redis url is required for the %s cache backend", CacheBackendRedis)
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
	if cfg.ProviderEnvironment != provider.EnvironmentProduction && cfg.ProviderEnvironment != provider.EnvironmentSandbox {
		return fmt.Errorf("%w: %q", provider.ErrInvalidEnvironment, cfg.ProviderEnvironment)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// Warnings lists settings that are accepted but leave part of the service unusable.
func (cfg Config) Warnings() []string {
	var warnings []string
	if strings.TrimSpace(cfg.ProviderAPIKey) == "" {
		warnings = append(warnings, "provider api key is not set; purchases and catalog reads will be refused")
	}
	if cfg.ProviderEnvironment == provider.EnvironmentProduction && cfg.CatalogFallback == catalog.FallbackMock {
		warnings = append(warnings, "mock catalog fallback is enabled in production")
	}
	return warnings
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
