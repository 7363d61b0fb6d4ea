package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/catalog"
	"github.com/MarkoPoloResearchLab/topup/internal/config"
	"github.com/MarkoPoloResearchLab/topup/internal/httpapi"
	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/internal/notify"
	"github.com/MarkoPoloResearchLab/topup/internal/oplog"
	"github.com/MarkoPoloResearchLab/topup/internal/provider"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	flagListenAddr          = "listen-addr"
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagRedisURL            = "redis-url"
	flagCacheBackend        = "cache-backend"
	flagCacheNamespace      = "cache-namespace"
	flagCatalogFallback     = "catalog-fallback"
	flagProviderEnvironment = "provider-environment"
	flagProviderBaseURL     = "provider-base-url"
	flagProviderAPIKey      = "provider-api-key"
	flagProviderTimeout     = "provider-timeout"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagRequestTimeout      = "request-timeout"
	flagNotificationChannel = "notification-channel"
	flagNotificationTimeout = "notification-timeout"
	flagDevelopment         = "dev"
	envPrefix               = "TOPUPD"
	defaultDatabaseURL      = "sqlite:///tmp/topup.db"
)

var serveFlags = []string{
	flagListenAddr, flagDatabaseURL, flagStoreDriver, flagRedisURL, flagCacheBackend, flagCacheNamespace,
	flagCatalogFallback, flagProviderEnvironment, flagProviderBaseURL, flagProviderAPIKey, flagProviderTimeout,
	flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagRequestTimeout,
	flagNotificationChannel, flagNotificationTimeout, flagDevelopment,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "topupd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Config{}
	cmd := &cobra.Command{
		Use:           "topupd",
		Short:         "Airtime and data topup service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database url (postgres:// or sqlite://)")
	cmd.PersistentFlags().String(flagStoreDriver, config.StoreDriverGorm, "store implementation: gorm or pgx")
	cmd.PersistentFlags().Bool(flagDevelopment, false, "use development logging")

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagRedisURL, "", "redis url for the shared catalog cache and purchase notifications")
	cmd.Flags().String(flagCacheBackend, config.CacheBackendMemory, "catalog cache backend: memory or redis")
	cmd.Flags().String(flagCacheNamespace, "topup", "catalog cache key namespace")
	cmd.Flags().String(flagCatalogFallback, string(catalog.FallbackFailClosed), "catalog fallback when the provider is down: fail_closed or mock")
	cmd.Flags().String(flagProviderEnvironment, provider.EnvironmentSandbox, "provider environment: sandbox or production")
	cmd.Flags().String(flagProviderBaseURL, "", "override the provider base url")
	cmd.Flags().String(flagProviderAPIKey, "", "provider API key")
	cmd.Flags().Duration(flagProviderTimeout, 0, "provider request timeout (e.g. 30s)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout (e.g. 45s)")
	cmd.Flags().String(flagNotificationChannel, notify.DefaultChannel, "redis channel for purchase notifications")
	cmd.Flags().Duration(flagNotificationTimeout, 0, "post-commit notification timeout (e.g. 5s)")

	cmd.AddCommand(newChargesCommand(), newSeedCommand())
	return cmd
}

func newViper(cmd *cobra.Command, flagNames []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd, serveFlags)
	if err != nil {
		return err
	}
	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = v.GetString(flagStoreDriver)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.CacheBackend = v.GetString(flagCacheBackend)
	cfg.CacheNamespace = v.GetString(flagCacheNamespace)
	cfg.CatalogFallback = catalog.FallbackPolicy(v.GetString(flagCatalogFallback))
	cfg.ProviderEnvironment = v.GetString(flagProviderEnvironment)
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	cfg.ProviderAPIKey = strings.TrimSpace(v.GetString(flagProviderAPIKey))
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.NotificationChannel = strings.TrimSpace(v.GetString(flagNotificationChannel))
	cfg.NotificationTimeout = v.GetDuration(flagNotificationTimeout)
	cfg.Development = v.GetBool(flagDevelopment)

	return cfg.Validate()
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	for _, warning := range cfg.Warnings() {
		logger.Warn("configuration warning", zap.String("warning", warning))
	}
	metrics.MustRegister()

	store, closeStore, err := openStore(ctx, cfg.DatabaseURL, cfg.StoreDriver)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = redisClient.Close() }()
	}

	cacheBackend := catalog.Backend(catalog.NewMemoryBackend(nil))
	if cfg.CacheBackend == config.CacheBackendRedis {
		cacheBackend = catalog.NewRedisBackend(redisClient)
	}
	catalogCache, err := catalog.New(cacheBackend,
		catalog.WithLogger(logger),
		catalog.WithNamespace(cfg.CacheNamespace),
		catalog.WithFallback(cfg.CatalogFallback, provider.MockCatalog),
	)
	if err != nil {
		return fmt.Errorf("catalog cache init: %w", err)
	}
	providerClient, err := provider.NewClient(provider.Config{
		Environment: cfg.ProviderEnvironment,
		BaseURL:     cfg.ProviderBaseURL,
		APIKey:      cfg.ProviderAPIKey,
		Timeout:     cfg.ProviderTimeout,
	}, catalogCache, provider.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if redisClient != nil {
		redisNotifier, err := notify.NewRedisNotifier(redisClient, cfg.NotificationChannel, logger)
		if err != nil {
			return fmt.Errorf("notifier init: %w", err)
		}
		notifiers = append(notifiers, redisNotifier)
	}

	service, err := topup.NewService(store, providerClient, time.Now,
		topup.WithOperationLogger(oplog.New(logger)),
		topup.WithNotifier(notifiers),
		topup.WithNotificationTimeout(cfg.NotificationTimeout),
		topup.WithPlanCatalog(providerClient),
	)
	if err != nil {
		return fmt.Errorf("topup service init: %w", err)
	}

	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator init: %w", err)
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, service, providerClient, validator, logger)
	if err != nil {
		return err
	}
	logger.Info("topupd starting",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("provider_environment", providerClient.Environment()),
	)
	return httpapi.Run(ctx, cfg.ListenAddr, router, logger)
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
