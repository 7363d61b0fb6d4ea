package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Kind names the category of a cached provider payload.
type Kind string

const (
	KindToken    Kind = "token"
	KindNetworks Kind = "networks"
	KindPlans    Kind = "plans"
)

// Source tells where a Result came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
	SourceFallback Source = "fallback"
)

// FallbackPolicy selects what happens when an upstream fetch fails.
type FallbackPolicy string

const (
	FallbackFailClosed FallbackPolicy = "fail_closed"
	FallbackMock       FallbackPolicy = "mock"
)

var (
	ErrInvalidKey            = errors.New("invalid catalog key")
	ErrInvalidFallbackPolicy = errors.New("invalid fallback policy")
)

// ParseFallbackPolicy validates a configured policy name.
func ParseFallbackPolicy(raw string) (FallbackPolicy, error) {
	switch FallbackPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FallbackFailClosed:
		return FallbackFailClosed, nil
	case FallbackMock:
		return FallbackMock, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFallbackPolicy, raw)
	}
}

// Key identifies one cached payload. Network is only set for per-network plan listings.
type Key struct {
	Environment string
	Product     topup.ProductType
	Kind        Kind
	Network     string
}

// String renders the key as {environment}_{product}_{kind}[_{network}].
func (key Key) String() string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(key.Environment)),
		strings.ToLower(string(key.Product)),
		string(key.Kind),
	}
	if network := strings.TrimSpace(key.Network); network != "" {
		parts = append(parts, strings.ToLower(network))
	}
	return strings.Join(parts, "_")
}

func (key Key) validate() error {
	if strings.TrimSpace(key.Environment) == "" || key.Product == "" || key.Kind == "" {
		return fmt.Errorf("%w: %+v", ErrInvalidKey, key)
	}
	return nil
}

// FetchFunc loads a payload from upstream.
type FetchFunc func(ctx context.Context) ([]byte, error)

// FallbackFunc returns a static payload for a key, if one exists.
type FallbackFunc func(key Key) ([]byte, bool)

// Result is a cache read outcome. Degraded results come from fallback data and are never cached.
type Result struct {
	Value    []byte
	Degraded bool
	Source   Source
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for backend and fallback warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithNamespace prefixes every backend key.
func WithNamespace(namespace string) Option {
	return func(cache *Cache) {
		cache.namespace = strings.TrimSpace(namespace)
	}
}

// WithFallback sets the fallback policy and the static data used under FallbackMock.
func WithFallback(policy FallbackPolicy, fallback FallbackFunc) Option {
	return func(cache *Cache) {
		cache.policy = policy
		cache.fallback = fallback
	}
}

// Cache is a TTL cache with single-flight fills in front of slow provider reads.
type Cache struct {
	backend   Backend
	group     singleflight.Group
	logger    *zap.Logger
	namespace string
	policy    FallbackPolicy
	fallback  FallbackFunc
}

// New returns a Cache over backend.
func New(backend Backend, options ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("catalog: backend is nil")
	}
	cache := &Cache{
		backend: backend,
		logger:  zap.NewNop(),
		policy:  FallbackFailClosed,
	}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	if cache.policy != FallbackFailClosed && cache.policy != FallbackMock {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFallbackPolicy, cache.policy)
	}
	return cache, nil
}

// GetOrFetch returns the cached payload for key or fills it with fetch.
// Concurrent misses on one key share a single fetch, which keeps running if the caller that started it goes away.
func (cache *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch FetchFunc) (Result, error) {
	if err := key.validate(); err != nil {
		return Result{}, err
	}
	storageKey := cache.storageKey(key)
	if value, ok := cache.lookup(ctx, storageKey); ok {
		metrics.IncCatalogRequest(string(key.Kind), "hit")
		return Result{Value: value, Source: SourceCache}, nil
	}
	metrics.IncCatalogRequest(string(key.Kind), "miss")

	resultCh := cache.group.DoChan(storageKey, func() (interface{}, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if value, ok := cache.lookup(fetchCtx, storageKey); ok {
			return value, nil
		}
		value, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if err := cache.backend.Set(fetchCtx, storageKey, value, ttl); err != nil {
			cache.logger.Warn("catalog cache write failed", zap.String("key", storageKey), zap.Error(err))
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case outcome := <-resultCh:
		if outcome.Err != nil {
			return cache.fallbackFor(key, outcome.Err)
		}
		value, _ := outcome.Val.([]byte)
		return Result{Value: append([]byte(nil), value...), Source: SourceUpstream}, nil
	}
}

func (cache *Cache) lookup(ctx context.Context, storageKey string) ([]byte, bool) {
	value, ok, err := cache.backend.Get(ctx, storageKey)
	if err != nil {
		cache.logger.Warn("catalog cache read failed", zap.String("key", storageKey), zap.Error(err))
		return nil, false
	}
	return value, ok
}

func (cache *Cache) fallbackFor(key Key, fetchErr error) (Result, error) {
	if cache.policy != FallbackMock || cache.fallback == nil {
		metrics.IncCatalogRequest(string(key.Kind), "error")
		return Result{}, fetchErr
	}
	value, ok := cache.fallback(key)
	if !ok {
		metrics.IncCatalogRequest(string(key.Kind), "error")
		return Result{}, fetchErr
	}
	metrics.IncCatalogRequest(string(key.Kind), "fallback")
	cache.logger.Warn("serving fallback catalog data",
		zap.String("key", key.String()),
		zap.Error(fetchErr),
	)
	return Result{Value: value, Degraded: true, Source: SourceFallback}, nil
}

func (cache *Cache) storageKey(key Key) string {
	if cache.namespace == "" {
		return key.String()
	}
	return cache.namespace + ":" + key.String()
}
