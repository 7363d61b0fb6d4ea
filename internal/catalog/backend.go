package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend stores raw catalog payloads with a time-to-live.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

const memorySweepInterval = time.Minute

// MemoryBackend is a process-local Backend. Expired entries are dropped on read and swept
// from Set at most once per memorySweepInterval.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	now       func() time.Time
	nextSweep time.Time
}

// NewMemoryBackend returns an empty MemoryBackend using now as its clock.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: now}
}

// Get returns a copy of the stored value while it is unexpired.
func (backend *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	backend.mu.RLock()
	entry, ok := backend.entries[key]
	backend.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !backend.now().Before(entry.expiresAt) {
		backend.mu.Lock()
		if current, stillPresent := backend.entries[key]; stillPresent && current.expiresAt.Equal(entry.expiresAt) {
			delete(backend.entries, key)
		}
		backend.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value until ttl elapses. Non-positive TTLs are ignored.
func (backend *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := backend.now()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !now.Before(backend.nextSweep) {
		for storedKey, entry := range backend.entries {
			if !now.Before(entry.expiresAt) {
				delete(backend.entries, storedKey)
			}
		}
		backend.nextSweep = now.Add(memorySweepInterval)
	}
	backend.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: now.Add(ttl)}
	return nil
}

// Len reports the number of stored entries, expired or not.
func (backend *MemoryBackend) Len() int {
	backend.mu.RLock()
	defer backend.mu.RUnlock()
	return len(backend.entries)
}

// RedisKV is the subset of the go-redis client used by RedisBackend.
type RedisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisBackend shares catalog entries between processes through Redis.
type RedisBackend struct {
	client RedisKV
}

// NewRedisBackend wraps a go-redis client.
func NewRedisBackend(client RedisKV) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get returns the stored value, treating redis.Nil as a miss.
func (backend *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := backend.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value with the given expiration.
func (backend *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return backend.client.Set(ctx, key, value, ttl).Err()
}
