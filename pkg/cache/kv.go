// Package cache holds the short-lived key/value state of GetQR: builder drafts, one-shot
// markers and the short link resolution cache. Everything goes through the KV interface so
// the backing store can be Redis in production and memory in tests.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a minimal key/value store with expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Take returns and deletes key atomically.
	Take(ctx context.Context, key string) ([]byte, bool, error)
	// Version returns the counter at key, zero when unset.
	Version(ctx context.Context, key string) (int64, error)
	// Bump increments the counter at versionKey and deletes keys in one step.
	Bump(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error
	// SetIfVersion writes key only while the counter at versionKey equals version.
	SetIfVersion(ctx context.Context, versionKey string, version int64, key string, value []byte, ttl time.Duration) (bool, error)
}

var bumpScript = redis.NewScript(`
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
for i = 2, #KEYS do
  redis.call("DEL", KEYS[i])
end
return 1
`)

var setIfVersionScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if (current or "0") ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisKV stores values in Redis.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (r *RedisKV) Take(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	val, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *RedisKV) Version(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	v, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (r *RedisKV) Bump(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return bumpScript.Run(ctx, r.client, append([]string{versionKey}, keys...), ttl.Milliseconds()).Err()
}

func (r *RedisKV) SetIfVersion(ctx context.Context, versionKey string, version int64, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	n, err := setIfVersionScript.Run(ctx, r.client, []string{versionKey, key},
		strconv.FormatInt(version, 10), value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryKV keeps values in-process (single instance only).
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock overrides the time source used for expiry.
func (m *MemoryKV) WithClock(now func() time.Time) *MemoryKV {
	m.now = now
	return m
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value, ttl)
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryKV) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	delete(m.entries, key)
	return v, ok, nil
}

func (m *MemoryKV) Version(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version(key), nil
}

func (m *MemoryKV) Bump(_ context.Context, versionKey string, ttl time.Duration, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(versionKey, []byte(strconv.FormatInt(m.version(versionKey)+1, 10)), ttl)
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryKV) SetIfVersion(_ context.Context, versionKey string, version int64, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version(versionKey) != version {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *MemoryKV) version(key string) int64 {
	v, ok := m.lookup(key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(v), 10, 64)
	return n
}

func (m *MemoryKV) store(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *MemoryKV) lookup(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}
