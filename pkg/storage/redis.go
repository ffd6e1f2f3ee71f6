package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roadmate/drivesync/pkg/observability"
)

// RedisConfig holds connection settings for a Redis-backed store
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisStore persists records in Redis. Useful when the agent runs next to a
// head unit that already hosts Redis, or in tests against miniredis; expiry
// is delegated to Redis TTLs so PurgeExpired has nothing to do.
type RedisStore struct {
	client *redis.Client
	logger observability.Logger
}

// NewRedisStore connects to Redis and verifies the connection before
// returning the store.
func NewRedisStore(cfg RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis store ready", map[string]interface{}{"addr": cfg.Addr, "db": cfg.DB})
	return &RedisStore{client: client, logger: logger}, nil
}

// Get returns the live value for key, or ErrNotFound
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", key, err)
	}
	return data, nil
}

// GetRecord returns the live record for key with its expiry derived from the
// key's remaining TTL, or ErrNotFound
func (s *RedisStore) GetRecord(ctx context.Context, key string) (Record, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Key: key, Value: data}
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		t := time.Now().Add(ttl)
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// Put writes or replaces the record for key; ttl zero stores without expiry
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write record %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

// List returns all live records under prefix. Redis does not track write
// times, so UpdatedAt is left zero; ExpiresAt is derived from the key's TTL.
func (s *RedisStore) List(ctx context.Context, prefix string) ([]Record, error) {
	keys, err := s.scanKeys(ctx, escapeMatch(prefix)+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list records under %s: %w", prefix, err)
	}

	now := time.Now()
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %s: %w", key, err)
		}

		rec := Record{Key: key, Value: data}
		if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
			t := now.Add(ttl)
			rec.ExpiresAt = &t
		}
		records = append(records, rec)
	}
	return records, nil
}

// PurgeExpired is a no-op: Redis evicts expired keys itself
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// PurgePrefix removes every record under prefix and reports the count
func (s *RedisStore) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scanKeys(ctx, escapeMatch(prefix)+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to scan records under %s: %w", prefix, err)
	}

	purged := 0
	for _, key := range keys {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("failed to delete record %s: %w", key, err)
		}
		purged += int(n)
	}
	return purged, nil
}

// SizeBytes sums the stored size of all live values
func (s *RedisStore) SizeBytes(ctx context.Context) (int64, error) {
	keys, err := s.scanKeys(ctx, "*")
	if err != nil {
		return 0, fmt.Errorf("failed to scan records: %w", err)
	}

	var size int64
	for _, key := range keys {
		n, err := s.client.StrLen(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("failed to measure record %s: %w", key, err)
		}
		size += n
	}
	return size, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scanKeys collects keys matching pattern without blocking Redis
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

// escapeMatch escapes SCAN glob metacharacters so prefixes match literally
func escapeMatch(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`*`, `\*`,
		`?`, `\?`,
		`[`, `\[`,
		`]`, `\]`,
	)
	return r.Replace(s)
}
