package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys.
const DefaultRedisPrefix = "billingsync:subscription:"

// RedisStore keeps the record as a JSON string under <prefix><session>. It
// lets several client processes on one machine or fleet share a session's
// cache.
type RedisStore struct {
	recordStore
	key string
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Prefix defaults to DefaultRedisPrefix.
	Prefix string
	// Session identifies the cache entry, usually the principal or a
	// device id.
	Session string
	// TTL expires the record; zero keeps it until cleared.
	TTL time.Duration
}

// NewRedisStore creates a RedisStore on an existing client. The caller owns
// the client and closes it.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig, opts ...Option) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	key := prefix + cfg.Session
	return &RedisStore{
		recordStore: newRecordStore(redisBackend{client: client, key: key, ttl: cfg.TTL}, opts),
		key:         key,
	}
}

// Key returns the Redis key holding the record.
func (s *RedisStore) Key() string {
	return s.key
}

type redisBackend struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func (b redisBackend) load(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (b redisBackend) save(ctx context.Context, data []byte) error {
	return b.client.Set(ctx, b.key, data, b.ttl).Err()
}

func (b redisBackend) remove(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}
