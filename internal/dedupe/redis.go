package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis-backed dedupe store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces one listener's set from another's.
	KeyPrefix string

	// TTL bounds how long a tx id stays marked. Zero means no expiry.
	TTL time.Duration
}

// RedisStore is a dedupe set that survives process restarts, for deployments
// that do not want replayed history to re-trigger downstream notifications.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) key(txID string) string {
	return s.keyPrefix + "tx:" + txID
}

// CheckAndMark implements Store. SETNX makes the check and the mark a single
// atomic operation, so two listeners sharing the store cannot both win.
func (s *RedisStore) CheckAndMark(ctx context.Context, txID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(txID), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", txID, err)
	}
	return ok, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
