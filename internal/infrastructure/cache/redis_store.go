package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "meter:cache"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host        string
	Port        int
	Password    string
	DB          int
	DialTimeout time.Duration
}

// NewRedisClient connects to Redis and verifies the connection with a ping
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisStore is a shared Store backed by Redis. Entries are stored as a
// JSON envelope and expire at their stale deadline.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store using an existing client. The caller keeps
// ownership of the client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(namespace, key string) string {
	return s.keyPrefix + ":" + namespace + ":" + key
}

// Name implements Store
func (s *RedisStore) Name() string {
	return "redis"
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", namespace, key, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("redis decode %s/%s: %w", namespace, key, err)
	}
	if e.IsExpired(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

// Set implements Store
func (s *RedisStore) Set(ctx context.Context, namespace, key string, entry Entry) error {
	ttl := time.Until(entry.StaleUntil)
	if ttl <= 0 {
		return s.Remove(ctx, namespace, key)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode %s/%s: %w", namespace, key, err)
	}

	if err := s.client.Set(ctx, s.key(namespace, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Remove implements Store
func (s *RedisStore) Remove(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, s.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del %s/%s: %w", namespace, key, err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
