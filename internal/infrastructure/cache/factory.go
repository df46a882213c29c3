package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Tiers is the set of stores built from configuration
type Tiers struct {
	Memory *MemoryStore
	Redis  *RedisStore
	// Client is nil when Redis is unavailable
	Client *redis.Client
}

// Stores returns the stores fastest first
func (t *Tiers) Stores() []Store {
	stores := []Store{t.Memory}
	if t.Redis != nil {
		stores = append(stores, t.Redis)
	}
	return stores
}

// Close releases the memory sweeper and the Redis client
func (t *Tiers) Close() error {
	_ = t.Memory.Close()
	if t.Client != nil {
		return t.Client.Close()
	}
	return nil
}

// StoreFactory creates cache tiers based on configuration
type StoreFactory struct {
	redisConfig           RedisConfig
	redisEnabled          bool
	keyPrefix             string
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithFactoryLogger sets the logger for the factory
func WithFactoryLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to run memory-only when Redis is unavailable.
// Default is true.
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// WithKeyPrefix sets the Redis key prefix
func WithKeyPrefix(prefix string) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.keyPrefix = prefix
	}
}

// NewStoreFactory creates a new factory. redisEnabled=false always yields
// memory-only tiers.
func NewStoreFactory(cfg RedisConfig, redisEnabled bool, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           cfg,
		redisEnabled:          redisEnabled,
		keyPrefix:             defaultKeyPrefix,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create builds memory + Redis tiers, falling back to memory only when
// Redis cannot be reached and fallback is allowed.
func (f *StoreFactory) Create() (*Tiers, error) {
	tiers := &Tiers{Memory: NewMemoryStore()}
	if !f.redisEnabled {
		f.logger.Info("Redis cache disabled, using memory-only cache")
		return tiers, nil
	}

	client, err := NewRedisClient(f.redisConfig)
	if err == nil {
		tiers.Client = client
		tiers.Redis = NewRedisStore(client, f.keyPrefix)
		f.logger.Info("Using memory + Redis cache tiers")
		return tiers, nil
	}

	if !f.allowInMemoryFallback {
		_ = tiers.Memory.Close()
		return nil, fmt.Errorf("Redis required for cache but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to memory-only cache. "+
		"Cached entitlements and idempotent results are not shared across instances.",
		zap.Error(err),
	)
	return tiers, nil
}
