package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// Submitter runs background refreshes. *worker.Pool satisfies it.
type Submitter interface {
	Submit(name string, fn worker.Task) bool
}

// goSubmitter runs each task on its own goroutine
type goSubmitter struct {
	timeout time.Duration
}

func (s goSubmitter) Submit(name string, fn worker.Task) bool {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_ = fn(ctx)
	}()
	return true
}

type tierStats struct {
	hits   atomic.Int64
	errors atomic.Int64
}

// Cache reads and writes through an ordered list of stores
type Cache struct {
	stores      []Store
	tiers       []*tierStats
	refresher   Submitter
	invalidator *Invalidator
	instanceID  string
	logger      *zap.Logger
	now         func() time.Time

	misses           atomic.Int64
	staleHits        atomic.Int64
	refreshScheduled atomic.Int64
	refreshDropped   atomic.Int64
	refreshDeduped   atomic.Int64
	decodeErrors     atomic.Int64
}

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger for the cache
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithRefresher sets the background queue used for stale refreshes
func WithRefresher(s Submitter) Option {
	return func(c *Cache) {
		if s != nil {
			c.refresher = s
		}
	}
}

// WithInvalidator publishes writes so peer instances drop their local copies
func WithInvalidator(inv *Invalidator) Option {
	return func(c *Cache) {
		c.invalidator = inv
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over stores, fastest first
func New(stores []Store, opts ...Option) *Cache {
	c := &Cache{
		stores:     stores,
		tiers:      make([]*tierStats, len(stores)),
		refresher:  goSubmitter{timeout: 10 * time.Second},
		instanceID: uuid.NewString(),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for i := range c.tiers {
		c.tiers[i] = &tierStats{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceID identifies this cache in invalidation messages
func (c *Cache) InstanceID() string {
	return c.instanceID
}

// Get checks the stores in order. On a hit in a slower store the faster
// stores are back-filled with the same deadlines. A nil entry is a miss.
func (c *Cache) Get(ctx context.Context, namespace, key string) *Entry {
	now := c.now()
	for i, s := range c.stores {
		e, err := s.Get(ctx, namespace, key)
		if err != nil {
			c.tiers[i].errors.Add(1)
			c.logger.Warn("Cache store read failed, skipping",
				zap.String("store", s.Name()),
				zap.String("namespace", namespace),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		if e == nil || e.IsExpired(now) {
			continue
		}

		c.tiers[i].hits.Add(1)
		for j := 0; j < i; j++ {
			if err := c.stores[j].Set(ctx, namespace, key, *e); err != nil {
				c.tiers[j].errors.Add(1)
				c.logger.Warn("Cache back-fill failed",
					zap.String("store", c.stores[j].Name()),
					zap.String("namespace", namespace),
					zap.String("key", key),
					zap.Error(err))
			}
		}
		if !e.IsFresh(now) {
			c.staleHits.Add(1)
		}
		return e
	}

	c.misses.Add(1)
	return nil
}

// Set overwrites the entry in every store
func (c *Cache) Set(ctx context.Context, namespace, key string, entry Entry) {
	for i, s := range c.stores {
		if err := s.Set(ctx, namespace, key, entry); err != nil {
			c.tiers[i].errors.Add(1)
			c.logger.Warn("Cache store write failed, skipping",
				zap.String("store", s.Name()),
				zap.String("namespace", namespace),
				zap.String("key", key),
				zap.Error(err))
		}
	}
	c.publish(ctx, ActionSet, namespace, key)
}

// Remove deletes the entry from every store
func (c *Cache) Remove(ctx context.Context, namespace, key string) {
	for i, s := range c.stores {
		if err := s.Remove(ctx, namespace, key); err != nil {
			c.tiers[i].errors.Add(1)
			c.logger.Warn("Cache store remove failed, skipping",
				zap.String("store", s.Name()),
				zap.String("namespace", namespace),
				zap.String("key", key),
				zap.Error(err))
		}
	}
	c.publish(ctx, ActionRemove, namespace, key)
}

// DropLocal removes an entry from process-local stores only
func (c *Cache) DropLocal(ctx context.Context, namespace, key string) {
	for _, s := range c.stores {
		if ms, ok := s.(*MemoryStore); ok {
			_ = ms.Remove(ctx, namespace, key)
		}
	}
}

// StartInvalidationSubscription listens for peer writes until ctx is done.
// It blocks; run it in a goroutine.
func (c *Cache) StartInvalidationSubscription(ctx context.Context) error {
	if c.invalidator == nil {
		return nil
	}
	return c.invalidator.Subscribe(ctx, func(msg InvalidationMessage) {
		if msg.Origin == c.instanceID {
			return
		}
		c.DropLocal(context.Background(), msg.Namespace, msg.Key)
		c.logger.Debug("Dropped local cache entry",
			zap.String("action", string(msg.Action)),
			zap.String("namespace", msg.Namespace),
			zap.String("key", msg.Key))
	})
}

func (c *Cache) publish(ctx context.Context, action InvalidationAction, namespace, key string) {
	if c.invalidator == nil {
		return
	}
	msg := InvalidationMessage{Action: action, Namespace: namespace, Key: key, Origin: c.instanceID}
	if err := c.invalidator.Publish(ctx, msg); err != nil {
		c.logger.Warn("Failed to publish cache invalidation",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Error(err))
	}
}

// TierStats are the counters of one store
type TierStats struct {
	Name   string `json:"name"`
	Hits   int64  `json:"hits"`
	Errors int64  `json:"errors"`
}

// Stats is a snapshot of cache counters
type Stats struct {
	Tiers            []TierStats `json:"tiers"`
	Misses           int64       `json:"misses"`
	StaleHits        int64       `json:"stale_hits"`
	RefreshScheduled int64       `json:"refresh_scheduled"`
	RefreshDropped   int64       `json:"refresh_dropped"`
	RefreshDeduped   int64       `json:"refresh_deduped"`
	DecodeErrors     int64       `json:"decode_errors"`
	HitRatio         float64     `json:"hit_ratio"`
}

// Stats returns the current counters
func (c *Cache) Stats() Stats {
	s := Stats{
		Tiers:            make([]TierStats, len(c.stores)),
		Misses:           c.misses.Load(),
		StaleHits:        c.staleHits.Load(),
		RefreshScheduled: c.refreshScheduled.Load(),
		RefreshDropped:   c.refreshDropped.Load(),
		RefreshDeduped:   c.refreshDeduped.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
	}

	var hits int64
	for i, st := range c.stores {
		s.Tiers[i] = TierStats{
			Name:   st.Name(),
			Hits:   c.tiers[i].hits.Load(),
			Errors: c.tiers[i].errors.Load(),
		}
		hits += s.Tiers[i].Hits
	}
	if total := hits + s.Misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	return s
}
