package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the authoritative value for a key
type Loader[T any] func(ctx context.Context) (T, error)

// Result is the outcome of a namespace read
type Result[T any] struct {
	Value T
	Found bool
	Stale bool
}

// Namespace is a typed view of one cache namespace
type Namespace[T any] struct {
	name    string
	cache   *Cache
	policy  Policy
	group   singleflight.Group
	pending sync.Map // key -> struct{}, refreshes in flight
}

// NewNamespace binds a typed namespace to c
func NewNamespace[T any](c *Cache, name string, policy Policy) *Namespace[T] {
	return &Namespace[T]{
		name:   name,
		cache:  c,
		policy: policy,
	}
}

// Name returns the namespace name
func (n *Namespace[T]) Name() string {
	return n.name
}

// Get reads key. Undecodable entries are dropped and reported as a miss.
func (n *Namespace[T]) Get(ctx context.Context, key string) Result[T] {
	var res Result[T]

	e := n.cache.Get(ctx, n.name, key)
	if e == nil {
		return res
	}

	if err := json.Unmarshal(e.Value, &res.Value); err != nil {
		n.cache.decodeErrors.Add(1)
		n.cache.logger.Warn("Dropping undecodable cache entry",
			zap.String("namespace", n.name),
			zap.String("key", key),
			zap.Error(err))
		n.cache.Remove(ctx, n.name, key)
		return Result[T]{}
	}

	res.Found = true
	res.Stale = !e.IsFresh(n.cache.now())
	return res
}

// Set writes value under key with the namespace policy
func (n *Namespace[T]) Set(ctx context.Context, key string, value T) {
	data, err := json.Marshal(value)
	if err != nil {
		n.cache.logger.Warn("Cannot encode cache value",
			zap.String("namespace", n.name),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	n.cache.Set(ctx, n.name, key, n.policy.NewEntry(data, n.cache.now()))
}

// Remove deletes key
func (n *Namespace[T]) Remove(ctx context.Context, key string) {
	n.cache.Remove(ctx, n.name, key)
}

// SWR serves key with stale-while-revalidate semantics.
//
// A fresh hit is returned with no further work. A stale hit is returned
// immediately and one background refresh is scheduled; concurrent stale
// hits share it. A miss calls load synchronously, with concurrent misses
// for the same key collapsed into one call. Loader errors are returned
// and nothing is cached.
func (n *Namespace[T]) SWR(ctx context.Context, key string, load Loader[T]) (T, error) {
	res := n.Get(ctx, key)
	if res.Found {
		if res.Stale {
			n.refresh(key, load)
		}
		return res.Value, nil
	}

	return n.Load(ctx, key, load)
}

// sharedLoadTimeout bounds a collapsed load once it no longer follows the
// context of the caller that started it
const sharedLoadTimeout = 30 * time.Second

// Load bypasses the cached value, loads key and stores the result.
//
// Concurrent loads of key share one call. The shared call ignores the
// cancellation of whichever caller started it; each caller still stops
// waiting when its own ctx is done.
func (n *Namespace[T]) Load(ctx context.Context, key string, load Loader[T]) (T, error) {
	var zero T
	ch := n.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		val, err := load(lctx)
		if err != nil {
			return nil, err
		}
		n.Set(lctx, key, val)
		return val, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (n *Namespace[T]) refresh(key string, load Loader[T]) {
	if _, inFlight := n.pending.LoadOrStore(key, struct{}{}); inFlight {
		n.cache.refreshDeduped.Add(1)
		return
	}

	ok := n.cache.refresher.Submit("cache-refresh:"+n.name, func(ctx context.Context) error {
		defer n.pending.Delete(key)
		val, err := load(ctx)
		if err != nil {
			n.cache.logger.Warn("Background cache refresh failed",
				zap.String("namespace", n.name),
				zap.String("key", key),
				zap.Error(err))
			return err
		}
		n.Set(ctx, key, val)
		return nil
	})
	if !ok {
		n.pending.Delete(key)
		n.cache.refreshDropped.Add(1)
		return
	}
	n.cache.refreshScheduled.Add(1)
}
