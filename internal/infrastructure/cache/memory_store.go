package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// MemoryStore is a process-local Store backed by sync.Map.
// A background goroutine evicts entries past their stale deadline.
type MemoryStore struct {
	entries   sync.Map // map[string]*Entry
	size      atomic.Int64
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithSweepInterval sets how often expired entries are evicted
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewMemoryStore creates a memory store and starts its sweeper
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		interval: defaultSweepInterval,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.sweepLoop()

	return s
}

func memoryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Name implements Store
func (s *MemoryStore) Name() string {
	return "memory"
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	v, ok := s.entries.Load(memoryKey(namespace, key))
	if !ok {
		return nil, nil
	}
	e := v.(*Entry)
	if e.IsExpired(time.Now()) {
		if s.entries.CompareAndDelete(memoryKey(namespace, key), v) {
			s.size.Add(-1)
		}
		return nil, nil
	}
	out := *e
	return &out, nil
}

// Set implements Store
func (s *MemoryStore) Set(ctx context.Context, namespace, key string, entry Entry) error {
	if _, loaded := s.entries.Swap(memoryKey(namespace, key), &entry); !loaded {
		s.size.Add(1)
	}
	return nil
}

// Remove implements Store
func (s *MemoryStore) Remove(ctx context.Context, namespace, key string) error {
	if _, loaded := s.entries.LoadAndDelete(memoryKey(namespace, key)); loaded {
		s.size.Add(-1)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included until swept
func (s *MemoryStore) Len() int {
	return int(s.size.Load())
}

// Close stops the sweeper. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.entries.Range(func(k, v any) bool {
		if v.(*Entry).IsExpired(now) {
			if s.entries.CompareAndDelete(k, v) {
				s.size.Add(-1)
			}
		}
		return true
	})
}

var _ Store = (*MemoryStore)(nil)
