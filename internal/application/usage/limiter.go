package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ErrLimiterStopped is returned once the limiter no longer accepts work
var ErrLimiterStopped = errors.New("usage limiter stopped")

type actorKey struct {
	projectID  string
	customerID string
}

type request struct {
	fn   func(a *actor)
	done chan struct{}
}

// actor owns the counters of one customer. Only its own goroutine touches
// counters; callers hand it closures through the unbuffered inbox.
type actor struct {
	key      actorKey
	inbox    chan request
	retired  chan struct{}
	counters map[string]*usage.CounterState
}

// counter returns the state of featureSlug, creating it on first use
func (a *actor) counter(featureSlug string, window time.Duration) *usage.CounterState {
	c, ok := a.counters[featureSlug]
	if !ok {
		c = usage.NewCounterState(a.key.customerID, featureSlug, window)
		a.counters[featureSlug] = c
	}
	return c
}

// lookup finds key across every feature of the customer
func (a *actor) lookup(key string, now time.Time) (usage.ReportResult, bool) {
	for _, c := range a.counters {
		if r, ok := c.Lookup(key, now); ok {
			return r, true
		}
	}
	return usage.ReportResult{}, false
}

func (a *actor) prune(now time.Time) {
	for _, c := range a.counters {
		c.Prune(now)
	}
}

// holdsKeys reports whether any idempotence key is still inside its window
func (a *actor) holdsKeys(now time.Time) bool {
	a.prune(now)
	for _, c := range a.counters {
		if c.SeenCount() > 0 {
			return true
		}
	}
	return false
}

// Limiter runs one actor goroutine per (project, customer). All work for a
// customer executes sequentially inside its actor; different customers
// proceed in parallel. An idle actor retires only once its idempotence
// windows are empty.
type Limiter struct {
	mu      sync.Mutex
	actors  map[actorKey]*actor
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup

	idle       time.Duration
	pruneEvery time.Duration
	metrics    *telemetry.UsageMetrics
	logger     *zap.Logger
}

// LimiterOption configures a Limiter
type LimiterOption func(*Limiter)

// WithLimiterLogger sets the logger
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLimiterMetrics records actor lifecycle on m
func WithLimiterMetrics(m *telemetry.UsageMetrics) LimiterOption {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// NewLimiter creates a limiter whose actors retire after idle
func NewLimiter(idle time.Duration, opts ...LimiterOption) *Limiter {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	l := &Limiter{
		actors:     make(map[actorKey]*actor),
		stop:       make(chan struct{}),
		idle:       idle,
		pruneEvery: time.Minute,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Do runs fn inside the actor of (projectID, customerID) and waits for it.
// A caller racing a retiring actor is moved to a fresh one.
func (l *Limiter) Do(ctx context.Context, projectID, customerID string, fn func(a *actor)) error {
	key := actorKey{projectID: projectID, customerID: customerID}
	req := request{fn: fn, done: make(chan struct{})}

	for {
		a, err := l.resolve(key)
		if err != nil {
			return err
		}
		select {
		case a.inbox <- req:
			<-req.done
			return nil
		case <-a.retired:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Active returns the number of live actors
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actors)
}

// Stop retires every actor and waits for them to exit
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stop)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) resolve(key actorKey) (*actor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil, ErrLimiterStopped
	}
	if a, ok := l.actors[key]; ok {
		return a, nil
	}

	a := &actor{
		key:      key,
		inbox:    make(chan request),
		retired:  make(chan struct{}),
		counters: make(map[string]*usage.CounterState),
	}
	l.actors[key] = a
	l.wg.Add(1)
	l.metrics.ActorStarted(context.Background())
	go l.run(a)
	return a, nil
}

func (l *Limiter) run(a *actor) {
	defer l.wg.Done()

	idle := time.NewTimer(l.idle)
	defer idle.Stop()
	prune := time.NewTicker(l.pruneEvery)
	defer prune.Stop()

	for {
		select {
		case req := <-a.inbox:
			l.execute(a, req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.idle)
		case now := <-prune.C:
			a.prune(now)
		case now := <-idle.C:
			if a.holdsKeys(now) {
				idle.Reset(l.idle)
				continue
			}
			l.retire(a)
			return
		case <-l.stop:
			l.retire(a)
			return
		}
	}
}

func (l *Limiter) execute(a *actor, req request) {
	defer close(req.done)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("usage actor panicked",
				zap.String("project_id", a.key.projectID),
				zap.String("customer_id", a.key.customerID),
				zap.Any("panic", r))
		}
	}()
	req.fn(a)
}

// retire unregisters a under the lock, so no new caller can resolve it,
// then releases callers already waiting on its inbox.
func (l *Limiter) retire(a *actor) {
	l.mu.Lock()
	if l.actors[a.key] == a {
		delete(l.actors, a.key)
	}
	close(a.retired)
	l.mu.Unlock()

	l.metrics.ActorRetired(context.Background())
	l.logger.Debug("usage actor retired",
		zap.String("project_id", a.key.projectID),
		zap.String("customer_id", a.key.customerID))
}
