package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/cache"
)

type fakeEntitlements struct {
	mu    sync.Mutex
	snaps    map[string]entitlement.Snapshot
	err      error
	resetErr error
	gets     int
	puts     int
}

func newFakeEntitlements(snaps ...*entitlement.Snapshot) *fakeEntitlements {
	f := &fakeEntitlements{snaps: make(map[string]entitlement.Snapshot)}
	for _, s := range snaps {
		f.snaps[s.CustomerID+"/"+s.FeatureSlug] = *s
	}
	return f
}

func (f *fakeEntitlements) Get(ctx context.Context, projectID, customerID, featureSlug string, requireFresh bool) (*entitlement.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.snaps[customerID+"/"+featureSlug]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &s, nil
}

func (f *fakeEntitlements) Put(ctx context.Context, snap entitlement.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.snaps[snap.CustomerID+"/"+snap.FeatureSlug] = snap
}

func (f *fakeEntitlements) ResetPeriod(ctx context.Context, projectID, customerID, featureSlug string, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	s, ok := f.snaps[customerID+"/"+featureSlug]
	if !ok {
		return shared.ErrNotFound
	}
	s.Usage = 0
	s.ValidFrom = start
	f.snaps[customerID+"/"+featureSlug] = s
	return nil
}

func (f *fakeEntitlements) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEntitlements) usage(customerID, featureSlug string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[customerID+"/"+featureSlug].Usage
}

type fakePersister struct {
	mu     sync.Mutex
	deltas []*usage.Delta
	err    error
}

func (p *fakePersister) Enqueue(ctx context.Context, d *usage.Delta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.deltas = append(p.deltas, d)
	return nil
}

func (p *fakePersister) total() (int, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := 0.0
	for _, d := range p.deltas {
		sum += d.Usage
	}
	return len(p.deltas), sum
}

type fakeRecords struct {
	mu      sync.Mutex
	keys    map[string]bool
	err     error
	lookups int
}

func (r *fakeRecords) ExistsByIdempotenceKey(ctx context.Context, projectID, customerID, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return false, r.err
	}
	return r.keys[projectID+"/"+customerID+"/"+key], nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []usage.BroadcastEvent
}

func (b *recordingBroadcaster) Broadcast(customerID string, evt usage.BroadcastEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBroadcaster) all() []usage.BroadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]usage.BroadcastEvent(nil), b.events...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []shared.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.DomainEvent
	for _, e := range p.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func meteredSnapshot(customerID string, limit float64, used float64) *entitlement.Snapshot {
	return &entitlement.Snapshot{
		ID:          "ent_" + customerID,
		ProjectID:   "proj_1",
		CustomerID:  customerID,
		FeatureSlug: "api-calls",
		FeatureType: entitlement.FeatureTypeUsage,
		Limit:       entitlement.Float(limit),
		Usage:       used,
	}
}

type serviceFixture struct {
	svc         *Service
	limiter     *Limiter
	ents        *fakeEntitlements
	persister   *fakePersister
	broadcaster *recordingBroadcaster
	events      *recordingPublisher
}

func newServiceFixture(t *testing.T, snaps ...*entitlement.Snapshot) *serviceFixture {
	t.Helper()
	return newServiceFixtureWith(t, time.Minute, nil, snaps...)
}

// newServiceFixtureWith builds a fixture whose actors retire after idle and
// whose service is configured with extra opts
func newServiceFixtureWith(t *testing.T, idle time.Duration, opts []Option, snaps ...*entitlement.Snapshot) *serviceFixture {
	t.Helper()
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	f := &serviceFixture{
		limiter:     NewLimiter(idle),
		ents:        newFakeEntitlements(snaps...),
		persister:   &fakePersister{},
		broadcaster: &recordingBroadcaster{},
		events:      &recordingPublisher{},
	}
	t.Cleanup(func() { _ = f.limiter.Stop(context.Background()) })

	f.svc = NewService(f.limiter, f.ents, f.persister, cache.New([]cache.Store{store}),
		Config{
			DedupTTL:         time.Hour,
			IdempotentPolicy: cache.Policy{Fresh: time.Minute, Stale: time.Minute},
		},
		append([]Option{WithBroadcaster(f.broadcaster), WithEventPublisher(f.events)}, opts...)...)
	return f
}

func report(customerID string, amount float64, key string) ReportInput {
	return ReportInput{
		ProjectID:      "proj_1",
		CustomerID:     customerID,
		FeatureSlug:    "api-calls",
		Usage:          amount,
		IdempotenceKey: key,
	}
}
