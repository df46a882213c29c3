package billing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memPhases struct {
	mu     sync.Mutex
	phases map[uuid.UUID]billing.Phase
	err    error
}

func newMemPhases() *memPhases {
	return &memPhases{phases: make(map[uuid.UUID]billing.Phase)}
}

func (m *memPhases) FindByID(ctx context.Context, id uuid.UUID) (*billing.Phase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phases[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &p, nil
}

func (m *memPhases) Save(ctx context.Context, p *billing.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *p
	cp.ClearDomainEvents()
	m.phases[p.ID] = cp
	return nil
}

func (m *memPhases) FindPeriodEnded(ctx context.Context, now time.Time, limit int) ([]*billing.Phase, error) {
	return m.filter(limit, func(p billing.Phase) bool {
		return p.Status == billing.PhaseStatusActive && !p.PeriodEnd.After(now)
	}), nil
}

func (m *memPhases) FindByStatus(ctx context.Context, status billing.PhaseStatus, limit int) ([]*billing.Phase, error) {
	return m.filter(limit, func(p billing.Phase) bool { return p.Status == status }), nil
}

func (m *memPhases) filter(limit int, keep func(billing.Phase) bool) []*billing.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*billing.Phase
	for _, p := range m.phases {
		if keep(p) {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(out[j].PeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memPhases) get(t *testing.T, id uuid.UUID) *billing.Phase {
	t.Helper()
	p, err := m.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

type memInvoices struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]billing.Invoice
}

func newMemInvoices() *memInvoices {
	return &memInvoices{invoices: make(map[uuid.UUID]billing.Invoice)}
}

func (m *memInvoices) FindByID(ctx context.Context, id uuid.UUID) (*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &inv, nil
}

func (m *memInvoices) Save(ctx context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = *inv
	return nil
}

func (m *memInvoices) FindByPhase(ctx context.Context, phaseID uuid.UUID) ([]*billing.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*billing.Invoice
	for _, inv := range m.invoices {
		if inv.PhaseID == phaseID {
			cp := inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type fixedUsage struct {
	totals map[string]float64
	err    error
}

func (f fixedUsage) SumByFeature(ctx context.Context, projectID, customerID, featureSlug string, from, to time.Time) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.totals[featureSlug], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.DomainEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingPublisher) transitions() []*billing.PhaseTransitionedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*billing.PhaseTransitionedEvent
	for _, e := range r.events {
		if pe, ok := e.(*billing.PhaseTransitionedEvent); ok {
			out = append(out, pe)
		}
	}
	return out
}

type periodCall struct {
	projectID, customerID string
	slugs                 []string
	start, end            time.Time
}

type recordingPeriods struct {
	mu    sync.Mutex
	calls []periodCall
	err   error
}

func (r *recordingPeriods) StartPeriod(ctx context.Context, projectID, customerID string, featureSlugs []string, start, end time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, periodCall{projectID, customerID, featureSlugs, start, end})
	return nil
}

type billingFixture struct {
	phases    *memPhases
	invoices  *memInvoices
	provider  *payment.SandboxProvider
	publisher *recordingPublisher
	service   *PhaseService
}

func newBillingFixture(t *testing.T, usage fixedUsage, opts ...Option) *billingFixture {
	t.Helper()
	f := &billingFixture{
		phases:    newMemPhases(),
		invoices:  newMemInvoices(),
		provider:  payment.NewSandboxProvider(nil),
		publisher: &recordingPublisher{},
	}
	f.service = NewPhaseService(f.phases, f.invoices, f.provider, usage,
		append([]Option{WithEventPublisher(f.publisher)}, opts...)...)
	return f
}

var periodStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// seed stores a phase billing 3 seats at 20.00 plus api calls at 0.002 each
func (f *billingFixture) seed(t *testing.T, method billing.CollectionMethod) *billing.Phase {
	t.Helper()
	p, err := f.service.Create(context.Background(), CreatePhaseInput{
		ProjectID:          "proj_1",
		CustomerID:         "cus_1",
		ProviderCustomerID: "cus_provider",
		Interval:           billing.IntervalMonth,
		CollectionMethod:   method,
		PeriodStart:        periodStart,
		Items: []PhaseItemInput{
			{FeatureSlug: "seats", Price: billing.PriceConfig{Model: billing.PricingFlat, FlatAmount: decimal.NewFromInt(20)}, Quantity: decimal.NewFromInt(3)},
			{FeatureSlug: "api-calls", Price: billing.PriceConfig{Model: billing.PricingUsage, UnitAmount: decimal.RequireFromString("0.002")}},
		},
	})
	require.NoError(t, err)
	return p
}

func defaultUsage() fixedUsage {
	return fixedUsage{totals: map[string]float64{"api-calls": 10000}}
}
