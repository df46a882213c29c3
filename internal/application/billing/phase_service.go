// Package billing drives billing phases through their lifecycle: pricing
// recorded usage into provider invoices, collecting payment and renewing
// the period.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PhaseService runs state machine transitions on stored phases
type PhaseService struct {
	phases   billing.PhaseRepository
	invoices billing.InvoiceRepository
	handlers *phaseHandlers
	events   shared.EventPublisher
	metrics  *telemetry.UsageMetrics
	periods  PeriodStarter
	locks    *keyedMutex
	logger   *zap.Logger
}

// Option configures a PhaseService
type Option func(*PhaseService)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *PhaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventPublisher publishes billing.phase_transitioned events
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(s *PhaseService) {
		s.events = p
	}
}

// WithMetrics counts transitions on m
func WithMetrics(m *telemetry.UsageMetrics) Option {
	return func(s *PhaseService) {
		s.metrics = m
	}
}

// WithPeriodStarter resets customer usage when a phase renews
func WithPeriodStarter(p PeriodStarter) Option {
	return func(s *PhaseService) {
		s.periods = p
	}
}

// NewPhaseService creates a PhaseService
func NewPhaseService(
	phases billing.PhaseRepository,
	invoices billing.InvoiceRepository,
	provider billing.PaymentProvider,
	usage UsageTotals,
	opts ...Option,
) *PhaseService {
	s := &PhaseService{
		phases:   phases,
		invoices: invoices,
		locks:    newKeyedMutex(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("billing")
	s.handlers = &phaseHandlers{
		provider: provider,
		phases:   phases,
		invoices: invoices,
		usage:    usage,
		periods:  s.periods,
		logger:   s.logger,
	}
	return s
}

// CreatePhaseInput opens a new billing phase
type CreatePhaseInput struct {
	ProjectID          string
	CustomerID         string
	SubscriptionID     string
	ProviderCustomerID string
	Interval           billing.BillingInterval
	CollectionMethod   billing.CollectionMethod
	Currency           string
	DueDays            int
	PeriodStart        time.Time
	Items              []PhaseItemInput
}

// PhaseItemInput is one priced feature of a new phase
type PhaseItemInput struct {
	FeatureSlug string
	Description string
	Price       billing.PriceConfig
	Quantity    decimal.Decimal
}

// Create stores a new active phase
func (s *PhaseService) Create(ctx context.Context, in CreatePhaseInput) (*billing.Phase, error) {
	items := make([]billing.PhaseItem, 0, len(in.Items))
	for _, it := range in.Items {
		if it.FeatureSlug == "" {
			return nil, shared.NewDomainError(shared.CodeInvalidInput, "phase item requires a feature slug")
		}
		items = append(items, billing.PhaseItem{
			ID:          uuid.New(),
			FeatureSlug: it.FeatureSlug,
			Description: it.Description,
			Price:       it.Price,
			Quantity:    it.Quantity,
		})
	}

	start := in.PeriodStart
	if start.IsZero() {
		start = time.Now().UTC()
	}
	p, err := billing.NewPhase(in.ProjectID, in.CustomerID, in.ProviderCustomerID, in.Interval, start, items)
	if err != nil {
		return nil, err
	}
	p.SubscriptionID = in.SubscriptionID
	if in.CollectionMethod != "" {
		p.CollectionMethod = in.CollectionMethod
	}
	if in.Currency != "" {
		p.Currency = in.Currency
	}
	if in.DueDays > 0 {
		p.DueDays = in.DueDays
	}

	if err := s.phases.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save phase: %w", err)
	}
	s.logger.Info("phase created",
		zap.String("phase_id", p.ID.String()),
		zap.String("project_id", p.ProjectID),
		zap.String("customer_id", p.CustomerID),
		zap.Time("period_end", p.PeriodEnd))
	return p, nil
}

// Get returns a phase
func (s *PhaseService) Get(ctx context.Context, id uuid.UUID) (*billing.Phase, error) {
	return s.phases.FindByID(ctx, id)
}

// Invoices returns the invoices of a phase, newest first
func (s *PhaseService) Invoices(ctx context.Context, id uuid.UUID) ([]*billing.Invoice, error) {
	return s.invoices.FindByPhase(ctx, id)
}

// Invoke applies event to the phase. Calls for the same phase run one at a time.
func (s *PhaseService) Invoke(ctx context.Context, id uuid.UUID, event billing.PhaseEvent) (*TransitionResult, error) {
	if !event.IsValid() {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("unknown phase event %q", event))
	}

	ctx, span := telemetry.StartServiceSpan(ctx, "billing", "transition",
		telemetry.WithAttributes(telemetry.AttrPhaseEvent.String(string(event))))
	defer span.End()

	unlock := s.locks.Lock(id.String())
	defer unlock()

	p, err := s.phases.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	machine, err := s.handlers.build(p.Status)
	if err != nil {
		return nil, err
	}

	from := p.Status
	run := &phaseRun{phase: p}
	res, err := machine.Transition(ctx, event, run)
	s.metrics.RecordTransition(ctx, string(event), err)
	if err != nil {
		s.logger.Warn("phase transition failed",
			zap.String("phase_id", id.String()),
			zap.String("event", string(event)),
			zap.String("status", string(from)),
			zap.Error(err))
		telemetry.RecordError(span, err)
		return nil, err
	}

	res.Event = event
	p.ApplyTransition(event, from, machine.Current())
	if err := s.phases.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save phase: %w", err)
	}
	s.publish(ctx, p)

	s.logger.Info("phase transitioned",
		zap.String("phase_id", id.String()),
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(res.To)))
	return res, nil
}

func (s *PhaseService) publish(ctx context.Context, p *billing.Phase) {
	events := p.GetDomainEvents()
	p.ClearDomainEvents()
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish phase events",
			zap.String("phase_id", p.ID.String()),
			zap.Error(err))
	}
}

// keyedMutex hands out one lock per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
