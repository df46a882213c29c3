// Package usage applies usage reports and entitlement checks.
//
// Every customer is served by a single actor goroutine so reports for the
// same customer never race: the idempotence window, the in-memory counter
// and the limit check all run inside that actor. Persistence and cache
// updates happen after the decision on the Flusher and never block a
// reply on the database.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// NamespaceIdempotentUsageResult caches replies by idempotence key
const NamespaceIdempotentUsageResult = "idempotentUsageResult"

// Entitlements is the snapshot source used by the actors
type Entitlements interface {
	Get(ctx context.Context, projectID, customerID, featureSlug string, requireFresh bool) (*entitlement.Snapshot, error)
	Put(ctx context.Context, snap entitlement.Snapshot)
	ResetPeriod(ctx context.Context, projectID, customerID, featureSlug string, start, end time.Time) error
}

// RecordLookup answers whether an idempotence key already reached storage
type RecordLookup interface {
	ExistsByIdempotenceKey(ctx context.Context, projectID, customerID, key string) (bool, error)
}

// Persister takes applied deltas for asynchronous persistence
type Persister interface {
	Enqueue(ctx context.Context, d *usage.Delta) error
}

// ReportInput is one usage report
type ReportInput struct {
	ProjectID      string
	CustomerID     string
	FeatureSlug    string
	Usage          float64
	IdempotenceKey string
}

// VerifyInput is one entitlement check
type VerifyInput struct {
	ProjectID   string
	CustomerID  string
	FeatureSlug string
}

// VerifyResult answers an entitlement check. Remaining is nil when unlimited.
type VerifyResult struct {
	Access       bool                     `json:"access"`
	Remaining    *float64                 `json:"remaining,omitempty"`
	DeniedReason entitlement.DeniedReason `json:"deniedReason,omitempty"`
}

// Config holds the service settings
type Config struct {
	DedupTTL         time.Duration
	IdempotentPolicy cache.Policy
}

// Service handles usage reports and entitlement checks
type Service struct {
	limiter      *Limiter
	entitlements Entitlements
	persister    Persister
	idempotent   *cache.Namespace[usage.ReportResult]
	broadcaster  usage.Broadcaster
	events       shared.EventPublisher
	metrics      *telemetry.UsageMetrics
	records      RecordLookup
	dedupTTL     time.Duration
	// keys persisted by a previous process are checked in storage until warmUntil
	warmUntil time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBroadcaster streams decisions to live subscribers
func WithBroadcaster(b usage.Broadcaster) Option {
	return func(s *Service) {
		if b != nil {
			s.broadcaster = b
		}
	}
}

// WithEventPublisher publishes usage domain events
func WithEventPublisher(p shared.EventPublisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

// WithMetrics records decisions on m
func WithMetrics(m *telemetry.UsageMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRecordLookup checks storage for keys the actor windows cannot know
// about, which only happens during the first DedupTTL after startup.
func WithRecordLookup(r RecordLookup) Option {
	return func(s *Service) {
		s.records = r
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the usage service
func NewService(
	limiter *Limiter,
	entitlements Entitlements,
	persister Persister,
	c *cache.Cache,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	s := &Service{
		limiter:      limiter,
		entitlements: entitlements,
		persister:    persister,
		idempotent:   cache.NewNamespace[usage.ReportResult](c, NamespaceIdempotentUsageResult, cfg.IdempotentPolicy),
		broadcaster:  usage.NopBroadcaster{},
		dedupTTL:     cfg.DedupTTL,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("usage")
	s.warmUntil = s.now().Add(s.dedupTTL)
	return s
}

// IdempotentKey scopes an idempotence key to its project and customer
func IdempotentKey(projectID, customerID, idempotenceKey string) string {
	return strings.Join([]string{projectID, customerID, "idempotenceKey", idempotenceKey}, ":")
}

// ReportUsage applies one usage report exactly once.
//
// A key seen before returns the stored reply with CacheHit set. Backend
// failures while loading the entitlement fail closed with FETCH_ERROR and
// are not remembered, so a retry is evaluated again.
func (s *Service) ReportUsage(ctx context.Context, in ReportInput) (usage.ReportResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartServiceSpan(ctx, "usage", "report",
		telemetry.WithAttributes(
			telemetry.AttrProjectID.String(in.ProjectID),
			telemetry.AttrFeatureSlug.String(in.FeatureSlug)))
	defer span.End()

	d, err := usage.NewDelta(in.ProjectID, in.CustomerID, in.FeatureSlug, in.Usage, in.IdempotenceKey)
	if err != nil {
		return usage.ReportResult{}, err
	}

	idemKey := IdempotentKey(in.ProjectID, in.CustomerID, in.IdempotenceKey)
	if hit := s.idempotent.Get(ctx, idemKey); hit.Found {
		s.metrics.RecordReport(ctx, in.ProjectID, in.FeatureSlug, telemetry.OutcomeCacheHit, "", time.Since(start))
		return hit.Value.AsCacheHit(), nil
	}

	var (
		result  usage.ReportResult
		opErr   error
		replay  bool
		persist bool
	)
	err = s.limiter.Do(ctx, in.ProjectID, in.CustomerID, func(a *actor) {
		result, replay, persist, opErr = s.report(ctx, a, d)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		s.logger.Warn("Usage report failed",
			zap.String("project_id", in.ProjectID),
			zap.String("customer_id", in.CustomerID),
			zap.String("feature_slug", in.FeatureSlug),
			zap.Error(err))
		telemetry.RecordError(span, err)
		return usage.ReportResult{}, err
	}

	if persist {
		s.idempotent.Set(ctx, idemKey, result)
	}

	outcome := telemetry.OutcomeGranted
	switch {
	case replay:
		outcome = telemetry.OutcomeCacheHit
	case !result.Valid:
		outcome = telemetry.OutcomeDenied
	}
	telemetry.AddEvent(span, "usage.decided", telemetry.AttrOutcome.String(outcome))
	s.metrics.RecordReport(ctx, in.ProjectID, in.FeatureSlug, outcome, string(result.DeniedReason), time.Since(start))
	return result, nil
}

// report runs inside the customer's actor. It returns the reply, whether
// it was a replay, and whether the reply is final and may be cached.
func (s *Service) report(ctx context.Context, a *actor, d *usage.Delta) (usage.ReportResult, bool, bool, error) {
	now := s.now()
	if prior, ok := a.lookup(d.IdempotenceKey, now); ok {
		return prior.AsCacheHit(), true, false, nil
	}

	snap, denied := s.snapshot(ctx, d.ProjectID, d.CustomerID, d.FeatureSlug, now)
	if snap == nil {
		s.broadcast(d.ProjectID, d.CustomerID, d.FeatureSlug, usage.BroadcastReportUsage, denied, nil)
		return denied, false, false, nil
	}

	counter := a.counter(d.FeatureSlug, s.dedupTTL)
	counter.Seed(snap.Usage)
	before := counter.Accumulated

	stored, err := s.persisted(ctx, d, now)
	if err != nil {
		denied := usage.Denied(entitlement.DeniedFetchError, "")
		s.broadcast(d.ProjectID, d.CustomerID, d.FeatureSlug, usage.BroadcastReportUsage, denied, nil)
		return denied, false, false, nil
	}
	if stored {
		// the original reply is gone; answer with the current standing
		standing := usage.ResultFrom(entitlement.Evaluate(snap.WithUsage(before)))
		prior := usage.ReportResult{Valid: true, Remaining: standing.Remaining}
		counter.Remember(d.IdempotenceKey, prior, now)
		return prior.AsCacheHit(), true, false, nil
	}

	eval := entitlement.EvaluateDelta(snap.WithUsage(before), d.Usage)
	result := usage.ResultFrom(eval)
	if !eval.Access {
		counter.Remember(d.IdempotenceKey, result, now)
		current := snap.WithUsage(before)
		s.broadcast(d.ProjectID, d.CustomerID, d.FeatureSlug, usage.BroadcastReportUsage, result, &current)
		return result, false, true, nil
	}

	d.EntitlementID = snap.ID
	d.SubscriptionItemID = snap.SubscriptionItemID
	if err := s.persister.Enqueue(ctx, d); err != nil {
		return usage.ReportResult{}, false, false,
			shared.WrapDomainError(shared.CodeInternal, "failed to queue usage for persistence", err)
	}

	counter.Apply(d.Usage)
	counter.Remember(d.IdempotenceKey, result, now)
	after := counter.Accumulated

	updated := snap.WithUsage(after)
	s.entitlements.Put(ctx, updated)
	s.broadcast(d.ProjectID, d.CustomerID, d.FeatureSlug, usage.BroadcastReportUsage, result, &updated)
	s.publish(ctx, d, snap, before, after)

	return result, false, true, nil
}

// persisted reports whether d's key was written by an earlier process. Past
// warm-up every live key is held by an actor window and storage is skipped.
func (s *Service) persisted(ctx context.Context, d *usage.Delta, now time.Time) (bool, error) {
	if s.records == nil || !now.Before(s.warmUntil) {
		return false, nil
	}
	found, err := s.records.ExistsByIdempotenceKey(ctx, d.ProjectID, d.CustomerID, d.IdempotenceKey)
	if err != nil {
		s.logger.Warn("Idempotence lookup failed, failing closed",
			zap.String("project_id", d.ProjectID),
			zap.String("customer_id", d.CustomerID),
			zap.Error(err))
		return false, err
	}
	return found, nil
}

// StartPeriod opens a new usage period for the customer: the entitlements
// of featureSlugs restart at zero usage and are valid over [start, end),
// and the actor counters reload from them. It runs inside the customer's
// actor so no report interleaves with the reset.
func (s *Service) StartPeriod(ctx context.Context, projectID, customerID string, featureSlugs []string, start, end time.Time) error {
	var opErr error
	err := s.limiter.Do(ctx, projectID, customerID, func(a *actor) {
		for _, slug := range featureSlugs {
			if err := s.entitlements.ResetPeriod(ctx, projectID, customerID, slug, start, end); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue
				}
				opErr = err
				return
			}
			if c, ok := a.counters[slug]; ok {
				c.Reset()
			}
		}
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}
	s.logger.Info("Usage period started",
		zap.String("project_id", projectID),
		zap.String("customer_id", customerID),
		zap.Strings("features", featureSlugs),
		zap.Time("period_start", start))
	return nil
}

// Verify reports whether the customer may use a feature right now without
// recording usage.
func (s *Service) Verify(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	start := time.Now()
	if strings.TrimSpace(in.ProjectID) == "" || strings.TrimSpace(in.CustomerID) == "" || strings.TrimSpace(in.FeatureSlug) == "" {
		return VerifyResult{}, shared.NewDomainError(shared.CodeInvalidInput, "project, customer and feature are required")
	}

	var result VerifyResult
	err := s.limiter.Do(ctx, in.ProjectID, in.CustomerID, func(a *actor) {
		now := s.now()
		snap, denied := s.snapshot(ctx, in.ProjectID, in.CustomerID, in.FeatureSlug, now)
		if snap == nil {
			result = VerifyResult{Access: false, DeniedReason: denied.DeniedReason}
			s.broadcast(in.ProjectID, in.CustomerID, in.FeatureSlug, usage.BroadcastCan, denied, nil)
			return
		}

		counter := a.counter(in.FeatureSlug, s.dedupTTL)
		counter.Seed(snap.Usage)
		current := snap.WithUsage(counter.Accumulated)

		eval := entitlement.Evaluate(current)
		rr := usage.ResultFrom(eval)
		result = VerifyResult{Access: eval.Access, Remaining: rr.Remaining, DeniedReason: eval.DeniedReason}
		s.broadcast(in.ProjectID, in.CustomerID, in.FeatureSlug, usage.BroadcastCan, rr, &current)
	})
	if err != nil {
		return VerifyResult{}, err
	}

	outcome := telemetry.OutcomeGranted
	if !result.Access {
		outcome = telemetry.OutcomeDenied
	}
	s.metrics.RecordVerify(ctx, in.ProjectID, in.FeatureSlug, outcome, string(result.DeniedReason), time.Since(start))
	return result, nil
}

// snapshot loads a fresh entitlement. On failure it returns nil and the
// denial to answer with.
func (s *Service) snapshot(ctx context.Context, projectID, customerID, featureSlug string, now time.Time) (*entitlement.Snapshot, usage.ReportResult) {
	snap, err := s.entitlements.Get(ctx, projectID, customerID, featureSlug, true)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return nil, usage.Denied(entitlement.DeniedNoEntitlement, "")
	case err != nil:
		s.logger.Warn("Entitlement unavailable, failing closed",
			zap.String("project_id", projectID),
			zap.String("customer_id", customerID),
			zap.String("feature_slug", featureSlug),
			zap.Error(err))
		return nil, usage.Denied(entitlement.DeniedFetchError, "")
	case !snap.IsActiveAt(now):
		return nil, usage.Denied(entitlement.DeniedEntitlementExpired, "")
	}
	return snap, usage.ReportResult{}
}

func (s *Service) broadcast(projectID, customerID, featureSlug string, typ usage.BroadcastType, r usage.ReportResult, snap *entitlement.Snapshot) {
	evt := usage.BroadcastEvent{
		ProjectID:    projectID,
		FeatureSlug:  featureSlug,
		CustomerID:   customerID,
		Type:         typ,
		Success:      r.Valid,
		DeniedReason: string(r.DeniedReason),
		Timestamp:    s.now(),
	}
	if snap != nil {
		evt.Limit = snap.Limit
		u := snap.Usage
		evt.Usage = &u
	}
	s.broadcaster.Broadcast(customerID, evt)
}

func (s *Service) publish(ctx context.Context, d *usage.Delta, snap *entitlement.Snapshot, before, after float64) {
	if s.events == nil {
		return
	}
	events := []shared.DomainEvent{usage.NewRecordedEvent(d, after)}
	if snap.NotifyUsage && snap.Limit != nil && usage.CrossedThreshold(before, after, *snap.Limit) {
		events = append(events, usage.NewThresholdReachedEvent(d.ProjectID, d.CustomerID, d.FeatureSlug, after, *snap.Limit))
		s.logger.Info("Usage threshold reached",
			zap.String("project_id", d.ProjectID),
			zap.String("customer_id", d.CustomerID),
			zap.String("feature_slug", d.FeatureSlug),
			zap.Float64("usage", after),
			zap.Float64("limit", *snap.Limit))
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.Warn("Failed to publish usage events", zap.Error(err))
	}
}
