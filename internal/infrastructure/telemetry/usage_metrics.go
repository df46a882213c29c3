package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcomes recorded on usage and verification counters.
const (
	OutcomeGranted  = "granted"
	OutcomeDenied   = "denied"
	OutcomeCacheHit = "cache_hit"
)

// UsageMetrics records usage reporting, verification, persistence and
// billing activity.
type UsageMetrics struct {
	reports      *Counter
	verifies     *Counter
	decision     *Histogram
	flushed      *Counter
	flushErrors  *Counter
	flushBatch   *Histogram
	transitions  *Counter
	activeActors metric.Int64UpDownCounter
}

// NewUsageMetrics creates the instruments on meter.
func NewUsageMetrics(meter metric.Meter) (*UsageMetrics, error) {
	var (
		m   UsageMetrics
		err error
	)
	if m.reports, err = NewCounter(meter, "usage.reports", "Usage reports by outcome", "{report}"); err != nil {
		return nil, err
	}
	if m.verifies, err = NewCounter(meter, "usage.verifications", "Entitlement checks by outcome", "{check}"); err != nil {
		return nil, err
	}
	if m.decision, err = NewHistogram(meter, HistogramOpts{
		Name:        "usage.decision.duration",
		Description: "Time to decide a report or check",
		Unit:        "s",
		Boundaries:  LatencyBuckets,
	}); err != nil {
		return nil, err
	}
	if m.flushed, err = NewCounter(meter, "usage.records.flushed", "Usage records persisted", "{record}"); err != nil {
		return nil, err
	}
	if m.flushErrors, err = NewCounter(meter, "usage.flush.errors", "Failed flush batches", "{batch}"); err != nil {
		return nil, err
	}
	if m.flushBatch, err = NewHistogram(meter, HistogramOpts{
		Name:        "usage.flush.batch_size",
		Description: "Records per flush batch",
		Unit:        "{record}",
		Boundaries:  BatchSizeBuckets,
	}); err != nil {
		return nil, err
	}
	if m.transitions, err = NewCounter(meter, "billing.phase.transitions", "Billing phase transitions by event and outcome", "{transition}"); err != nil {
		return nil, err
	}
	if m.activeActors, err = meter.Int64UpDownCounter("usage.actors.active",
		metric.WithDescription("Live per-customer usage actors"),
		metric.WithUnit("{actor}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordReport records one usage report decision.
func (m *UsageMetrics) RecordReport(ctx context.Context, projectID, slug, outcome, deniedReason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := decisionAttrs(projectID, slug, outcome, deniedReason)
	m.reports.Inc(ctx, attrs...)
	m.decision.RecordDuration(ctx, elapsed, append(attrs, AttrOperation.String("report"))...)
}

// RecordVerify records one entitlement check.
func (m *UsageMetrics) RecordVerify(ctx context.Context, projectID, slug, outcome, deniedReason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := decisionAttrs(projectID, slug, outcome, deniedReason)
	m.verifies.Inc(ctx, attrs...)
	m.decision.RecordDuration(ctx, elapsed, append(attrs, AttrOperation.String("verify"))...)
}

// RecordFlush records a persisted batch, or a failed one when err is non-nil.
func (m *UsageMetrics) RecordFlush(ctx context.Context, batchSize int, inserted int64, err error) {
	if m == nil {
		return
	}
	m.flushBatch.Record(ctx, float64(batchSize))
	if err != nil {
		m.flushErrors.Inc(ctx)
		return
	}
	m.flushed.Add(ctx, inserted)
}

// RecordTransition records a billing phase transition attempt.
func (m *UsageMetrics) RecordTransition(ctx context.Context, event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transitions.Inc(ctx, AttrPhaseEvent.String(event), AttrOutcome.String(outcome))
}

// ActorStarted and ActorRetired track the live actor count.
func (m *UsageMetrics) ActorStarted(ctx context.Context) {
	if m != nil {
		m.activeActors.Add(ctx, 1)
	}
}

func (m *UsageMetrics) ActorRetired(ctx context.Context) {
	if m != nil {
		m.activeActors.Add(ctx, -1)
	}
}

func decisionAttrs(projectID, slug, outcome, deniedReason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrProjectID.String(projectID),
		AttrFeatureSlug.String(slug),
		AttrOutcome.String(outcome),
	}
	if deniedReason != "" {
		attrs = append(attrs, AttrDeniedReason.String(deniedReason))
	}
	return attrs
}
