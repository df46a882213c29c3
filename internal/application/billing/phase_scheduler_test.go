package billing

import (
	"context"
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(f *billingFixture, now time.Time) *PhaseScheduler {
	s := NewPhaseScheduler(f.service, f.phases, nil, SchedulerConfig{
		Enabled:           true,
		Interval:          10 * time.Millisecond,
		MaxCollectRetries: 2,
	})
	s.now = func() time.Time { return now }
	return s
}

func TestPhaseScheduler_RunsEndedPeriodToNextPeriod(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)
	s := newTestScheduler(f, p.PeriodEnd.Add(time.Hour))

	n := s.RunOnce(context.Background())
	assert.Equal(t, 1, n)

	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusActive, stored.Status)
	assert.True(t, stored.PeriodStart.Equal(p.PeriodEnd))

	invs, err := f.service.Invoices(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, billing.InvoiceStatusPaid, invs[0].Status)
	assert.Len(t, f.publisher.transitions(), 3)

	// nothing is due until the new period ends
	assert.Equal(t, 0, s.RunOnce(context.Background()))
}

func TestPhaseScheduler_SkipsRunningPeriods(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionChargeAutomatically)
	s := newTestScheduler(f, p.PeriodEnd.Add(-time.Minute))

	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 0, f.provider.Calls("create_invoice"))
}

func TestPhaseScheduler_RetriesCollectUntilExhausted(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)
	f.provider.DeclineNext(5)
	s := newTestScheduler(f, p.PeriodEnd.Add(time.Hour))

	s.RunOnce(context.Background())
	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusPastDue, stored.Status)
	assert.Equal(t, 1, stored.PaymentAttempts)

	s.RunOnce(context.Background())
	assert.Equal(t, 2, f.phases.get(t, p.ID).PaymentAttempts)

	// MaxCollectRetries reached
	assert.Equal(t, 0, s.RunOnce(context.Background()))
	assert.Equal(t, 2, f.provider.Calls("collect_payment"))
	assert.Equal(t, billing.PhaseStatusPastDue, f.phases.get(t, p.ID).Status)
}

func TestPhaseScheduler_RecoversAfterDecline(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)
	f.provider.DeclineNext(1)
	s := newTestScheduler(f, p.PeriodEnd.Add(time.Hour))

	s.RunOnce(context.Background())
	require.Equal(t, billing.PhaseStatusPastDue, f.phases.get(t, p.ID).Status)

	s.RunOnce(context.Background())
	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusActive, stored.Status)
	assert.True(t, stored.PeriodStart.Equal(p.PeriodEnd))
}

func TestPhaseScheduler_StartStop(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionSendInvoice)
	s := newTestScheduler(f, p.PeriodEnd.Add(time.Hour))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return f.phases.get(t, p.ID).PeriodStart.Equal(p.PeriodEnd)
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestPhaseScheduler_DisabledDoesNotStart(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	s := NewPhaseScheduler(f.service, f.phases, nil, SchedulerConfig{Enabled: false})

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.isRunning)
	require.NoError(t, s.Stop(context.Background()))
}
