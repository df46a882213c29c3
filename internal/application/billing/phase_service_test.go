package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseService_ChargeAutomaticallyCycle(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)

	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusActive, res.From)
	assert.Equal(t, billing.PhaseStatusInvoiced, res.To)
	require.NotNil(t, res.InvoiceID)
	assert.True(t, decimal.NewFromInt(80).Equal(*res.Total), "3 seats at 20 plus 10000 calls at 0.002")

	inv, err := f.invoices.FindByID(ctx, *res.InvoiceID)
	require.NoError(t, err)
	require.Len(t, inv.Items, 2)
	provInv, items, ok := f.provider.Invoice(inv.ProviderInvoiceID)
	require.True(t, ok)
	assert.Equal(t, billing.InvoiceStatusDraft, provInv.Status)
	assert.Equal(t, int64(8000), provInv.Total)
	assert.Len(t, items, 2)

	res, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusFinalized, res.To)
	assert.Equal(t, billing.InvoiceStatusPaid, res.InvoiceStatus)

	res, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventRenew)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusActive, res.To)

	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusActive, stored.Status)
	assert.True(t, stored.PeriodStart.Equal(p.PeriodEnd))
	assert.Nil(t, stored.CurrentInvoiceID)
	assert.Equal(t, 0, stored.PaymentAttempts)
	assert.Equal(t, 3, stored.GetVersion()-p.GetVersion())

	events := f.publisher.transitions()
	require.Len(t, events, 3)
	assert.Equal(t, billing.PhaseEventInvoice, events[0].Event)
	assert.Equal(t, billing.PhaseStatusFinalized, events[1].To)
	assert.Equal(t, billing.EventTypePhaseTransitioned, events[2].EventType())
}

func TestPhaseService_DeclineMovesToPastDueThenCollects(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)
	f.provider.DeclineNext(1)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)

	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusPastDue, res.To)
	assert.Equal(t, billing.InvoiceStatusOpen, res.InvoiceStatus)
	assert.Equal(t, 1, f.phases.get(t, p.ID).PaymentAttempts)

	res, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventCollect)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusPastDue, res.From)
	assert.Equal(t, billing.PhaseStatusFinalized, res.To)
	assert.Equal(t, billing.InvoiceStatusPaid, res.InvoiceStatus)

	stored := f.phases.get(t, p.ID)
	assert.Equal(t, 2, stored.PaymentAttempts)
	inv, err := f.invoices.FindByID(ctx, *stored.CurrentInvoiceID)
	require.NoError(t, err)
	assert.NotNil(t, inv.PaidAt)
}

func TestPhaseService_MissingPaymentMethodIsPastDue(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusPastDue, res.To)
}

func TestPhaseService_SendInvoice(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionSendInvoice)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)

	assert.Equal(t, billing.PhaseStatusFinalized, res.To)
	assert.Equal(t, billing.InvoiceStatusOpen, res.InvoiceStatus)
	assert.Equal(t, 1, f.provider.Calls("send_invoice"))
	assert.Equal(t, 0, f.provider.Calls("collect_payment"))
}

func TestPhaseService_ZeroTotalFinalizesPaid(t *testing.T) {
	f := newBillingFixture(t, fixedUsage{})
	ctx := context.Background()
	p, err := f.service.Create(ctx, CreatePhaseInput{
		ProjectID: "proj_1", CustomerID: "cus_1", ProviderCustomerID: "cus_provider",
		Interval: billing.IntervalMonth, PeriodStart: periodStart,
		Items: []PhaseItemInput{{FeatureSlug: "api-calls", Price: billing.PriceConfig{Model: billing.PricingUsage, UnitAmount: decimal.NewFromInt(1)}}},
	})
	require.NoError(t, err)

	_, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)

	assert.Equal(t, billing.PhaseStatusFinalized, res.To)
	assert.Equal(t, billing.InvoiceStatusPaid, res.InvoiceStatus)
	assert.Equal(t, 0, f.provider.Calls("collect_payment"))
}

func TestPhaseService_InvoiceFailureVoidsPartialInvoice(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.FailOp("add_invoice_item", errors.New("rate limited"))

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPaymentProvider)

	assert.Equal(t, 1, f.provider.Calls("create_invoice"))
	assert.Equal(t, 1, f.provider.Calls("void_invoice"))
	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusActive, stored.Status)
	assert.Nil(t, stored.CurrentInvoiceID)
	invs, err := f.service.Invoices(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, invs)
	assert.Empty(t, f.publisher.transitions())

	assert.Equal(t, 1, stored.VoidedDrafts)

	// a retry opens a fresh invoice instead of replaying the voided draft
	f.provider.FailOp("add_invoice_item", nil)
	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusInvoiced, res.To)
	assert.Equal(t, 2, f.provider.Calls("create_invoice"))
	inv, err := f.invoices.FindByID(ctx, *res.InvoiceID)
	require.NoError(t, err)
	provInv, _, ok := f.provider.Invoice(inv.ProviderInvoiceID)
	require.True(t, ok)
	assert.Equal(t, billing.InvoiceStatusDraft, provInv.Status)
}

func TestPhaseService_InvoiceRetryReusesProviderDraft(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)

	// an earlier attempt reached the provider but never saw the response
	lost, err := f.provider.CreateInvoice(ctx, billing.CreateInvoiceParams{
		CustomerID:     "cus_provider",
		Currency:       "usd",
		IdempotencyKey: fmt.Sprintf("%s:%d:0:create_invoice", p.ID, p.PeriodStart.Unix()),
	})
	require.NoError(t, err)

	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	inv, err := f.invoices.FindByID(ctx, *res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, lost.ID, inv.ProviderInvoiceID, "no second draft is opened")

	_, items, ok := f.provider.Invoice(lost.ID)
	require.True(t, ok)
	assert.Len(t, items, 2)
}

func TestPhaseService_CollectKeysPerAttempt(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)
	f.provider.AttachPaymentMethod("cus_provider", true)
	f.provider.DeclineNext(1)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)
	require.Equal(t, billing.PhaseStatusPastDue, res.To)

	// the second attempt is a new charge, not a replay of the decline
	res, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventCollect)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusFinalized, res.To)
	assert.Equal(t, 2, f.provider.Calls("collect_payment"))
}

func TestPhaseService_RenewStartsUsagePeriod(t *testing.T) {
	periods := &recordingPeriods{}
	f := newBillingFixture(t, defaultUsage(), WithPeriodStarter(periods))
	ctx := context.Background()
	p := f.seed(t, billing.CollectionSendInvoice)

	for _, event := range []billing.PhaseEvent{billing.PhaseEventInvoice, billing.PhaseEventFinalize, billing.PhaseEventRenew} {
		_, err := f.service.Invoke(ctx, p.ID, event)
		require.NoError(t, err, event)
	}

	require.Len(t, periods.calls, 1)
	call := periods.calls[0]
	assert.Equal(t, "proj_1", call.projectID)
	assert.Equal(t, "cus_1", call.customerID)
	assert.ElementsMatch(t, []string{"seats", "api-calls"}, call.slugs)
	assert.True(t, call.start.Equal(p.PeriodEnd))
	assert.True(t, call.end.Equal(p.PeriodEnd.AddDate(0, 1, 0)))
}

func TestPhaseService_RenewFailsWhenUsageCannotReset(t *testing.T) {
	periods := &recordingPeriods{err: errors.New("db down")}
	f := newBillingFixture(t, defaultUsage(), WithPeriodStarter(periods))
	ctx := context.Background()
	p := f.seed(t, billing.CollectionSendInvoice)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	_, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventFinalize)
	require.NoError(t, err)

	_, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventRenew)
	require.Error(t, err)
	stored := f.phases.get(t, p.ID)
	assert.Equal(t, billing.PhaseStatusFinalized, stored.Status)
	assert.True(t, stored.PeriodStart.Equal(p.PeriodStart), "the period does not move")
}

func TestPhaseService_UsageLookupFailure(t *testing.T) {
	f := newBillingFixture(t, fixedUsage{err: errors.New("db down")})
	p := f.seed(t, billing.CollectionChargeAutomatically)

	_, err := f.service.Invoke(context.Background(), p.ID, billing.PhaseEventInvoice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api-calls")
	assert.Equal(t, billing.PhaseStatusActive, f.phases.get(t, p.ID).Status)
}

func TestPhaseService_CancelVoidsOpenInvoice(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)

	res, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
	require.NoError(t, err)
	inv, err := f.invoices.FindByID(ctx, *res.InvoiceID)
	require.NoError(t, err)

	res, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventCancel)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusCanceled, res.To)
	assert.Equal(t, billing.InvoiceStatusVoid, res.InvoiceStatus)

	provInv, _, _ := f.provider.Invoice(inv.ProviderInvoiceID)
	assert.Equal(t, billing.InvoiceStatusVoid, provInv.Status)
	stored := f.phases.get(t, p.ID)
	assert.NotNil(t, stored.CanceledAt)

	_, err = f.service.Invoke(ctx, p.ID, billing.PhaseEventRenew)
	assert.ErrorIs(t, err, shared.ErrMachineFinalState)
}

func TestPhaseService_CancelActiveWithoutInvoice(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	p := f.seed(t, billing.CollectionChargeAutomatically)

	res, err := f.service.Invoke(context.Background(), p.ID, billing.PhaseEventCancel)
	require.NoError(t, err)
	assert.Equal(t, billing.PhaseStatusCanceled, res.To)
	assert.Equal(t, 0, f.provider.Calls("void_invoice"))
}

func TestPhaseService_RejectsInvalidEvents(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)

	_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventRenew)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.service.Invoke(ctx, p.ID, billing.PhaseEvent("REFUND"))
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = f.service.Invoke(ctx, uuid.New(), billing.PhaseEventInvoice)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	assert.Equal(t, billing.PhaseStatusActive, f.phases.get(t, p.ID).Status)
}

func TestPhaseService_SerializesPerPhase(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())
	ctx := context.Background()
	p := f.seed(t, billing.CollectionChargeAutomatically)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Invoke(ctx, p.ID, billing.PhaseEventInvoice)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, shared.ErrInvalidTransition) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, 1, f.provider.Calls("create_invoice"))
}

func TestPhaseService_CreateValidates(t *testing.T) {
	f := newBillingFixture(t, defaultUsage())

	_, err := f.service.Create(context.Background(), CreatePhaseInput{ProjectID: "proj_1", CustomerID: "cus_1", Interval: "week"})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = f.service.Create(context.Background(), CreatePhaseInput{
		ProjectID: "proj_1", CustomerID: "cus_1", Interval: billing.IntervalMonth,
		Items: []PhaseItemInput{{Price: billing.PriceConfig{Model: billing.PricingFlat, FlatAmount: decimal.NewFromInt(1)}}},
	})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestKeyedMutex_ForgetsReleasedKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
