package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/statemachine"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UsageTotals sums recorded usage for metered pricing
type UsageTotals interface {
	SumByFeature(ctx context.Context, projectID, customerID, featureSlug string, from, to time.Time) (float64, error)
}

// TransitionResult describes a completed phase transition
type TransitionResult struct {
	PhaseID       uuid.UUID             `json:"phaseId"`
	Event         billing.PhaseEvent    `json:"event"`
	From          billing.PhaseStatus   `json:"from"`
	To            billing.PhaseStatus   `json:"to"`
	InvoiceID     *uuid.UUID            `json:"invoiceId,omitempty"`
	InvoiceStatus billing.InvoiceStatus `json:"invoiceStatus,omitempty"`
	Total         *decimal.Decimal      `json:"total,omitempty"`
}

// PeriodStarter opens the next usage period of a customer on renewal
type PeriodStarter interface {
	StartPeriod(ctx context.Context, projectID, customerID string, featureSlugs []string, start, end time.Time) error
}

// phaseRun is the payload threaded through one transition
type phaseRun struct {
	phase   *billing.Phase
	invoice *billing.Invoice
}

// key is the provider idempotency key of op. It depends only on the phase,
// its period and the drafts voided so far, so a retried transition whose
// provider response was lost reuses the provider's object.
func (r *phaseRun) key(op string) string {
	p := r.phase
	return fmt.Sprintf("%s:%d:%d:%s", p.ID, p.PeriodStart.Unix(), p.VoidedDrafts, op)
}

func (r *phaseRun) outcome(to billing.PhaseStatus) statemachine.Outcome[billing.PhaseStatus, *TransitionResult] {
	res := &TransitionResult{PhaseID: r.phase.ID, From: r.phase.Status, To: to}
	if r.invoice != nil {
		id := r.invoice.ID
		total := r.invoice.Total
		res.InvoiceID = &id
		res.InvoiceStatus = r.invoice.Status
		res.Total = &total
	}
	return statemachine.Outcome[billing.PhaseStatus, *TransitionResult]{Status: to, Result: res}
}

type (
	phaseMachine    = statemachine.Machine[billing.PhaseStatus, billing.PhaseEvent, *phaseRun, *TransitionResult]
	phaseTransition = statemachine.Transition[billing.PhaseStatus, billing.PhaseEvent, *phaseRun, *TransitionResult]
	phaseOutcome    = statemachine.Outcome[billing.PhaseStatus, *TransitionResult]
)

// phaseHandlers runs the provider side of every billing transition
type phaseHandlers struct {
	provider billing.PaymentProvider
	phases   billing.PhaseRepository
	invoices billing.InvoiceRepository
	usage    UsageTotals
	periods  PeriodStarter
	logger   *zap.Logger
}

// build returns a machine positioned at status
func (h *phaseHandlers) build(status billing.PhaseStatus) (*phaseMachine, error) {
	transitions := []phaseTransition{
		{
			From:         []billing.PhaseStatus{billing.PhaseStatusActive},
			To:           []billing.PhaseStatus{billing.PhaseStatusInvoiced},
			Event:        billing.PhaseEventInvoice,
			OnTransition: h.invoice,
			OnError:      h.voidDraft,
		},
		{
			From:         []billing.PhaseStatus{billing.PhaseStatusInvoiced},
			To:           []billing.PhaseStatus{billing.PhaseStatusFinalized, billing.PhaseStatusPastDue},
			Event:        billing.PhaseEventFinalize,
			OnTransition: h.finalize,
		},
		{
			From:         []billing.PhaseStatus{billing.PhaseStatusPastDue},
			To:           []billing.PhaseStatus{billing.PhaseStatusFinalized, billing.PhaseStatusPastDue},
			Event:        billing.PhaseEventCollect,
			OnTransition: h.retryCollect,
		},
		{
			From:         []billing.PhaseStatus{billing.PhaseStatusFinalized},
			To:           []billing.PhaseStatus{billing.PhaseStatusActive},
			Event:        billing.PhaseEventRenew,
			OnTransition: h.renew,
		},
		{
			From: []billing.PhaseStatus{
				billing.PhaseStatusActive,
				billing.PhaseStatusInvoiced,
				billing.PhaseStatusFinalized,
				billing.PhaseStatusPastDue,
			},
			To:           []billing.PhaseStatus{billing.PhaseStatusCanceled},
			Event:        billing.PhaseEventCancel,
			OnTransition: h.cancel,
		},
	}
	return statemachine.New(status, transitions,
		statemachine.WithFinalStates[billing.PhaseStatus, billing.PhaseEvent, *phaseRun, *TransitionResult](billing.PhaseStatusCanceled))
}

// invoice prices the ended period and opens a provider draft invoice
func (h *phaseHandlers) invoice(ctx context.Context, run *phaseRun) (phaseOutcome, error) {
	p := run.phase
	inv := billing.NewInvoice(p)
	run.invoice = inv

	created, err := h.provider.CreateInvoice(ctx, billing.CreateInvoiceParams{
		CustomerID:       p.ProviderCustomerID,
		Currency:         p.Currency,
		CollectionMethod: p.CollectionMethod,
		DueDays:          p.DueDays,
		Description:      fmt.Sprintf("Usage %s to %s", p.PeriodStart.Format(time.DateOnly), p.PeriodEnd.Format(time.DateOnly)),
		Metadata:         invoiceMetadata(p),
		IdempotencyKey:   run.key("create_invoice"),
	})
	if err != nil {
		return phaseOutcome{}, err
	}
	inv.SyncFrom(created)

	for _, item := range p.Items {
		qty, err := h.quantity(ctx, p, item)
		if err != nil {
			return phaseOutcome{}, err
		}
		amount := item.Price.Amount(qty)
		line, err := h.provider.AddInvoiceItem(ctx, billing.AddInvoiceItemParams{
			InvoiceID:      created.ID,
			CustomerID:     p.ProviderCustomerID,
			Currency:       p.Currency,
			Amount:         billing.ToMinorUnits(amount),
			Description:    itemDescription(item, qty),
			Metadata:       map[string]string{"feature_slug": item.FeatureSlug},
			IdempotencyKey: run.key("item:" + item.ID.String()),
		})
		if err != nil {
			return phaseOutcome{}, err
		}
		inv.AddItem(billing.InvoiceItem{
			FeatureSlug:    item.FeatureSlug,
			Description:    item.Description,
			Quantity:       qty,
			Amount:         amount,
			ProviderItemID: line.ID,
		})
	}

	if err := h.invoices.Save(ctx, inv); err != nil {
		return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
	}
	p.CurrentInvoiceID = &inv.ID

	h.logger.Info("phase invoiced",
		zap.String("phase_id", p.ID.String()),
		zap.String("provider_invoice_id", inv.ProviderInvoiceID),
		zap.String("total", inv.Total.String()),
		zap.Int("items", len(inv.Items)))
	return run.outcome(billing.PhaseStatusInvoiced), nil
}

// voidDraft cleans up a provider invoice left behind by a failed INVOICE
func (h *phaseHandlers) voidDraft(ctx context.Context, run *phaseRun, cause error) {
	if run.invoice == nil || run.invoice.ProviderInvoiceID == "" {
		return
	}
	// the caller's context may be the reason we failed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := h.provider.VoidInvoice(ctx, run.invoice.ProviderInvoiceID); err != nil {
		h.logger.Error("failed to void partial invoice",
			zap.String("phase_id", run.phase.ID.String()),
			zap.String("provider_invoice_id", run.invoice.ProviderInvoiceID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}

	// the next INVOICE must not replay the voided draft
	p := run.phase
	p.VoidedDrafts++
	if err := h.phases.Save(ctx, p); err != nil {
		h.logger.Error("failed to record voided draft",
			zap.String("phase_id", p.ID.String()),
			zap.Error(err))
	}
	h.logger.Warn("voided partial invoice",
		zap.String("phase_id", p.ID.String()),
		zap.String("provider_invoice_id", run.invoice.ProviderInvoiceID),
		zap.Int("voided_drafts", p.VoidedDrafts),
		zap.NamedError("cause", cause))
}

// finalize locks the invoice and starts collection
func (h *phaseHandlers) finalize(ctx context.Context, run *phaseRun) (phaseOutcome, error) {
	inv, err := h.current(ctx, run)
	if err != nil {
		return phaseOutcome{}, err
	}

	// a previous attempt may have finalized before collection failed
	if inv.Status == billing.InvoiceStatusDraft {
		finalized, err := h.provider.FinalizeInvoice(ctx, inv.ProviderInvoiceID)
		if err != nil {
			return phaseOutcome{}, err
		}
		inv.SyncFrom(finalized)
		if err := h.invoices.Save(ctx, inv); err != nil {
			return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
		}
	}

	if inv.Status.IsSettled() {
		return run.outcome(billing.PhaseStatusFinalized), nil
	}

	if run.phase.CollectionMethod == billing.CollectionSendInvoice {
		sent, err := h.provider.SendInvoice(ctx, inv.ProviderInvoiceID)
		if err != nil {
			return phaseOutcome{}, err
		}
		inv.SyncFrom(sent)
		if err := h.invoices.Save(ctx, inv); err != nil {
			return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
		}
		return run.outcome(billing.PhaseStatusFinalized), nil
	}

	return h.collect(ctx, run, inv)
}

// retryCollect re-reads the invoice and charges again when still unpaid
func (h *phaseHandlers) retryCollect(ctx context.Context, run *phaseRun) (phaseOutcome, error) {
	inv, err := h.current(ctx, run)
	if err != nil {
		return phaseOutcome{}, err
	}

	latest, err := h.provider.GetInvoiceStatus(ctx, inv.ProviderInvoiceID)
	if err != nil {
		return phaseOutcome{}, err
	}
	inv.SyncFrom(latest)

	switch inv.Status {
	case billing.InvoiceStatusPaid:
		if err := h.invoices.Save(ctx, inv); err != nil {
			return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
		}
		return run.outcome(billing.PhaseStatusFinalized), nil
	case billing.InvoiceStatusOpen:
		return h.collect(ctx, run, inv)
	}

	// void or uncollectible invoices need an operator
	if err := h.invoices.Save(ctx, inv); err != nil {
		return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
	}
	return run.outcome(billing.PhaseStatusPastDue), nil
}

// collect charges the default payment method. Declines land in past_due.
func (h *phaseHandlers) collect(ctx context.Context, run *phaseRun, inv *billing.Invoice) (phaseOutcome, error) {
	p := run.phase
	pm, err := h.provider.GetDefaultPaymentMethod(ctx, p.ProviderCustomerID)
	if err != nil {
		return phaseOutcome{}, err
	}
	var pmID string
	if pm != nil {
		pmID = pm.ID
	}

	p.PaymentAttempts++
	inv.PaymentAttempts++

	paid, err := h.provider.CollectPayment(ctx, billing.CollectPaymentParams{
		InvoiceID:       inv.ProviderInvoiceID,
		PaymentMethodID: pmID,
		IdempotencyKey:  run.key(fmt.Sprintf("collect:%d", p.PaymentAttempts)),
	})
	if err != nil {
		if !billing.IsDeclined(err) {
			return phaseOutcome{}, err
		}
		h.logger.Warn("payment declined",
			zap.String("phase_id", p.ID.String()),
			zap.String("provider_invoice_id", inv.ProviderInvoiceID),
			zap.Int("attempts", p.PaymentAttempts),
			zap.Error(err))
		if err := h.invoices.Save(ctx, inv); err != nil {
			return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
		}
		return run.outcome(billing.PhaseStatusPastDue), nil
	}

	inv.SyncFrom(paid)
	if err := h.invoices.Save(ctx, inv); err != nil {
		return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
	}
	return run.outcome(billing.PhaseStatusFinalized), nil
}

// renew moves the phase into its next period and restarts the customer's
// usage of every billed feature
func (h *phaseHandlers) renew(ctx context.Context, run *phaseRun) (phaseOutcome, error) {
	out := run.outcome(billing.PhaseStatusActive)
	p := run.phase
	p.AdvancePeriod()

	if h.periods != nil {
		slugs := make([]string, 0, len(p.Items))
		for _, item := range p.Items {
			slugs = append(slugs, item.FeatureSlug)
		}
		if err := h.periods.StartPeriod(ctx, p.ProjectID, p.CustomerID, slugs, p.PeriodStart, p.PeriodEnd); err != nil {
			return phaseOutcome{}, fmt.Errorf("start usage period: %w", err)
		}
	}
	return out, nil
}

// cancel voids the current invoice unless it is already settled
func (h *phaseHandlers) cancel(ctx context.Context, run *phaseRun) (phaseOutcome, error) {
	if run.phase.CurrentInvoiceID == nil {
		return run.outcome(billing.PhaseStatusCanceled), nil
	}
	inv, err := h.current(ctx, run)
	if err != nil {
		return phaseOutcome{}, err
	}
	if !inv.Status.IsSettled() && inv.ProviderInvoiceID != "" {
		voided, err := h.provider.VoidInvoice(ctx, inv.ProviderInvoiceID)
		if err != nil {
			return phaseOutcome{}, err
		}
		inv.SyncFrom(voided)
		if err := h.invoices.Save(ctx, inv); err != nil {
			return phaseOutcome{}, fmt.Errorf("save invoice: %w", err)
		}
	}
	return run.outcome(billing.PhaseStatusCanceled), nil
}

func (h *phaseHandlers) current(ctx context.Context, run *phaseRun) (*billing.Invoice, error) {
	if run.invoice != nil {
		return run.invoice, nil
	}
	if run.phase.CurrentInvoiceID == nil {
		return nil, fmt.Errorf("phase %s has no current invoice", run.phase.ID)
	}
	inv, err := h.invoices.FindByID(ctx, *run.phase.CurrentInvoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	run.invoice = inv
	return inv, nil
}

// quantity is the recorded usage for metered items and the fixed quantity otherwise
func (h *phaseHandlers) quantity(ctx context.Context, p *billing.Phase, item billing.PhaseItem) (decimal.Decimal, error) {
	if !item.IsMetered() {
		if item.Quantity.IsZero() {
			return decimal.NewFromInt(1), nil
		}
		return item.Quantity, nil
	}
	total, err := h.usage.SumByFeature(ctx, p.ProjectID, p.CustomerID, item.FeatureSlug, p.PeriodStart, p.PeriodEnd)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum usage for %s: %w", item.FeatureSlug, err)
	}
	return decimal.NewFromFloat(total), nil
}

func invoiceMetadata(p *billing.Phase) map[string]string {
	return map[string]string{
		"phase_id":    p.ID.String(),
		"project_id":  p.ProjectID,
		"customer_id": p.CustomerID,
	}
}

func itemDescription(item billing.PhaseItem, qty decimal.Decimal) string {
	desc := item.Description
	if desc == "" {
		desc = item.FeatureSlug
	}
	if item.IsMetered() {
		return fmt.Sprintf("%s (%s units)", desc, qty.String())
	}
	return desc
}
