package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PhaseStatus is the billing state of a phase
type PhaseStatus string

const (
	PhaseStatusActive    PhaseStatus = "active"
	PhaseStatusInvoiced  PhaseStatus = "invoiced"
	PhaseStatusFinalized PhaseStatus = "finalized"
	PhaseStatusPastDue   PhaseStatus = "past_due"
	PhaseStatusCanceled  PhaseStatus = "canceled"
)

// IsValid returns true if the status is known
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhaseStatusActive, PhaseStatusInvoiced, PhaseStatusFinalized, PhaseStatusPastDue, PhaseStatusCanceled:
		return true
	}
	return false
}

// IsFinal reports whether no transition leaves s
func (s PhaseStatus) IsFinal() bool {
	return s == PhaseStatusCanceled
}

// PhaseEvent drives the billing state machine
type PhaseEvent string

const (
	PhaseEventInvoice  PhaseEvent = "INVOICE"
	PhaseEventFinalize PhaseEvent = "FINALIZE"
	PhaseEventCollect  PhaseEvent = "COLLECT"
	PhaseEventRenew    PhaseEvent = "RENEW"
	PhaseEventCancel   PhaseEvent = "CANCEL"
)

// IsValid returns true if the event is known
func (e PhaseEvent) IsValid() bool {
	switch e {
	case PhaseEventInvoice, PhaseEventFinalize, PhaseEventCollect, PhaseEventRenew, PhaseEventCancel:
		return true
	}
	return false
}

// CollectionMethod is how an invoice gets paid
type CollectionMethod string

const (
	CollectionChargeAutomatically CollectionMethod = "charge_automatically"
	CollectionSendInvoice         CollectionMethod = "send_invoice"
)

// BillingInterval is the length of a phase period
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// PhaseItem is one priced feature of a phase
type PhaseItem struct {
	ID          uuid.UUID
	FeatureSlug string
	Description string
	Price       PriceConfig
	// Quantity is the billed quantity for flat items; metered items are
	// billed on recorded usage.
	Quantity decimal.Decimal
}

// IsMetered reports whether the item is billed on recorded usage
func (i PhaseItem) IsMetered() bool {
	return i.Price.Model != PricingFlat
}

// Phase is one billing period of a customer subscription
type Phase struct {
	shared.BaseAggregateRoot
	ProjectID          string
	CustomerID         string
	SubscriptionID     string
	ProviderCustomerID string
	Status             PhaseStatus
	CollectionMethod   CollectionMethod
	Currency           string
	Interval           BillingInterval
	PeriodStart        time.Time
	PeriodEnd          time.Time
	DueDays            int
	Items              []PhaseItem
	CurrentInvoiceID   *uuid.UUID
	PaymentAttempts    int
	// VoidedDrafts counts provider drafts voided after a failed INVOICE in
	// the current period
	VoidedDrafts int
	CanceledAt   *time.Time
}

// NewPhase creates an active phase whose first period starts at start
func NewPhase(projectID, customerID, providerCustomerID string, interval BillingInterval, start time.Time, items []PhaseItem) (*Phase, error) {
	if projectID == "" || customerID == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "phase requires project and customer")
	}
	if interval != IntervalMonth && interval != IntervalYear {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, fmt.Sprintf("invalid billing interval %q", interval))
	}
	for _, item := range items {
		if err := item.Price.Validate(); err != nil {
			return nil, err
		}
	}

	p := &Phase{
		BaseAggregateRoot:  shared.NewBaseAggregateRoot(),
		ProjectID:          projectID,
		CustomerID:         customerID,
		ProviderCustomerID: providerCustomerID,
		Status:             PhaseStatusActive,
		CollectionMethod:   CollectionChargeAutomatically,
		Currency:           "usd",
		Interval:           interval,
		PeriodStart:        start,
		PeriodEnd:          addInterval(start, interval),
		DueDays:            7,
		Items:              items,
	}
	return p, nil
}

// PeriodEnded reports whether the current period is over at now
func (p *Phase) PeriodEnded(now time.Time) bool {
	return !now.Before(p.PeriodEnd)
}

// AdvancePeriod moves the phase to the next period and clears the
// per-period invoice state.
func (p *Phase) AdvancePeriod() {
	p.PeriodStart = p.PeriodEnd
	p.PeriodEnd = addInterval(p.PeriodStart, p.Interval)
	p.CurrentInvoiceID = nil
	p.PaymentAttempts = 0
	p.VoidedDrafts = 0
	p.Touch(time.Now())
}

// ApplyTransition records a status change and its domain event
func (p *Phase) ApplyTransition(event PhaseEvent, from, to PhaseStatus) {
	p.Status = to
	p.Touch(time.Now())
	if to == PhaseStatusCanceled {
		now := p.UpdatedAt
		p.CanceledAt = &now
	}
	p.IncrementVersion()
	p.AddDomainEvent(NewPhaseTransitionedEvent(p, event, from, to))
}

func addInterval(t time.Time, interval BillingInterval) time.Time {
	if interval == IntervalYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
