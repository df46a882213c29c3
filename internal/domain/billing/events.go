package billing

import "github.com/metering/backend/internal/domain/shared"

const (
	AggregateTypePhase = "billing_phase"

	EventTypePhaseTransitioned = "billing.phase_transitioned"
)

// PhaseTransitionedEvent is published after a phase changes status
type PhaseTransitionedEvent struct {
	shared.BaseDomainEvent
	CustomerID string      `json:"customer_id"`
	Event      PhaseEvent  `json:"event"`
	From       PhaseStatus `json:"from"`
	To         PhaseStatus `json:"to"`
	InvoiceID  string      `json:"invoice_id,omitempty"`
}

// NewPhaseTransitionedEvent creates a billing.phase_transitioned event
func NewPhaseTransitionedEvent(p *Phase, event PhaseEvent, from, to PhaseStatus) *PhaseTransitionedEvent {
	e := &PhaseTransitionedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypePhaseTransitioned, AggregateTypePhase, p.ID.String(), p.ProjectID),
		CustomerID:      p.CustomerID,
		Event:           event,
		From:            from,
		To:              to,
	}
	if p.CurrentInvoiceID != nil {
		e.InvoiceID = p.CurrentInvoiceID.String()
	}
	return e
}
