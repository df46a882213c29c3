package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PhaseRepository persists billing phases
type PhaseRepository interface {
	// FindByID returns the phase or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*Phase, error)

	// Save creates or updates a phase and its items
	Save(ctx context.Context, phase *Phase) error

	// FindPeriodEnded returns active phases whose period ended at or before now
	FindPeriodEnded(ctx context.Context, now time.Time, limit int) ([]*Phase, error)

	// FindByStatus returns phases in status, oldest update first
	FindByStatus(ctx context.Context, status PhaseStatus, limit int) ([]*Phase, error)
}

// InvoiceRepository persists invoices
type InvoiceRepository interface {
	// FindByID returns the invoice or shared.ErrNotFound
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)

	// Save creates or updates an invoice and its items
	Save(ctx context.Context, invoice *Invoice) error

	// FindByPhase returns the invoices of a phase, newest first
	FindByPhase(ctx context.Context, phaseID uuid.UUID) ([]*Invoice, error)
}
