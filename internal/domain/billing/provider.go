package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metering/backend/internal/domain/shared"
)

// PaymentProvider is the port to an external payment processor.
// Every failure is returned as a *ProviderError.
type PaymentProvider interface {
	Name() string

	CreateSession(ctx context.Context, params SessionParams) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	CreateInvoice(ctx context.Context, params CreateInvoiceParams) (*ProviderInvoice, error)
	UpdateInvoice(ctx context.Context, invoiceID string, params UpdateInvoiceParams) (*ProviderInvoice, error)
	AddInvoiceItem(ctx context.Context, params AddInvoiceItemParams) (*ProviderInvoiceItem, error)
	FinalizeInvoice(ctx context.Context, invoiceID string) (*ProviderInvoice, error)
	SendInvoice(ctx context.Context, invoiceID string) (*ProviderInvoice, error)
	CollectPayment(ctx context.Context, params CollectPaymentParams) (*ProviderInvoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (*ProviderInvoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) (*ProviderInvoice, error)

	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	// GetDefaultPaymentMethod returns nil without error when none is set
	GetDefaultPaymentMethod(ctx context.Context, customerID string) (*PaymentMethod, error)
}

// SessionParams starts a hosted checkout to collect a payment method
type SessionParams struct {
	CustomerID string
	Currency   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Session is a hosted checkout session
type Session struct {
	ID            string
	URL           string
	CustomerID    string
	Status        string
	PaymentStatus string
	ExpiresAt     time.Time
}

// CreateInvoiceParams opens a draft invoice
type CreateInvoiceParams struct {
	CustomerID       string
	Currency         string
	CollectionMethod CollectionMethod
	DueDays          int
	Description      string
	Metadata         map[string]string
	IdempotencyKey   string
}

// UpdateInvoiceParams changes a draft invoice
type UpdateInvoiceParams struct {
	Description *string
	DueDate     *time.Time
	Metadata    map[string]string
}

// AddInvoiceItemParams adds a line to a draft invoice. Amount is in minor units.
type AddInvoiceItemParams struct {
	InvoiceID      string
	CustomerID     string
	Currency       string
	Amount         int64
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// CollectPaymentParams pays an open invoice with a payment method
type CollectPaymentParams struct {
	InvoiceID       string
	PaymentMethodID string
	IdempotencyKey  string
}

// ProviderInvoice is the provider's view of an invoice. Amounts are in minor units.
type ProviderInvoice struct {
	ID         string
	CustomerID string
	Status     InvoiceStatus
	Currency   string
	Total      int64
	AmountDue  int64
	AmountPaid int64
	HostedURL  string
	DueDate    *time.Time
}

// ProviderInvoiceItem is a line created on a provider invoice
type ProviderInvoiceItem struct {
	ID        string
	InvoiceID string
	Amount    int64
}

// PaymentMethod is a stored payment instrument
type PaymentMethod struct {
	ID       string
	Type     string
	Brand    string
	Last4    string
	ExpMonth int64
	ExpYear  int64
}

// ProviderError wraps any failure reported by a payment provider
type ProviderError struct {
	Provider string
	Op       string
	Code     string
	Declined bool
	Err      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s failed", e.Provider, e.Op)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the provider's own error
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches shared.ErrPaymentProvider
func (e *ProviderError) Is(target error) bool {
	var de *shared.DomainError
	if errors.As(target, &de) {
		return de.Code == shared.CodePaymentProviderError
	}
	return false
}

// NewProviderError builds a ProviderError
func NewProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// IsDeclined reports whether err is a payment decline
func IsDeclined(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Declined
}
