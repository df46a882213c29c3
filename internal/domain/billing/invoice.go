package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// InvoiceStatus mirrors the provider lifecycle of an invoice
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// IsSettled reports whether no further payment can be collected
func (s InvoiceStatus) IsSettled() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusVoid
}

// InvoiceItem is a priced line of an invoice
type InvoiceItem struct {
	ID             uuid.UUID
	FeatureSlug    string
	Description    string
	Quantity       decimal.Decimal
	Amount         decimal.Decimal
	ProviderItemID string
}

// Invoice is the local record of a provider invoice for a phase period
type Invoice struct {
	shared.BaseEntity
	PhaseID           uuid.UUID
	ProjectID         string
	CustomerID        string
	ProviderInvoiceID string
	Status            InvoiceStatus
	CollectionMethod  CollectionMethod
	Currency          string
	Total             decimal.Decimal
	Items             []InvoiceItem
	PeriodStart       time.Time
	PeriodEnd         time.Time
	DueAt             *time.Time
	PaidAt            *time.Time
	HostedURL         string
	PaymentAttempts   int
}

// NewInvoice creates a draft invoice for the phase's current period
func NewInvoice(p *Phase) *Invoice {
	return &Invoice{
		BaseEntity:       shared.NewBaseEntity(),
		PhaseID:          p.ID,
		ProjectID:        p.ProjectID,
		CustomerID:       p.CustomerID,
		Status:           InvoiceStatusDraft,
		CollectionMethod: p.CollectionMethod,
		Currency:         p.Currency,
		Total:            decimal.Zero,
		PeriodStart:      p.PeriodStart,
		PeriodEnd:        p.PeriodEnd,
	}
}

// AddItem appends an item and updates the total
func (i *Invoice) AddItem(item InvoiceItem) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	i.Items = append(i.Items, item)
	i.Total = i.Total.Add(item.Amount)
	i.Touch(time.Now())
}

// SyncFrom copies provider state onto the invoice
func (i *Invoice) SyncFrom(pi *ProviderInvoice) {
	i.ProviderInvoiceID = pi.ID
	i.Status = pi.Status
	if pi.HostedURL != "" {
		i.HostedURL = pi.HostedURL
	}
	if pi.DueDate != nil {
		i.DueAt = pi.DueDate
	}
	if pi.Status == InvoiceStatusPaid && i.PaidAt == nil {
		now := time.Now()
		i.PaidAt = &now
	}
	i.Touch(time.Now())
}
