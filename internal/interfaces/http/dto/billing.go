package dto

import (
	"time"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/shopspring/decimal"
)

// TransitionRequest invokes a billing phase event
type TransitionRequest struct {
	Event string `json:"event" binding:"required,oneof=INVOICE FINALIZE COLLECT RENEW CANCEL"`
}

// CreatePhaseRequest opens a billing phase for a customer
type CreatePhaseRequest struct {
	CustomerID         string             `json:"customerId" binding:"required,max=128"`
	SubscriptionID     string             `json:"subscriptionId"`
	ProviderCustomerID string             `json:"providerCustomerId" binding:"required"`
	Interval           string             `json:"interval" binding:"required,oneof=month year"`
	CollectionMethod   string             `json:"collectionMethod" binding:"omitempty,oneof=charge_automatically send_invoice"`
	Currency           string             `json:"currency" binding:"omitempty,len=3"`
	DueDays            int                `json:"dueDays" binding:"omitempty,min=1,max=90"`
	PeriodStart        *time.Time         `json:"periodStart"`
	Items              []PhaseItemRequest `json:"items" binding:"required,min=1,dive"`
}

// PhaseItemRequest is one priced feature of a new phase
type PhaseItemRequest struct {
	FeatureSlug string              `json:"featureSlug" binding:"required,max=128,slug"`
	Description string              `json:"description"`
	Price       billing.PriceConfig `json:"price"`
	Quantity    decimal.Decimal     `json:"quantity"`
}

// PhaseResponse is a billing phase
type PhaseResponse struct {
	ID                 string              `json:"id"`
	CustomerID         string              `json:"customerId"`
	SubscriptionID     string              `json:"subscriptionId,omitempty"`
	Status             billing.PhaseStatus `json:"status"`
	CollectionMethod   string              `json:"collectionMethod"`
	Currency           string              `json:"currency"`
	Interval           string              `json:"interval"`
	PeriodStart        time.Time           `json:"periodStart"`
	PeriodEnd          time.Time           `json:"periodEnd"`
	CurrentInvoiceID   string              `json:"currentInvoiceId,omitempty"`
	PaymentAttempts    int                 `json:"paymentAttempts"`
	CanceledAt         *time.Time          `json:"canceledAt,omitempty"`
	Items              []PhaseItemResponse `json:"items"`
	ProviderCustomerID string              `json:"providerCustomerId"`
}

// PhaseItemResponse is a priced feature of a phase
type PhaseItemResponse struct {
	ID          string              `json:"id"`
	FeatureSlug string              `json:"featureSlug"`
	Description string              `json:"description,omitempty"`
	Price       billing.PriceConfig `json:"price"`
	Quantity    decimal.Decimal     `json:"quantity"`
}

// NewPhaseResponse maps a phase for the wire
func NewPhaseResponse(p *billing.Phase) PhaseResponse {
	out := PhaseResponse{
		ID:                 p.ID.String(),
		CustomerID:         p.CustomerID,
		SubscriptionID:     p.SubscriptionID,
		Status:             p.Status,
		CollectionMethod:   string(p.CollectionMethod),
		Currency:           p.Currency,
		Interval:           string(p.Interval),
		PeriodStart:        p.PeriodStart,
		PeriodEnd:          p.PeriodEnd,
		PaymentAttempts:    p.PaymentAttempts,
		CanceledAt:         p.CanceledAt,
		ProviderCustomerID: p.ProviderCustomerID,
		Items:              make([]PhaseItemResponse, 0, len(p.Items)),
	}
	if p.CurrentInvoiceID != nil {
		out.CurrentInvoiceID = p.CurrentInvoiceID.String()
	}
	for _, it := range p.Items {
		out.Items = append(out.Items, PhaseItemResponse{
			ID:          it.ID.String(),
			FeatureSlug: it.FeatureSlug,
			Description: it.Description,
			Price:       it.Price,
			Quantity:    it.Quantity,
		})
	}
	return out
}

// InvoiceResponse is a local invoice record
type InvoiceResponse struct {
	ID                string                `json:"id"`
	ProviderInvoiceID string                `json:"providerInvoiceId"`
	Status            billing.InvoiceStatus `json:"status"`
	Currency          string                `json:"currency"`
	Total             decimal.Decimal       `json:"total"`
	PeriodStart       time.Time             `json:"periodStart"`
	PeriodEnd         time.Time             `json:"periodEnd"`
	DueAt             *time.Time            `json:"dueAt,omitempty"`
	PaidAt            *time.Time            `json:"paidAt,omitempty"`
	HostedURL         string                `json:"hostedUrl,omitempty"`
	PaymentAttempts   int                   `json:"paymentAttempts"`
}

// NewInvoiceResponses maps invoices for the wire
func NewInvoiceResponses(invs []*billing.Invoice) []InvoiceResponse {
	out := make([]InvoiceResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, InvoiceResponse{
			ID:                inv.ID.String(),
			ProviderInvoiceID: inv.ProviderInvoiceID,
			Status:            inv.Status,
			Currency:          inv.Currency,
			Total:             inv.Total,
			PeriodStart:       inv.PeriodStart,
			PeriodEnd:         inv.PeriodEnd,
			DueAt:             inv.DueAt,
			PaidAt:            inv.PaidAt,
			HostedURL:         inv.HostedURL,
			PaymentAttempts:   inv.PaymentAttempts,
		})
	}
	return out
}
