package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// logger for model conversion errors (silent failures are logged for debugging)
var modelLogger = zap.L().Named("billing.models")

// PhaseModel is the persistence model for the billing.Phase aggregate root
type PhaseModel struct {
	ProjectAggregateModel
	CustomerID         string                   `gorm:"type:varchar(128);not null;index"`
	SubscriptionID     string                   `gorm:"type:varchar(128)"`
	ProviderCustomerID string                   `gorm:"type:varchar(128)"`
	Status             billing.PhaseStatus      `gorm:"type:varchar(20);not null;index:idx_billing_phases_due,priority:1"`
	CollectionMethod   billing.CollectionMethod `gorm:"type:varchar(32);not null"`
	Currency           string                   `gorm:"type:varchar(3);not null"`
	Interval           billing.BillingInterval  `gorm:"column:billing_interval;type:varchar(10);not null"`
	PeriodStart        time.Time                `gorm:"not null"`
	PeriodEnd          time.Time                `gorm:"not null;index:idx_billing_phases_due,priority:2"`
	DueDays            int                      `gorm:"not null;default:7"`
	CurrentInvoiceID   *uuid.UUID               `gorm:"type:uuid"`
	PaymentAttempts    int                      `gorm:"not null;default:0"`
	VoidedDrafts       int                      `gorm:"not null;default:0"`
	CanceledAt         *time.Time
	Items              []PhaseItemModel `gorm:"foreignKey:PhaseID;references:ID"`
}

// TableName returns the table name for GORM
func (PhaseModel) TableName() string {
	return "billing_phases"
}

// PhaseItemModel is one priced feature of a phase
type PhaseItemModel struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key"`
	PhaseID     uuid.UUID       `gorm:"type:uuid;not null;index"`
	FeatureSlug string          `gorm:"type:varchar(128);not null"`
	Description string          `gorm:"type:varchar(255)"`
	PriceJSON   string          `gorm:"column:price;type:jsonb;not null"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,4);not null"`
}

// TableName returns the table name for GORM
func (PhaseItemModel) TableName() string {
	return "billing_phase_items"
}

// ToDomain converts the model to a domain Phase
func (m *PhaseModel) ToDomain() *billing.Phase {
	p := &billing.Phase{
		BaseAggregateRoot:  m.Aggregate(),
		ProjectID:          m.ProjectID,
		CustomerID:         m.CustomerID,
		SubscriptionID:     m.SubscriptionID,
		ProviderCustomerID: m.ProviderCustomerID,
		Status:             m.Status,
		CollectionMethod:   m.CollectionMethod,
		Currency:           m.Currency,
		Interval:           m.Interval,
		PeriodStart:        m.PeriodStart,
		PeriodEnd:          m.PeriodEnd,
		DueDays:            m.DueDays,
		CurrentInvoiceID:   m.CurrentInvoiceID,
		PaymentAttempts:    m.PaymentAttempts,
		VoidedDrafts:       m.VoidedDrafts,
		CanceledAt:         m.CanceledAt,
		Items:              make([]billing.PhaseItem, 0, len(m.Items)),
	}
	for _, item := range m.Items {
		p.Items = append(p.Items, item.ToDomain())
	}
	return p
}

// ToDomain converts the item model to a domain PhaseItem
func (m *PhaseItemModel) ToDomain() billing.PhaseItem {
	item := billing.PhaseItem{
		ID:          m.ID,
		FeatureSlug: m.FeatureSlug,
		Description: m.Description,
		Quantity:    m.Quantity,
	}
	if m.PriceJSON != "" {
		if err := json.Unmarshal([]byte(m.PriceJSON), &item.Price); err != nil {
			modelLogger.Warn("failed to parse price JSON",
				zap.String("phase_item_id", m.ID.String()),
				zap.String("raw_json", m.PriceJSON),
				zap.Error(err))
		}
	}
	return item
}

// PhaseModelFromDomain creates a model from a domain Phase, items included
func PhaseModelFromDomain(p *billing.Phase) *PhaseModel {
	m := &PhaseModel{
		CustomerID:         p.CustomerID,
		SubscriptionID:     p.SubscriptionID,
		ProviderCustomerID: p.ProviderCustomerID,
		Status:             p.Status,
		CollectionMethod:   p.CollectionMethod,
		Currency:           p.Currency,
		Interval:           p.Interval,
		PeriodStart:        p.PeriodStart,
		PeriodEnd:          p.PeriodEnd,
		DueDays:            p.DueDays,
		CurrentInvoiceID:   p.CurrentInvoiceID,
		PaymentAttempts:    p.PaymentAttempts,
		VoidedDrafts:       p.VoidedDrafts,
		CanceledAt:         p.CanceledAt,
		Items:              make([]PhaseItemModel, 0, len(p.Items)),
	}
	m.SetAggregate(p.BaseAggregateRoot)
	m.ProjectID = p.ProjectID

	for _, item := range p.Items {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		price, err := json.Marshal(item.Price)
		if err != nil {
			modelLogger.Warn("failed to encode price JSON",
				zap.String("phase_id", p.ID.String()),
				zap.String("feature_slug", item.FeatureSlug),
				zap.Error(err))
			price = []byte("{}")
		}
		m.Items = append(m.Items, PhaseItemModel{
			ID:          id,
			PhaseID:     p.ID,
			FeatureSlug: item.FeatureSlug,
			Description: item.Description,
			PriceJSON:   string(price),
			Quantity:    item.Quantity,
		})
	}
	return m
}

// InvoiceModel is the persistence model for billing.Invoice
type InvoiceModel struct {
	BaseModel
	PhaseID           uuid.UUID                `gorm:"type:uuid;not null;index"`
	ProjectID         string                   `gorm:"type:varchar(64);not null;index"`
	CustomerID        string                   `gorm:"type:varchar(128);not null"`
	ProviderInvoiceID string                   `gorm:"type:varchar(128);index"`
	Status            billing.InvoiceStatus    `gorm:"type:varchar(20);not null"`
	CollectionMethod  billing.CollectionMethod `gorm:"type:varchar(32);not null"`
	Currency          string                   `gorm:"type:varchar(3);not null"`
	Total             decimal.Decimal          `gorm:"type:decimal(18,4);not null"`
	PeriodStart       time.Time                `gorm:"not null"`
	PeriodEnd         time.Time                `gorm:"not null"`
	DueAt             *time.Time
	PaidAt            *time.Time
	HostedURL         string             `gorm:"type:text"`
	PaymentAttempts   int                `gorm:"not null;default:0"`
	Items             []InvoiceItemModel `gorm:"foreignKey:InvoiceID;references:ID"`
}

// TableName returns the table name for GORM
func (InvoiceModel) TableName() string {
	return "invoices"
}

// InvoiceItemModel is a priced line of an invoice
type InvoiceItemModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key"`
	InvoiceID      uuid.UUID       `gorm:"type:uuid;not null;index"`
	FeatureSlug    string          `gorm:"type:varchar(128);not null"`
	Description    string          `gorm:"type:varchar(255)"`
	Quantity       decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	ProviderItemID string          `gorm:"type:varchar(128)"`
}

// TableName returns the table name for GORM
func (InvoiceItemModel) TableName() string {
	return "invoice_items"
}

// ToDomain converts the model to a domain Invoice
func (m *InvoiceModel) ToDomain() *billing.Invoice {
	inv := &billing.Invoice{
		BaseEntity:        m.Entity(),
		PhaseID:           m.PhaseID,
		ProjectID:         m.ProjectID,
		CustomerID:        m.CustomerID,
		ProviderInvoiceID: m.ProviderInvoiceID,
		Status:            m.Status,
		CollectionMethod:  m.CollectionMethod,
		Currency:          m.Currency,
		Total:             m.Total,
		PeriodStart:       m.PeriodStart,
		PeriodEnd:         m.PeriodEnd,
		DueAt:             m.DueAt,
		PaidAt:            m.PaidAt,
		HostedURL:         m.HostedURL,
		PaymentAttempts:   m.PaymentAttempts,
		Items:             make([]billing.InvoiceItem, 0, len(m.Items)),
	}
	for _, item := range m.Items {
		inv.Items = append(inv.Items, billing.InvoiceItem{
			ID:             item.ID,
			FeatureSlug:    item.FeatureSlug,
			Description:    item.Description,
			Quantity:       item.Quantity,
			Amount:         item.Amount,
			ProviderItemID: item.ProviderItemID,
		})
	}
	return inv
}

// InvoiceModelFromDomain creates a model from a domain Invoice, items included
func InvoiceModelFromDomain(inv *billing.Invoice) *InvoiceModel {
	m := &InvoiceModel{
		PhaseID:           inv.PhaseID,
		ProjectID:         inv.ProjectID,
		CustomerID:        inv.CustomerID,
		ProviderInvoiceID: inv.ProviderInvoiceID,
		Status:            inv.Status,
		CollectionMethod:  inv.CollectionMethod,
		Currency:          inv.Currency,
		Total:             inv.Total,
		PeriodStart:       inv.PeriodStart,
		PeriodEnd:         inv.PeriodEnd,
		DueAt:             inv.DueAt,
		PaidAt:            inv.PaidAt,
		HostedURL:         inv.HostedURL,
		PaymentAttempts:   inv.PaymentAttempts,
		Items:             make([]InvoiceItemModel, 0, len(inv.Items)),
	}
	m.SetEntity(inv.BaseEntity)

	for _, item := range inv.Items {
		id := item.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		m.Items = append(m.Items, InvoiceItemModel{
			ID:             id,
			InvoiceID:      inv.ID,
			FeatureSlug:    item.FeatureSlug,
			Description:    item.Description,
			Quantity:       item.Quantity,
			Amount:         item.Amount,
			ProviderItemID: item.ProviderItemID,
		})
	}
	return m
}
