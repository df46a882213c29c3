package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
)

// BaseModel is the id and timestamps of a stored entity
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (m *BaseModel) Entity() shared.BaseEntity {
	return shared.BaseEntity{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func (m *BaseModel) SetEntity(e shared.BaseEntity) {
	m.ID, m.CreatedAt, m.UpdatedAt = e.ID, e.CreatedAt, e.UpdatedAt
}

// ProjectAggregateModel adds the optimistic-lock version and the owning
// project to BaseModel. Billing phases are the only aggregate.
type ProjectAggregateModel struct {
	BaseModel
	Version   int    `gorm:"not null;default:1"`
	ProjectID string `gorm:"type:varchar(64);not null;index"`
}

// Aggregate returns the domain root with an empty event queue
func (m *ProjectAggregateModel) Aggregate() shared.BaseAggregateRoot {
	return shared.BaseAggregateRoot{BaseEntity: m.Entity(), Version: m.Version}
}

func (m *ProjectAggregateModel) SetAggregate(a shared.BaseAggregateRoot) {
	m.SetEntity(a.BaseEntity)
	m.Version = a.Version
}

// All returns every migrated model, parents before children
func All() []any {
	return []any{
		&APIKeyModel{},
		&EntitlementModel{},
		&UsageRecordModel{},
		&PhaseModel{},
		&PhaseItemModel{},
		&InvoiceModel{},
		&InvoiceItemModel{},
	}
}
