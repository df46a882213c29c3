package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/usage"
)

// UsageRecordModel is the persistence model for usage.Record.
// Rows are insert-only.
type UsageRecordModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key"`
	ProjectID          string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_records_idempotence,priority:1;index:idx_usage_records_feature,priority:1"`
	CustomerID         string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_usage_records_idempotence,priority:2;index:idx_usage_records_feature,priority:2"`
	FeatureSlug        string    `gorm:"type:varchar(128);not null;index:idx_usage_records_feature,priority:3"`
	EntitlementID      string    `gorm:"type:varchar(64)"`
	SubscriptionItemID string    `gorm:"type:varchar(128)"`
	Amount             float64   `gorm:"not null"`
	IdempotenceKey     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_usage_records_idempotence,priority:3"`
	RecordedAt         time.Time `gorm:"not null;index:idx_usage_records_feature,priority:4"`
	CreatedAt          time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (UsageRecordModel) TableName() string {
	return "usage_records"
}

// ToDomain converts the model to a domain Record
func (m *UsageRecordModel) ToDomain() *usage.Record {
	return &usage.Record{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		CustomerID:         m.CustomerID,
		FeatureSlug:        m.FeatureSlug,
		EntitlementID:      m.EntitlementID,
		SubscriptionItemID: m.SubscriptionItemID,
		Usage:              m.Amount,
		IdempotenceKey:     m.IdempotenceKey,
		RecordedAt:         m.RecordedAt,
	}
}

// UsageRecordModelFromDomain creates a model from a domain Record
func UsageRecordModelFromDomain(r *usage.Record) *UsageRecordModel {
	id := r.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &UsageRecordModel{
		ID:                 id,
		ProjectID:          r.ProjectID,
		CustomerID:         r.CustomerID,
		FeatureSlug:        r.FeatureSlug,
		EntitlementID:      r.EntitlementID,
		SubscriptionItemID: r.SubscriptionItemID,
		Amount:             r.Usage,
		IdempotenceKey:     r.IdempotenceKey,
		RecordedAt:         r.RecordedAt.UTC(),
	}
}
