package models

import (
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
)

// EntitlementModel is the persistence model for entitlement.Snapshot.
// (project_id, customer_id, feature_slug) is unique.
type EntitlementModel struct {
	ID                 string                  `gorm:"type:varchar(64);primary_key"`
	ProjectID          string                  `gorm:"type:varchar(64);not null;uniqueIndex:idx_entitlements_customer_feature,priority:1"`
	CustomerID         string                  `gorm:"type:varchar(128);not null;uniqueIndex:idx_entitlements_customer_feature,priority:2"`
	FeatureSlug        string                  `gorm:"type:varchar(128);not null;uniqueIndex:idx_entitlements_customer_feature,priority:3"`
	FeatureType        entitlement.FeatureType `gorm:"type:varchar(20);not null"`
	SubscriptionItemID string                  `gorm:"type:varchar(128)"`
	Limit              *float64                `gorm:"column:usage_limit"`
	Units              *float64
	CurrentUsage       float64 `gorm:"not null;default:0"`
	NotifyUsage        bool    `gorm:"not null;default:false"`
	Internal           bool    `gorm:"not null;default:false"`
	ValidFrom          time.Time
	ValidTo            *time.Time
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (EntitlementModel) TableName() string {
	return "entitlements"
}

// ToDomain converts the model to a domain Snapshot
func (m *EntitlementModel) ToDomain() *entitlement.Snapshot {
	return &entitlement.Snapshot{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		CustomerID:         m.CustomerID,
		FeatureSlug:        m.FeatureSlug,
		FeatureType:        m.FeatureType,
		SubscriptionItemID: m.SubscriptionItemID,
		Limit:              m.Limit,
		Units:              m.Units,
		Usage:              m.CurrentUsage,
		NotifyUsage:        m.NotifyUsage,
		Internal:           m.Internal,
		ValidFrom:          m.ValidFrom,
		ValidTo:            m.ValidTo,
		UpdatedAt:          m.UpdatedAt,
	}
}

// EntitlementModelFromDomain creates a model from a domain Snapshot
func EntitlementModelFromDomain(s *entitlement.Snapshot) *EntitlementModel {
	return &EntitlementModel{
		ID:                 s.ID,
		ProjectID:          s.ProjectID,
		CustomerID:         s.CustomerID,
		FeatureSlug:        s.FeatureSlug,
		FeatureType:        s.FeatureType,
		SubscriptionItemID: s.SubscriptionItemID,
		Limit:              s.Limit,
		Units:              s.Units,
		CurrentUsage:       s.Usage,
		NotifyUsage:        s.NotifyUsage,
		Internal:           s.Internal,
		ValidFrom:          s.ValidFrom,
		ValidTo:            s.ValidTo,
		UpdatedAt:          s.UpdatedAt,
	}
}
