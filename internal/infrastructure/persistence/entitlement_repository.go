package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormEntitlementRepository implements entitlement.Repository using GORM
type GormEntitlementRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormEntitlementRepository creates a new GormEntitlementRepository
func NewGormEntitlementRepository(db *gorm.DB) *GormEntitlementRepository {
	return &GormEntitlementRepository{db: db, now: time.Now}
}

// FindByFeature returns the entitlement of a customer for a feature when it
// covers the current time.
func (r *GormEntitlementRepository) FindByFeature(ctx context.Context, projectID, customerID, featureSlug string) (*entitlement.Snapshot, error) {
	var model models.EntitlementModel
	if err := r.db.WithContext(ctx).
		Scopes(CustomerFeature(projectID, customerID, featureSlug)).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}

	snap := model.ToDomain()
	if !snap.IsActiveAt(r.now()) {
		return nil, shared.ErrNotFound
	}
	return snap, nil
}

// FindByCustomer returns every active entitlement of a customer
func (r *GormEntitlementRepository) FindByCustomer(ctx context.Context, projectID, customerID string) ([]*entitlement.Snapshot, error) {
	var rows []models.EntitlementModel
	if err := r.db.WithContext(ctx).
		Scopes(Customer(projectID, customerID)).
		Order("feature_slug ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]*entitlement.Snapshot, 0, len(rows))
	for i := range rows {
		snap := rows[i].ToDomain()
		if snap.IsActiveAt(now) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Save creates or replaces the entitlement for (project, customer, feature).
// On replace the stored id is kept.
func (r *GormEntitlementRepository) Save(ctx context.Context, s *entitlement.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	model := models.EntitlementModelFromDomain(s)
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = r.now()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = model.UpdatedAt
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "customer_id"}, {Name: "feature_slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"feature_type", "subscription_item_id", "usage_limit", "units", "current_usage",
			"notify_usage", "internal", "valid_from", "valid_to", "updated_at",
		}),
	}).Create(model).Error
}

// IncrementUsage adds delta to the stored usage of an entitlement whose
// current period had started by at. Usage recorded before a period reset
// never lands in the new period.
func (r *GormEntitlementRepository) IncrementUsage(ctx context.Context, projectID, customerID, featureSlug string, delta float64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.EntitlementModel{}).
		Scopes(CustomerFeature(projectID, customerID, featureSlug)).
		Where("valid_from <= ?", at.UTC()).
		UpdateColumns(map[string]any{
			"current_usage": gorm.Expr("current_usage + ?", delta),
			"updated_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ResetPeriod zeroes the usage of an entitlement and moves its validity to
// start. An entitlement with an end date is moved to end; an open-ended one
// stays open-ended.
func (r *GormEntitlementRepository) ResetPeriod(ctx context.Context, projectID, customerID, featureSlug string, start, end time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.EntitlementModel{}).
		Scopes(CustomerFeature(projectID, customerID, featureSlug)).
		UpdateColumns(map[string]any{
			"current_usage": 0,
			"valid_from":    start.UTC(),
			"valid_to":      gorm.Expr("CASE WHEN valid_to IS NULL THEN NULL ELSE ? END", end.UTC()),
			"updated_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ entitlement.Repository = (*GormEntitlementRepository)(nil)
