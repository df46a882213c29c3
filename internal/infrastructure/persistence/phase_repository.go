package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPhaseRepository implements billing.PhaseRepository using GORM
type GormPhaseRepository struct {
	db *gorm.DB
}

// NewGormPhaseRepository creates a new GormPhaseRepository
func NewGormPhaseRepository(db *gorm.DB) *GormPhaseRepository {
	return &GormPhaseRepository{db: db}
}

// FindByID loads a phase with its items
func (r *GormPhaseRepository) FindByID(ctx context.Context, id uuid.UUID) (*billing.Phase, error) {
	var model models.PhaseModel
	if err := r.db.WithContext(ctx).Preload("Items").First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save writes the phase row and replaces its item set in one transaction
func (r *GormPhaseRepository) Save(ctx context.Context, phase *billing.Phase) error {
	model := models.PhaseModelFromDomain(phase)
	items := model.Items
	model.Items = nil

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(model).Error; err != nil {
			return err
		}
		if err := tx.Where("phase_id = ?", model.ID).Delete(&models.PhaseItemModel{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

// FindPeriodEnded returns active phases whose period ended at or before now,
// earliest first.
func (r *GormPhaseRepository) FindPeriodEnded(ctx context.Context, now time.Time, limit int) ([]*billing.Phase, error) {
	var rows []models.PhaseModel
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ? AND period_end <= ?", billing.PhaseStatusActive, now.UTC()).
		Order("period_end ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return phasesToDomain(rows), nil
}

// FindByStatus returns phases in status, least recently updated first
func (r *GormPhaseRepository) FindByStatus(ctx context.Context, status billing.PhaseStatus, limit int) ([]*billing.Phase, error) {
	var rows []models.PhaseModel
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return phasesToDomain(rows), nil
}

func phasesToDomain(rows []models.PhaseModel) []*billing.Phase {
	out := make([]*billing.Phase, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}

var _ billing.PhaseRepository = (*GormPhaseRepository)(nil)
