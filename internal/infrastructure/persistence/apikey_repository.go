package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/metering/backend/internal/domain/apikey"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormAPIKeyRepository implements apikey.Repository using GORM
type GormAPIKeyRepository struct {
	db *gorm.DB
}

// NewGormAPIKeyRepository creates a new GormAPIKeyRepository
func NewGormAPIKeyRepository(db *gorm.DB) *GormAPIKeyRepository {
	return &GormAPIKeyRepository{db: db}
}

// FindByHash finds a key by the hash of its secret
func (r *GormAPIKeyRepository) FindByHash(ctx context.Context, hash string) (*apikey.APIKey, error) {
	var model models.APIKeyModel
	if err := r.db.WithContext(ctx).First(&model, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Save creates or updates a key
func (r *GormAPIKeyRepository) Save(ctx context.Context, key *apikey.APIKey) error {
	return r.db.WithContext(ctx).Save(models.APIKeyModelFromDomain(key)).Error
}

// TouchLastUsed records the last time a key authenticated a request
func (r *GormAPIKeyRepository) TouchLastUsed(ctx context.Context, hash string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.APIKeyModel{}).
		Where("hash = ?", hash).
		UpdateColumn("last_used_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ apikey.Repository = (*GormAPIKeyRepository)(nil)
