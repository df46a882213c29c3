package persistence

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormUsageRecordRepository implements usage.RecordRepository using GORM
type GormUsageRecordRepository struct {
	db        *gorm.DB
	batchSize int
}

// NewGormUsageRecordRepository creates a new GormUsageRecordRepository.
// batchSize bounds the rows written per transaction.
func NewGormUsageRecordRepository(db *gorm.DB, batchSize int) *GormUsageRecordRepository {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &GormUsageRecordRepository{db: db, batchSize: batchSize}
}

// SaveBatch inserts records in transactions of batchSize rows. Rows whose
// (project_id, customer_id, idempotence_key) already exists are skipped.
// Each new row adds its usage to the matching entitlement inside the same
// transaction, so a chunk is either fully counted or not written at all.
// Only the records actually written are returned.
func (r *GormUsageRecordRepository) SaveBatch(ctx context.Context, records []*usage.Record) ([]*usage.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}

	inserted := make([]*usage.Record, 0, len(records))
	for chunk := range slices.Chunk(records, r.batchSize) {
		var written []*usage.Record
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			entitlements := NewGormEntitlementRepository(tx)
			for _, rec := range chunk {
				result := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "project_id"}, {Name: "customer_id"}, {Name: "idempotence_key"}},
					DoNothing: true,
				}).Create(models.UsageRecordModelFromDomain(rec))
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					continue
				}
				// a record without a current entitlement is kept for invoicing only
				err := entitlements.IncrementUsage(ctx, rec.ProjectID, rec.CustomerID, rec.FeatureSlug, rec.Usage, rec.RecordedAt)
				if err != nil && !errors.Is(err, shared.ErrNotFound) {
					return err
				}
				written = append(written, rec)
			}
			return nil
		})
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, written...)
	}
	return inserted, nil
}

// SumByFeature totals usage of a feature for a customer in [from, to)
func (r *GormUsageRecordRepository) SumByFeature(ctx context.Context, projectID, customerID, featureSlug string, from, to time.Time) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).
		Model(&models.UsageRecordModel{}).
		Select("COALESCE(SUM(amount), 0)").
		Scopes(CustomerFeature(projectID, customerID, featureSlug)).
		Where("recorded_at >= ? AND recorded_at < ?", from.UTC(), to.UTC()).
		Scan(&total).Error
	return total, err
}

// ExistsByIdempotenceKey reports whether a key was already persisted
func (r *GormUsageRecordRepository) ExistsByIdempotenceKey(ctx context.Context, projectID, customerID, key string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.UsageRecordModel{}).
		Scopes(Customer(projectID, customerID)).
		Where("idempotence_key = ?", key).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

var _ usage.RecordRepository = (*GormUsageRecordRepository)(nil)
