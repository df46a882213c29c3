package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted, immutable form of an applied delta.
// (project_id, customer_id, idempotence_key) is unique.
type Record struct {
	ID                 uuid.UUID
	ProjectID          string
	CustomerID         string
	FeatureSlug        string
	EntitlementID      string
	SubscriptionItemID string
	Usage              float64
	IdempotenceKey     string
	RecordedAt         time.Time
}

// RecordFromDelta builds the record written for an applied delta
func RecordFromDelta(d *Delta) *Record {
	return &Record{
		ID:                 d.ID,
		ProjectID:          d.ProjectID,
		CustomerID:         d.CustomerID,
		FeatureSlug:        d.FeatureSlug,
		EntitlementID:      d.EntitlementID,
		SubscriptionItemID: d.SubscriptionItemID,
		Usage:              d.Usage,
		IdempotenceKey:     d.IdempotenceKey,
		RecordedAt:         d.Timestamp,
	}
}

// RecordRepository persists usage records
type RecordRepository interface {
	// SaveBatch inserts records, silently skipping duplicate idempotence keys,
	// and adds the usage of every inserted record to its entitlement in the
	// same transaction. It returns the records actually inserted. A failed
	// batch may be retried whole: committed rows are skipped as duplicates.
	SaveBatch(ctx context.Context, records []*Record) ([]*Record, error)

	// SumByFeature totals usage of a feature for a customer in [from, to)
	SumByFeature(ctx context.Context, projectID, customerID, featureSlug string, from, to time.Time) (float64, error)

	// ExistsByIdempotenceKey reports whether a key was already persisted
	ExistsByIdempotenceKey(ctx context.Context, projectID, customerID, key string) (bool, error)
}
