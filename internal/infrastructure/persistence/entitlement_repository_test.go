package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshot(id, feature string, limit *float64) *entitlement.Snapshot {
	return &entitlement.Snapshot{
		ID:          id,
		ProjectID:   "proj_1",
		CustomerID:  "cus_1",
		FeatureSlug: feature,
		FeatureType: entitlement.FeatureTypeUsage,
		Limit:       limit,
		NotifyUsage: true,
		ValidFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestGormEntitlementRepository_SaveAndFind(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newSnapshot("ent_1", "api-calls", entitlement.Float(500))))

	got, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, "ent_1", got.ID)
	require.NotNil(t, got.Limit)
	assert.Equal(t, 500.0, *got.Limit)
	assert.Nil(t, got.Units)
	assert.True(t, got.NotifyUsage)

	_, err = repo.FindByFeature(ctx, "proj_2", "cus_1", "api-calls")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormEntitlementRepository_SaveReplacesAndKeepsID(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newSnapshot("ent_1", "api-calls", entitlement.Float(500))))
	require.NoError(t, repo.Save(ctx, newSnapshot("ent_other", "api-calls", entitlement.Float(1000))))

	got, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, "ent_1", got.ID)
	assert.Equal(t, 1000.0, *got.Limit)
}

func TestGormEntitlementRepository_SaveValidates(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)

	bad := newSnapshot("ent_1", "", nil)
	assert.ErrorIs(t, repo.Save(context.Background(), bad), shared.ErrInvalidInput)
}

func TestGormEntitlementRepository_IncrementUsage(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, newSnapshot("ent_1", "api-calls", entitlement.Float(500))))
	require.NoError(t, repo.IncrementUsage(ctx, "proj_1", "cus_1", "api-calls", 100, at))
	require.NoError(t, repo.IncrementUsage(ctx, "proj_1", "cus_1", "api-calls", -20, at))

	got, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, 80.0, got.Usage)

	err = repo.IncrementUsage(ctx, "proj_1", "cus_1", "missing", 1, at)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	// usage from before the period started is not counted
	err = repo.IncrementUsage(ctx, "proj_1", "cus_1", "api-calls", 1, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormEntitlementRepository_ResetPeriod(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	bounded := newSnapshot("ent_1", "api-calls", entitlement.Float(500))
	firstEnd := start
	bounded.ValidTo = &firstEnd
	require.NoError(t, repo.Save(ctx, bounded))
	require.NoError(t, repo.Save(ctx, newSnapshot("ent_2", "storage", entitlement.Float(10))))
	require.NoError(t, repo.IncrementUsage(ctx, "proj_1", "cus_1", "api-calls", 120, start.Add(-time.Hour)))
	require.NoError(t, repo.IncrementUsage(ctx, "proj_1", "cus_1", "storage", 4, start.Add(-time.Hour)))

	repo.now = func() time.Time { return start.Add(time.Hour) }
	require.NoError(t, repo.ResetPeriod(ctx, "proj_1", "cus_1", "api-calls", start, end))
	require.NoError(t, repo.ResetPeriod(ctx, "proj_1", "cus_1", "storage", start, end))

	got, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "api-calls")
	require.NoError(t, err)
	assert.Zero(t, got.Usage)
	assert.True(t, got.ValidFrom.Equal(start))
	require.NotNil(t, got.ValidTo)
	assert.True(t, got.ValidTo.Equal(end))

	open, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "storage")
	require.NoError(t, err)
	assert.Zero(t, open.Usage)
	assert.Nil(t, open.ValidTo, "open-ended entitlements stay open-ended")

	err = repo.ResetPeriod(ctx, "proj_1", "cus_1", "missing", start, end)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormEntitlementRepository_ValidityWindow(t *testing.T) {
	db := newTestDatabase(t)
	repo := NewGormEntitlementRepository(db.DB)
	repo.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	expired := newSnapshot("ent_old", "seats", nil)
	expired.FeatureType = entitlement.FeatureTypeFlat
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	expired.ValidTo = &end

	require.NoError(t, repo.Save(ctx, expired))
	require.NoError(t, repo.Save(ctx, newSnapshot("ent_1", "api-calls", nil)))
	require.NoError(t, repo.Save(ctx, newSnapshot("ent_2", "storage", entitlement.Float(10))))

	_, err := repo.FindByFeature(ctx, "proj_1", "cus_1", "seats")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	list, err := repo.FindByCustomer(ctx, "proj_1", "cus_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api-calls", list[0].FeatureSlug)
	assert.Equal(t, "storage", list[1].FeatureSlug)
}
