package usage

import (
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterState_Window(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCounterState("cus_1", "api-calls", time.Hour)

	_, ok := c.Lookup("k1", now)
	assert.False(t, ok)

	stored := ReportResult{Valid: true, Remaining: entitlement.Float(400)}
	c.Remember("k1", stored, now)

	got, ok := c.Lookup("k1", now.Add(59*time.Minute))
	require.True(t, ok)
	assert.Equal(t, stored, got)

	_, ok = c.Lookup("k1", now.Add(time.Hour))
	assert.False(t, ok, "key expires at the end of the window")
	assert.Equal(t, 0, c.SeenCount())
}

func TestCounterState_SeedOnlyOnce(t *testing.T) {
	c := NewCounterState("cus_1", "api-calls", time.Hour)
	c.Seed(10)
	c.Apply(5)
	c.Seed(100)

	assert.Equal(t, 15.0, c.Accumulated)
}

func TestCounterState_Prune(t *testing.T) {
	now := time.Now()
	c := NewCounterState("cus_1", "api-calls", time.Minute)
	c.Remember("old", ReportResult{Valid: true}, now.Add(-2*time.Minute))
	c.Remember("new", ReportResult{Valid: true}, now)

	assert.Equal(t, 1, c.Prune(now))
	assert.Equal(t, 1, c.SeenCount())
}

func TestResultFrom(t *testing.T) {
	unlimited := ResultFrom(entitlement.Result{Access: true, Remaining: entitlement.Evaluate(entitlement.Snapshot{FeatureType: entitlement.FeatureTypeFlat}).Remaining})
	assert.True(t, unlimited.Valid)
	assert.Nil(t, unlimited.Remaining)

	denied := ResultFrom(entitlement.Result{Access: false, Remaining: 0, DeniedReason: entitlement.DeniedLimitExceeded})
	assert.False(t, denied.Valid)
	require.NotNil(t, denied.Remaining)
	assert.Equal(t, 0.0, *denied.Remaining)
	assert.Equal(t, "usage limit exceeded", denied.Message)

	assert.True(t, denied.AsCacheHit().CacheHit)
	assert.False(t, denied.CacheHit)
}

func TestCrossedThreshold(t *testing.T) {
	assert.True(t, CrossedThreshold(80, 90, 100))
	assert.True(t, CrossedThreshold(0, 100, 100))
	assert.False(t, CrossedThreshold(90, 95, 100))
	assert.False(t, CrossedThreshold(10, 20, 100))
	assert.False(t, CrossedThreshold(0, 10, 0))
}

func TestNewDelta(t *testing.T) {
	d, err := NewDelta("proj_1", "cus_1", "api-calls", 3, "k1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, d.Usage)
	assert.False(t, d.Timestamp.IsZero())

	_, err = NewDelta("proj_1", "cus_1", "api-calls", 3, " ")
	assert.Error(t, err)
	_, err = NewDelta("", "cus_1", "api-calls", 3, "k1")
	assert.Error(t, err)
}

func TestCounterState_ResetKeepsKeys(t *testing.T) {
	now := time.Now()
	c := NewCounterState("cus_1", "api-calls", time.Hour)
	c.Seed(40)
	c.Apply(10)
	c.Remember("k1", ReportResult{Valid: true}, now)

	c.Reset()
	assert.False(t, c.Initialized)
	c.Seed(0)
	assert.Zero(t, c.Accumulated)

	_, ok := c.Lookup("k1", now)
	assert.True(t, ok)
}
