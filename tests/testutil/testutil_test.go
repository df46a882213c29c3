package testutil

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingHandler(t *testing.T) {
	h := NewRecordingHandler("usage.recorded")
	assert.Equal(t, []string{"usage.recorded"}, h.EventTypes())

	evt := shared.NewBaseDomainEvent("usage.recorded", "customer", "cus_1", "proj_1")
	require.NoError(t, h.Handle(context.Background(), &evt))

	assert.Len(t, h.Handled(), 1)
	assert.Equal(t, 1, h.Count("usage.recorded"))
	assert.Equal(t, 0, h.Count("billing.phase_transitioned"))
}

func TestWaitForCondition(t *testing.T) {
	calls := 0
	ok := WaitForCondition(t, func() bool {
		calls++
		return calls >= 3
	}, time.Second, time.Millisecond)
	assert.True(t, ok)

	assert.False(t, WaitForCondition(t, func() bool { return false }, 5*time.Millisecond, time.Millisecond))
}

func TestNewSQLiteDatabase(t *testing.T) {
	db := NewSQLiteDatabase(t)
	require.NoError(t, db.Ping())

	for _, m := range models.All() {
		assert.True(t, db.DB.Migrator().HasTable(m))
	}
}

func TestDoJSON(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":"` + r.Header.Get("Authorization") + `","type":"` + r.Header.Get("Content-Type") + `"}`))
	})

	w := DoJSON(t, h, http.MethodPost, "/", "sk_test", map[string]int{"a": 1})
	got := DecodeJSON[map[string]string](t, w)
	assert.Equal(t, "Bearer sk_test", got["auth"])
	assert.Equal(t, "application/json", got["type"])
}
