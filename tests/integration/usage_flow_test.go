package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/metering/backend/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) *persistence.Database
}

func backends() []backend {
	return []backend{
		{name: "sqlite", open: testutil.NewSQLiteDatabase},
		{name: "postgres", open: NewPostgresDatabase},
	}
}

type entitlementList struct {
	Success bool                      `json:"success"`
	Data    []dto.EntitlementResponse `json:"data"`
}

func report(slug string, amount float64, key string) map[string]any {
	return map[string]any{"featureSlug": slug, "usage": amount, "idempotenceKey": key}
}

func TestUsageFlow(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			app := NewApp(t, b.open(t))
			secret := app.IssueKey(t, "proj_1")
			app.Grant(t, "proj_1", "cus_1", "api_calls", 10)

			t.Run("report within the limit", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/reportUsage", secret,
					report("api_calls", 4, "req-1"))
				require.Equal(t, http.StatusOK, w.Code, w.Body.String())

				res := testutil.DecodeJSON[usage.ReportResult](t, w)
				assert.True(t, res.Valid)
				require.NotNil(t, res.Remaining)
				assert.Equal(t, 6.0, *res.Remaining)
				assert.False(t, res.CacheHit)
			})

			t.Run("a repeated idempotence key replays the answer", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/reportUsage", secret,
					report("api_calls", 4, "req-1"))
				require.Equal(t, http.StatusOK, w.Code)

				res := testutil.DecodeJSON[usage.ReportResult](t, w)
				assert.True(t, res.Valid)
				assert.True(t, res.CacheHit)
				assert.Equal(t, 6.0, *res.Remaining)
			})

			t.Run("a report over the limit is denied", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/reportUsage", secret,
					report("api_calls", 7, "req-2"))
				require.Equal(t, http.StatusOK, w.Code)

				res := testutil.DecodeJSON[usage.ReportResult](t, w)
				assert.False(t, res.Valid)
				assert.Equal(t, entitlement.DeniedLimitExceeded, res.DeniedReason)
			})

			t.Run("can reflects recorded usage", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", secret,
					map[string]string{"featureSlug": "api_calls"})
				require.Equal(t, http.StatusOK, w.Code)

				res := testutil.DecodeJSON[usageapp.VerifyResult](t, w)
				assert.True(t, res.Access)
				require.NotNil(t, res.Remaining)
				assert.Equal(t, 6.0, *res.Remaining)
			})

			t.Run("an unknown feature has no entitlement", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", secret,
					map[string]string{"featureSlug": "seats"})
				require.Equal(t, http.StatusOK, w.Code)

				res := testutil.DecodeJSON[usageapp.VerifyResult](t, w)
				assert.False(t, res.Access)
				assert.Equal(t, entitlement.DeniedNoEntitlement, res.DeniedReason)
			})

			t.Run("accepted usage is persisted", func(t *testing.T) {
				app.Flush(t)

				total, err := app.Records.SumByFeature(context.Background(), "proj_1", "cus_1", "api_calls",
					time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 4.0, total)

				exists, err := app.Records.ExistsByIdempotenceKey(context.Background(), "proj_1", "cus_1", "req-1")
				require.NoError(t, err)
				assert.True(t, exists)

				exists, err = app.Records.ExistsByIdempotenceKey(context.Background(), "proj_1", "cus_1", "req-2")
				require.NoError(t, err)
				assert.False(t, exists)
			})

			t.Run("entitlements list the current usage", func(t *testing.T) {
				w := testutil.DoJSON(t, app.Engine, http.MethodGet, "/v1/customer/cus_1/entitlements", secret, nil)
				require.Equal(t, http.StatusOK, w.Code)

				body := testutil.DecodeJSON[entitlementList](t, w)
				assert.True(t, body.Success)
				require.Len(t, body.Data, 1)
				assert.Equal(t, "api_calls", body.Data[0].FeatureSlug)
				assert.Equal(t, 4.0, body.Data[0].Usage)
				assert.True(t, body.Data[0].Active)
			})

			t.Run("one usage event per accepted report", func(t *testing.T) {
				assert.Equal(t, 1, app.Events.Count(usage.EventTypeUsageRecorded))
			})
		})
	}
}

func TestUsageFlow_Authentication(t *testing.T) {
	app := NewApp(t, testutil.NewSQLiteDatabase(t))
	secret := app.IssueKey(t, "proj_1")
	other := app.IssueKey(t, "proj_2")
	app.Grant(t, "proj_1", "cus_1", "api_calls", 10)

	t.Run("missing key", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", "",
			map[string]string{"featureSlug": "api_calls"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", "sk_unknown",
			map[string]string{"featureSlug": "api_calls"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		body := testutil.DecodeJSON[dto.Response](t, w)
		require.NotNil(t, body.Error)
		assert.Equal(t, dto.ErrCodeUnauthorized, body.Error.Code)
	})

	t.Run("projects do not see each other's entitlements", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", other,
			map[string]string{"featureSlug": "api_calls"})
		require.Equal(t, http.StatusOK, w.Code)

		res := testutil.DecodeJSON[usageapp.VerifyResult](t, w)
		assert.False(t, res.Access)
		assert.Equal(t, entitlement.DeniedNoEntitlement, res.DeniedReason)
	})

	t.Run("the owning project is granted", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/v1/customer/cus_1/can", secret,
			map[string]string{"featureSlug": "api_calls"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, testutil.DecodeJSON[usageapp.VerifyResult](t, w).Access)
	})
}

func TestUsageFlow_LegacyReport(t *testing.T) {
	app := NewApp(t, testutil.NewSQLiteDatabase(t))
	secret := app.IssueKey(t, "proj_1")
	app.Grant(t, "proj_1", "cus_1", "api_calls", 10)

	t.Run("accepted", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/customer/cus_1/reportUsage", secret,
			report("api_calls", 1, "legacy-1"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, testutil.DecodeJSON[usage.ReportResult](t, w).Valid)
	})

	t.Run("malformed requests still answer 200", func(t *testing.T) {
		w := testutil.DoJSON(t, app.Engine, http.MethodPost, "/customer/cus_1/reportUsage", secret,
			map[string]string{"featureSlug": "api_calls"})
		require.Equal(t, http.StatusOK, w.Code)

		res := testutil.DecodeJSON[usage.ReportResult](t, w)
		assert.False(t, res.Valid)
		assert.NotEmpty(t, res.Message)
	})
}

func TestHealth(t *testing.T) {
	app := NewApp(t, testutil.NewSQLiteDatabase(t))

	w := testutil.DoJSON(t, app.Engine, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := testutil.DecodeJSON[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
}
