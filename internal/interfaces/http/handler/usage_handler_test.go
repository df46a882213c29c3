package handler

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func usageEngine(h *UsageHandler) *gin.Engine {
	r := gin.New()
	r.Use(asProject(testProject))
	r.POST("/customer/:customerId/reportUsage", h.ReportUsageLegacy)
	v1 := r.Group("/v1/customer/:customerId")
	v1.POST("/reportUsage", h.ReportUsage)
	v1.POST("/can", h.Can)
	v1.GET("/entitlements", h.ListEntitlements)
	return r
}

func TestUsageHandler_ReportUsage(t *testing.T) {
	body := map[string]any{"featureSlug": "api-calls", "usage": 5, "idempotenceKey": "k1"}
	wantIn := usageapp.ReportInput{
		ProjectID:      testProject,
		CustomerID:     "cus_1",
		FeatureSlug:    "api-calls",
		Usage:          5,
		IdempotenceKey: "k1",
	}

	t.Run("granted", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, wantIn).
			Return(usage.ReportResult{Valid: true, Remaining: entitlement.Float(95)}, nil)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage", body))

		require.Equal(t, http.StatusOK, w.Code)
		got := decodeInto[map[string]any](t, w)
		assert.Equal(t, true, got["valid"])
		assert.Equal(t, 95.0, got["remaining"])
		assert.NotContains(t, got, "cacheHit")
		svc.AssertExpectations(t)
	})

	t.Run("unlimited omits remaining", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, wantIn).
			Return(usage.ReportResult{Valid: true, CacheHit: true}, nil)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage", body))

		got := decodeInto[map[string]any](t, w)
		assert.NotContains(t, got, "remaining")
		assert.Equal(t, true, got["cacheHit"])
	})

	t.Run("denied is still a 200", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, wantIn).
			Return(usage.Denied(entitlement.DeniedLimitExceeded, ""), nil)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage", body))

		require.Equal(t, http.StatusOK, w.Code)
		got := decodeInto[usage.ReportResult](t, w)
		assert.False(t, got.Valid)
		assert.Equal(t, entitlement.DeniedLimitExceeded, got.DeniedReason)
	})

	t.Run("zero usage is accepted", func(t *testing.T) {
		svc := new(mockUsage)
		zero := wantIn
		zero.Usage = 0
		svc.On("ReportUsage", mock.Anything, zero).Return(usage.ReportResult{Valid: true}, nil)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage",
			map[string]any{"featureSlug": "api-calls", "usage": 0, "idempotenceKey": "k1"}))

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("missing fields", func(t *testing.T) {
		svc := new(mockUsage)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage",
			map[string]any{"featureSlug": "api-calls"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
		assert.Equal(t, "req-1", resp.Error.RequestID)
		svc.AssertNotCalled(t, "ReportUsage", mock.Anything, mock.Anything)
	})

	t.Run("bad slug", func(t *testing.T) {
		svc := new(mockUsage)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage",
			map[string]any{"featureSlug": "api calls!", "usage": 1, "idempotenceKey": "k"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeResponse(t, w).Error.Message, "slug")
	})

	t.Run("domain errors map to status", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, wantIn).
			Return(usage.ReportResult{}, shared.NewDomainError(shared.CodeInvalidInput, "usage must be finite"))
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage", body))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "usage must be finite", decodeResponse(t, w).Error.Message)
	})

	t.Run("internal errors hide detail", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, wantIn).Return(usage.ReportResult{}, errors.New("boom"))
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/reportUsage", body))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, dto.ErrCodeInternal, resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "boom")
	})
}

func TestUsageHandler_ReportUsageLegacy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, mock.MatchedBy(func(in usageapp.ReportInput) bool {
			return in.ProjectID == testProject && in.CustomerID == "cus_1"
		})).Return(usage.ReportResult{Valid: true}, nil)
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/customer/cus_1/reportUsage",
			map[string]any{"featureSlug": "api-calls", "usage": 1, "idempotenceKey": "k"}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeInto[usage.ReportResult](t, w).Valid)
	})

	t.Run("bind errors are in the body", func(t *testing.T) {
		r := usageEngine(NewUsageHandler(new(mockUsage), nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/customer/cus_1/reportUsage", "{not json"))

		assert.Equal(t, http.StatusOK, w.Code)
		got := decodeInto[usage.ReportResult](t, w)
		assert.False(t, got.Valid)
		assert.NotEmpty(t, got.Message)
	})

	t.Run("service errors are in the body", func(t *testing.T) {
		svc := new(mockUsage)
		svc.On("ReportUsage", mock.Anything, mock.Anything).
			Return(usage.ReportResult{}, shared.NewDomainError(shared.CodeInvalidInput, "idempotence key cannot be empty"))
		r := usageEngine(NewUsageHandler(svc, nil))

		w := serve(r, jsonRequest(t, http.MethodPost, "/customer/cus_1/reportUsage",
			map[string]any{"featureSlug": "api-calls", "usage": 1, "idempotenceKey": " "}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "idempotence key cannot be empty", decodeInto[usage.ReportResult](t, w).Message)
	})
}

func TestUsageHandler_Can(t *testing.T) {
	svc := new(mockUsage)
	svc.On("Verify", mock.Anything, usageapp.VerifyInput{ProjectID: testProject, CustomerID: "cus_1", FeatureSlug: "seats"}).
		Return(usageapp.VerifyResult{Access: false, DeniedReason: entitlement.DeniedNoEntitlement}, nil)
	r := usageEngine(NewUsageHandler(svc, nil))

	w := serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/can", map[string]any{"featureSlug": "seats"}))

	require.Equal(t, http.StatusOK, w.Code)
	got := decodeInto[usageapp.VerifyResult](t, w)
	assert.False(t, got.Access)
	assert.Equal(t, entitlement.DeniedNoEntitlement, got.DeniedReason)

	w = serve(r, jsonRequest(t, http.MethodPost, "/v1/customer/cus_1/can", map[string]any{}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageHandler_ListEntitlements(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	snaps := []entitlement.Snapshot{
		{FeatureSlug: "api-calls", FeatureType: entitlement.FeatureTypeUsage, Limit: entitlement.Float(100), Usage: 10},
		{FeatureSlug: "seats", FeatureType: entitlement.FeatureTypeFlat, ValidTo: &expired},
	}

	t.Run("lists with activity", func(t *testing.T) {
		ents := new(mockEntitlements)
		ents.On("List", mock.Anything, testProject, "cus_1").Return(snaps, nil)
		h := NewUsageHandler(new(mockUsage), ents)
		h.now = func() time.Time { return now }

		w := serve(usageEngine(h), jsonRequest(t, http.MethodGet, "/v1/customer/cus_1/entitlements", nil))

		require.Equal(t, http.StatusOK, w.Code)
		resp := decodeInto[struct {
			Success bool                      `json:"success"`
			Data    []dto.EntitlementResponse `json:"data"`
		}](t, w)
		require.Len(t, resp.Data, 2)
		assert.True(t, resp.Data[0].Active)
		assert.Equal(t, 100.0, *resp.Data[0].Limit)
		assert.False(t, resp.Data[1].Active)
	})

	t.Run("fetch error", func(t *testing.T) {
		ents := new(mockEntitlements)
		ents.On("List", mock.Anything, testProject, "cus_1").
			Return(nil, shared.NewDomainError(shared.CodeFetchError, "entitlements unavailable"))

		w := serve(usageEngine(NewUsageHandler(new(mockUsage), ents)),
			jsonRequest(t, http.MethodGet, "/v1/customer/cus_1/entitlements", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, dto.ErrCodeFetch, decodeResponse(t, w).Error.Code)
	})
}
