package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	billingapp "github.com/metering/backend/internal/application/billing"
	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testProject = "proj_1"

func init() {
	gin.SetMode(gin.TestMode)
	if err := dto.RegisterValidators(); err != nil {
		panic(err)
	}
}

// asProject stands in for the API key middleware
func asProject(projectID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(logger.GinRequestIDKey, "req-1")
		c.Set(logger.GinProjectIDKey, projectID)
		c.Next()
	}
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeInto[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type mockUsage struct {
	mock.Mock
}

func (m *mockUsage) ReportUsage(ctx context.Context, in usageapp.ReportInput) (usage.ReportResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(usage.ReportResult), args.Error(1)
}

func (m *mockUsage) Verify(ctx context.Context, in usageapp.VerifyInput) (usageapp.VerifyResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(usageapp.VerifyResult), args.Error(1)
}

type mockEntitlements struct {
	mock.Mock
}

func (m *mockEntitlements) List(ctx context.Context, projectID, customerID string) ([]entitlement.Snapshot, error) {
	args := m.Called(ctx, projectID, customerID)
	snaps, _ := args.Get(0).([]entitlement.Snapshot)
	return snaps, args.Error(1)
}

type mockPhases struct {
	mock.Mock
}

func (m *mockPhases) Create(ctx context.Context, in billingapp.CreatePhaseInput) (*billing.Phase, error) {
	args := m.Called(ctx, in)
	p, _ := args.Get(0).(*billing.Phase)
	return p, args.Error(1)
}

func (m *mockPhases) Get(ctx context.Context, id uuid.UUID) (*billing.Phase, error) {
	args := m.Called(ctx, id)
	p, _ := args.Get(0).(*billing.Phase)
	return p, args.Error(1)
}

func (m *mockPhases) Invoices(ctx context.Context, id uuid.UUID) ([]*billing.Invoice, error) {
	args := m.Called(ctx, id)
	invs, _ := args.Get(0).([]*billing.Invoice)
	return invs, args.Error(1)
}

func (m *mockPhases) Invoke(ctx context.Context, id uuid.UUID, event billing.PhaseEvent) (*billingapp.TransitionResult, error) {
	args := m.Called(ctx, id, event)
	r, _ := args.Get(0).(*billingapp.TransitionResult)
	return r, args.Error(1)
}

type mockWebhooks struct {
	mock.Mock
}

func (m *mockWebhooks) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*billingapp.WebhookResult, error) {
	args := m.Called(ctx, payload, signature)
	r, _ := args.Get(0).(*billingapp.WebhookResult)
	return r, args.Error(1)
}
