package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/metering/backend/internal/application/apikey"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, secret string) (*apikey.Principal, error) {
	args := m.Called(ctx, secret)
	if p := args.Get(0); p != nil {
		return p.(*apikey.Principal), args.Error(1)
	}
	return nil, args.Error(1)
}

func authEngine(auth Authenticator, seen *string, seenCtx *string) *gin.Engine {
	r := gin.New()
	r.Use(APIKeyAuth(auth))
	r.GET("/ping", func(c *gin.Context) {
		*seen = GetProjectID(c)
		*seenCtx = logger.GetProjectID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	t.Run("valid key sets the project", func(t *testing.T) {
		auth := new(mockAuthenticator)
		auth.On("Authenticate", mock.Anything, "sk_live_abc").
			Return(&apikey.Principal{ProjectID: "proj_1"}, nil)
		var seen, seenCtx string

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer sk_live_abc")
		w := serve(authEngine(auth, &seen, &seenCtx), req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "proj_1", seen)
		assert.Equal(t, "proj_1", seenCtx)
		auth.AssertExpectations(t)
	})

	t.Run("missing header", func(t *testing.T) {
		auth := new(mockAuthenticator)
		var seen, seenCtx string

		w := serve(authEngine(auth, &seen, &seenCtx), httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, dto.ErrCodeUnauthorized, decodeError(t, w).Code)
		auth.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		auth := new(mockAuthenticator)
		var seen, seenCtx string

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
		w := serve(authEngine(auth, &seen, &seenCtx), req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		auth := new(mockAuthenticator)
		auth.On("Authenticate", mock.Anything, "nope").Return(nil, apikey.ErrInvalidKey)
		var seen, seenCtx string

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "bearer nope")
		w := serve(authEngine(auth, &seen, &seenCtx), req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, seen)
	})

	t.Run("lookup failure is not a 401", func(t *testing.T) {
		auth := new(mockAuthenticator)
		auth.On("Authenticate", mock.Anything, "k").
			Return(nil, shared.WrapDomainError(shared.CodeFetchError, "failed", errors.New("db down")))
		var seen, seenCtx string

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer k")
		w := serve(authEngine(auth, &seen, &seenCtx), req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, dto.ErrCodeServiceUnavailable, decodeError(t, w).Code)
	})
}
