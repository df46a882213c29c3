package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/metering/backend/internal/application/apikey"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// Authenticator resolves an API key secret to its project
type Authenticator interface {
	Authenticate(ctx context.Context, secret string) (*apikey.Principal, error)
}

// APIKeyAuth requires a bearer API key. The resolved project id is stored
// on the gin context and on the request context.
func APIKeyAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, dto.ErrCodeUnauthorized, "Missing or malformed Authorization header")
			return
		}

		principal, err := auth.Authenticate(c.Request.Context(), secret)
		if err != nil {
			var de *shared.DomainError
			if errors.As(err, &de) && de.Code == shared.CodeUnauthorized {
				abortWithError(c, dto.ErrCodeUnauthorized, "Invalid API key")
				return
			}
			logger.GetGinLogger(c).Error("API key lookup failed", zap.Error(err))
			abortWithError(c, dto.ErrCodeServiceUnavailable, "Authentication is temporarily unavailable")
			return
		}

		c.Set(logger.GinProjectIDKey, principal.ProjectID)
		c.Request = c.Request.WithContext(logger.WithProjectID(c.Request.Context(), principal.ProjectID))
		c.Next()
	}
}

// GetProjectID returns the authenticated project id
func GetProjectID(c *gin.Context) string {
	return c.GetString(logger.GinProjectIDKey)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
