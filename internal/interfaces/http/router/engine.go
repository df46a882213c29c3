package router

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// EngineConfig holds the cross-cutting HTTP settings
type EngineConfig struct {
	Logger         *zap.Logger
	CORS           middleware.CORSConfig
	Security       middleware.SecurityConfig
	Tracing        middleware.TracingConfig
	MaxBodySize    int64
	TrustedProxies []string
	// Metrics is optional; without it /metrics is not served.
	Metrics *middleware.HTTPMetrics
	// RateLimiter is optional; without it callers are not throttled.
	RateLimiter *middleware.RateLimiter
	Auth        middleware.Authenticator
}

// Handlers are the endpoint groups served by the engine
type Handlers struct {
	Usage    *handler.UsageHandler
	Stream   *handler.UsageStream
	Phases   *handler.PhaseHandler
	Webhooks *handler.StripeWebhookHandler
	System   *handler.SystemHandler
}

// NewEngine builds the gin engine with the middleware chain and every route
func NewEngine(cfg EngineConfig, h Handlers) (*gin.Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth == nil && (h.Usage != nil || h.Phases != nil) {
		return nil, errors.New("router: authenticated routes need an Authenticator")
	}
	if err := dto.RegisterValidators(); err != nil {
		return nil, err
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	engine.Use(
		middleware.RequestID(),
		logger.Recovery(cfg.Logger),
		logger.GinMiddleware(cfg.Logger),
		middleware.Tracing(cfg.Tracing),
		middleware.SpanAttributes(),
	)
	if cfg.Metrics != nil {
		engine.Use(cfg.Metrics.Middleware())
	}
	engine.Use(
		middleware.CORSWithConfig(cfg.CORS),
		middleware.Secure(cfg.Security),
		middleware.BodyLimit(cfg.MaxBodySize),
	)

	if h.System != nil {
		engine.GET("/health", h.System.Health)
	}
	if cfg.Metrics != nil {
		engine.GET("/metrics", cfg.Metrics.Handler())
	}
	if h.Webhooks != nil {
		engine.POST("/webhooks/stripe", h.Webhooks.HandleStripeWebhook)
	}

	authenticated := []gin.HandlerFunc{middleware.APIKeyAuth(cfg.Auth)}
	if cfg.RateLimiter != nil {
		authenticated = append(authenticated, middleware.RateLimit(cfg.RateLimiter))
	}

	r := NewRouter(engine)
	if h.Usage != nil {
		legacy := NewDomainGroup("legacy", "/customer/:customerId").Use(authenticated...)
		legacy.POST("/reportUsage", h.Usage.ReportUsageLegacy)
		r.RegisterLegacy(legacy)

		customers := NewDomainGroup("customers", "/customer/:customerId").Use(authenticated...)
		customers.POST("/reportUsage", h.Usage.ReportUsage).
			POST("/can", h.Usage.Can).
			GET("/entitlements", h.Usage.ListEntitlements)
		if h.Stream != nil {
			customers.GET("/stream", h.Stream.Stream)
		}
		r.Register(customers)
	}
	if h.Phases != nil {
		phases := NewDomainGroup("phases", "/phases").Use(authenticated...)
		phases.POST("", h.Phases.CreatePhase).
			GET("/:phaseId", h.Phases.GetPhase).
			GET("/:phaseId/invoices", h.Phases.ListInvoices).
			POST("/:phaseId/transitions", h.Phases.Transition)
		r.Register(phases)
	}
	r.Setup()

	return engine, nil
}
