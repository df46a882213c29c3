package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/domain/entitlement"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/metering/backend/internal/interfaces/http/middleware"
)

// maxCustomerIDLength bounds the customer path parameter
const maxCustomerIDLength = 128

// UsageReporter records usage and answers entitlement checks
type UsageReporter interface {
	ReportUsage(ctx context.Context, in usageapp.ReportInput) (usage.ReportResult, error)
	Verify(ctx context.Context, in usageapp.VerifyInput) (usageapp.VerifyResult, error)
}

// EntitlementLister lists a customer's entitlements
type EntitlementLister interface {
	List(ctx context.Context, projectID, customerID string) ([]entitlement.Snapshot, error)
}

// UsageHandler serves the metering endpoints. Report and check replies are
// the bare result objects clients integrate against; errors use the
// standard envelope.
type UsageHandler struct {
	BaseHandler
	usage        UsageReporter
	entitlements EntitlementLister
	now          func() time.Time
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(u UsageReporter, e EntitlementLister) *UsageHandler {
	return &UsageHandler{usage: u, entitlements: e, now: time.Now}
}

// customerID reads and checks the customer path parameter, answering the
// request itself when it is unusable.
func (h *UsageHandler) customerID(c *gin.Context) (string, bool) {
	id := c.Param("customerId")
	if id == "" || len(id) > maxCustomerIDLength {
		h.ErrorWithCode(c, dto.ErrCodeValidation, "customerId is invalid")
		return "", false
	}
	c.Request = c.Request.WithContext(logger.WithCustomerID(c.Request.Context(), id))
	return id, true
}

// ReportUsage handles POST /v1/customer/:customerId/reportUsage
func (h *UsageHandler) ReportUsage(c *gin.Context) {
	customerID, ok := h.customerID(c)
	if !ok {
		return
	}
	var req dto.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.usage.ReportUsage(c.Request.Context(), usageapp.ReportInput{
		ProjectID:      middleware.GetProjectID(c),
		CustomerID:     customerID,
		FeatureSlug:    req.FeatureSlug,
		Usage:          *req.Usage,
		IdempotenceKey: req.IdempotenceKey,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReportUsageLegacy handles POST /customer/:customerId/reportUsage. Older
// clients only read the body, so every outcome is a 200 and failures come
// back as an invalid result.
func (h *UsageHandler) ReportUsageLegacy(c *gin.Context) {
	customerID := c.Param("customerId")
	var req dto.ReportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, usage.ReportResult{Valid: false, Message: dto.ValidationMessage(err)})
		return
	}
	if customerID == "" || len(customerID) > maxCustomerIDLength {
		c.JSON(http.StatusOK, usage.ReportResult{Valid: false, Message: "customerId is invalid"})
		return
	}

	result, err := h.usage.ReportUsage(c.Request.Context(), usageapp.ReportInput{
		ProjectID:      middleware.GetProjectID(c),
		CustomerID:     customerID,
		FeatureSlug:    req.FeatureSlug,
		Usage:          *req.Usage,
		IdempotenceKey: req.IdempotenceKey,
	})
	if err != nil {
		c.JSON(http.StatusOK, usage.ReportResult{Valid: false, Message: legacyMessage(err)})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Can handles POST /v1/customer/:customerId/can
func (h *UsageHandler) Can(c *gin.Context) {
	customerID, ok := h.customerID(c)
	if !ok {
		return
	}
	var req dto.CanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	result, err := h.usage.Verify(c.Request.Context(), usageapp.VerifyInput{
		ProjectID:   middleware.GetProjectID(c),
		CustomerID:  customerID,
		FeatureSlug: req.FeatureSlug,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListEntitlements handles GET /v1/customer/:customerId/entitlements
func (h *UsageHandler) ListEntitlements(c *gin.Context) {
	customerID, ok := h.customerID(c)
	if !ok {
		return
	}
	snaps, err := h.entitlements.List(c.Request.Context(), middleware.GetProjectID(c), customerID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewEntitlementResponses(snaps, h.now()))
}

func legacyMessage(err error) string {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return "An unexpected error occurred"
}
