package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	billingapp "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"github.com/metering/backend/internal/interfaces/http/middleware"
)

// PhaseInvoker manages billing phases and drives their state machine
type PhaseInvoker interface {
	Create(ctx context.Context, in billingapp.CreatePhaseInput) (*billing.Phase, error)
	Get(ctx context.Context, id uuid.UUID) (*billing.Phase, error)
	Invoices(ctx context.Context, id uuid.UUID) ([]*billing.Invoice, error)
	Invoke(ctx context.Context, id uuid.UUID, event billing.PhaseEvent) (*billingapp.TransitionResult, error)
}

// PhaseHandler serves the billing phase endpoints. Phases of other
// projects are reported as not found.
type PhaseHandler struct {
	BaseHandler
	phases PhaseInvoker
}

// NewPhaseHandler creates a new PhaseHandler
func NewPhaseHandler(phases PhaseInvoker) *PhaseHandler {
	return &PhaseHandler{phases: phases}
}

// CreatePhase handles POST /v1/phases
func (h *PhaseHandler) CreatePhase(c *gin.Context) {
	var req dto.CreatePhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}

	in := billingapp.CreatePhaseInput{
		ProjectID:          middleware.GetProjectID(c),
		CustomerID:         req.CustomerID,
		SubscriptionID:     req.SubscriptionID,
		ProviderCustomerID: req.ProviderCustomerID,
		Interval:           billing.BillingInterval(req.Interval),
		CollectionMethod:   billing.CollectionMethod(req.CollectionMethod),
		Currency:           req.Currency,
		DueDays:            req.DueDays,
		Items:              make([]billingapp.PhaseItemInput, 0, len(req.Items)),
	}
	if req.PeriodStart != nil {
		in.PeriodStart = req.PeriodStart.UTC()
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, billingapp.PhaseItemInput{
			FeatureSlug: it.FeatureSlug,
			Description: it.Description,
			Price:       it.Price,
			Quantity:    it.Quantity,
		})
	}

	phase, err := h.phases.Create(c.Request.Context(), in)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, dto.NewPhaseResponse(phase))
}

// GetPhase handles GET /v1/phases/:phaseId
func (h *PhaseHandler) GetPhase(c *gin.Context) {
	phase, ok := h.load(c)
	if !ok {
		return
	}
	h.Success(c, dto.NewPhaseResponse(phase))
}

// ListInvoices handles GET /v1/phases/:phaseId/invoices
func (h *PhaseHandler) ListInvoices(c *gin.Context) {
	phase, ok := h.load(c)
	if !ok {
		return
	}
	invoices, err := h.phases.Invoices(c.Request.Context(), phase.ID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewInvoiceResponses(invoices))
}

// Transition handles POST /v1/phases/:phaseId/transitions
func (h *PhaseHandler) Transition(c *gin.Context) {
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindError(c, err)
		return
	}
	phase, ok := h.load(c)
	if !ok {
		return
	}

	res, err := h.phases.Invoke(c.Request.Context(), phase.ID, billing.PhaseEvent(req.Event))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// load resolves the phase path parameter for the calling project
func (h *PhaseHandler) load(c *gin.Context) (*billing.Phase, bool) {
	id, err := uuid.Parse(c.Param("phaseId"))
	if err != nil {
		h.ErrorWithCode(c, dto.ErrCodeValidation, "phaseId must be a UUID")
		return nil, false
	}
	phase, err := h.phases.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return nil, false
	}
	if phase.ProjectID != middleware.GetProjectID(c) {
		h.NotFound(c, "phase not found")
		return nil, false
	}
	return phase, true
}
