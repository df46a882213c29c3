package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// ErrInvalidSignature is returned when a webhook payload fails verification
var ErrInvalidSignature = shared.NewDomainError(shared.CodeUnauthorized, "invalid webhook signature")

// StripeWebhookService reconciles phases with invoice events pushed by Stripe
type StripeWebhookService struct {
	secret string
	phases *PhaseService
	logger *zap.Logger
}

// NewStripeWebhookService creates a new StripeWebhookService
func NewStripeWebhookService(secret string, phases *PhaseService, logger *zap.Logger) *StripeWebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeWebhookService{
		secret: secret,
		phases: phases,
		logger: logger.Named("stripe_webhook"),
	}
}

// WebhookResult contains the result of processing a webhook
type WebhookResult struct {
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// ProcessWebhook verifies and applies a Stripe webhook event
func (s *StripeWebhookService) ProcessWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.secret)
	if err != nil {
		s.logger.Warn("Failed to verify webhook signature", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	s.logger.Info("Processing Stripe webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))

	result := &WebhookResult{
		EventID:   event.ID,
		EventType: string(event.Type),
		Processed: true,
	}

	switch event.Type {
	case stripe.EventTypeInvoicePaid:
		err = s.handleInvoicePaid(ctx, event)
	case stripe.EventTypeInvoicePaymentFailed:
		err = s.handleInvoicePaymentFailed(ctx, event)
	default:
		s.logger.Debug("Unhandled webhook event type", zap.String("event_type", string(event.Type)))
		result.Processed = false
		result.Message = "Event type not handled"
	}

	if err != nil {
		s.logger.Error("Failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		result.Processed = false
		result.Message = err.Error()
		return result, err
	}
	return result, nil
}

// handleInvoicePaid settles a past due phase without waiting for the scheduler
func (s *StripeWebhookService) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	phase, invoice, err := s.phaseFor(ctx, event)
	if err != nil || phase == nil {
		return err
	}
	if phase.Status != billing.PhaseStatusPastDue {
		s.logger.Debug("Invoice paid for phase not past due",
			zap.String("phase_id", phase.ID.String()),
			zap.String("status", string(phase.Status)),
			zap.String("invoice_id", invoice.ID))
		return nil
	}

	_, err = s.phases.Invoke(ctx, phase.ID, billing.PhaseEventCollect)
	return err
}

func (s *StripeWebhookService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	phase, invoice, err := s.phaseFor(ctx, event)
	if err != nil || phase == nil {
		return err
	}
	s.logger.Warn("Invoice payment failed",
		zap.String("phase_id", phase.ID.String()),
		zap.String("status", string(phase.Status)),
		zap.String("invoice_id", invoice.ID),
		zap.Int64("attempt_count", invoice.AttemptCount))
	return nil
}

// phaseFor resolves the phase named in the invoice metadata. Invoices
// created elsewhere return a nil phase.
func (s *StripeWebhookService) phaseFor(ctx context.Context, event stripe.Event) (*billing.Phase, *stripe.Invoice, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	raw := invoice.Metadata["phase_id"]
	if raw == "" {
		s.logger.Debug("Invoice has no phase, skipping", zap.String("invoice_id", invoice.ID))
		return nil, &invoice, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.logger.Warn("Invoice has malformed phase id",
			zap.String("invoice_id", invoice.ID),
			zap.String("phase_id", raw))
		return nil, &invoice, nil
	}

	phase, err := s.phases.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("Phase not found for invoice",
				zap.String("invoice_id", invoice.ID),
				zap.String("phase_id", raw))
			return nil, &invoice, nil
		}
		return nil, nil, fmt.Errorf("failed to load phase: %w", err)
	}
	return phase, &invoice, nil
}
