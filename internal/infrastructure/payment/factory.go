package payment

import (
	"fmt"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// NewProvider builds the provider named by cfg.Provider
func NewProvider(cfg config.PaymentConfig, logger *zap.Logger) (billing.PaymentProvider, error) {
	switch cfg.Provider {
	case config.PaymentProviderStripe:
		return NewStripeProvider(&StripeConfig{
			SecretKey:         cfg.Stripe.SecretKey,
			WebhookSecret:     cfg.Stripe.WebhookSecret,
			MaxNetworkRetries: cfg.Stripe.MaxRetries,
			DefaultCurrency:   "usd",
			SuccessURL:        cfg.Stripe.SuccessURL,
			CancelURL:         cfg.Stripe.CancelURL,
		}, logger)
	case config.PaymentProviderSandbox, "":
		return NewSandboxProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
