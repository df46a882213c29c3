package payment

import (
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
)

// StripeConfig holds configuration for the Stripe provider
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx, sk_live_xxx or a restricted rk_ key)
	SecretKey string

	// WebhookSecret verifies webhook signatures
	WebhookSecret string

	// MaxNetworkRetries is passed to the stripe backend; retried requests
	// reuse the idempotency key.
	MaxNetworkRetries int64

	// DefaultCurrency is used when a call does not name one
	DefaultCurrency string

	// SuccessURL and CancelURL are the checkout redirect targets
	SuccessURL string
	CancelURL  string
}

// DefaultStripeConfig returns a default configuration for development/testing
func DefaultStripeConfig() *StripeConfig {
	return &StripeConfig{
		MaxNetworkRetries: 2,
		DefaultCurrency:   "usd",
	}
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}
	if !strings.HasPrefix(c.SecretKey, "sk_") && !strings.HasPrefix(c.SecretKey, "rk_") {
		return fmt.Errorf("stripe: secret key must start with sk_ or rk_")
	}
	if c.DefaultCurrency == "" {
		return fmt.Errorf("stripe: default currency is required")
	}
	if c.MaxNetworkRetries < 0 {
		return fmt.Errorf("stripe: max network retries cannot be negative")
	}
	return nil
}

// IsTestMode reports whether the key is a test-mode key
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.SecretKey, "sk_test_") || strings.HasPrefix(c.SecretKey, "rk_test_")
}

// backendConfig builds the stripe backend settings for this configuration
func (c *StripeConfig) backendConfig(logger stripe.LeveledLoggerInterface) *stripe.BackendConfig {
	return &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(c.MaxNetworkRetries),
		LeveledLogger:     logger,
	}
}
