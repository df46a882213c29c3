// Package payment implements billing.PaymentProvider against Stripe and an
// in-memory sandbox.
package payment

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"
)

// ProviderStripe is the provider name reported in errors and metrics
const ProviderStripe = "stripe"

// StripeProvider implements billing.PaymentProvider with stripe-go.
// It holds its own client; the package-level stripe.Key is never set.
type StripeProvider struct {
	config *StripeConfig
	api    *client.API
	logger *zap.Logger
}

// StripeOption configures a StripeProvider
type StripeOption func(*stripeOptions)

type stripeOptions struct {
	backend stripe.Backend
}

// WithBackend routes every API call through b instead of the network backend
func WithBackend(b stripe.Backend) StripeOption {
	return func(o *stripeOptions) {
		o.backend = b
	}
}

// NewStripeProvider creates a Stripe provider
func NewStripeProvider(config *StripeConfig, logger *zap.Logger, opts ...StripeOption) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("stripe")

	var o stripeOptions
	for _, opt := range opts {
		opt(&o)
	}
	backend := o.backend
	if backend == nil {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, config.backendConfig(logger.Sugar()))
	}

	api := &client.API{}
	api.Init(config.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeProvider{config: config, api: api, logger: logger}, nil
}

// Name implements billing.PaymentProvider
func (p *StripeProvider) Name() string { return ProviderStripe }

// CreateSession opens a hosted checkout in setup mode so the customer can
// store a payment method for future invoices.
func (p *StripeProvider) CreateSession(ctx context.Context, in billing.SessionParams) (*billing.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSetup)),
		Customer:   stripe.String(in.CustomerID),
		Currency:   stripe.String(p.currency(in.Currency)),
		SuccessURL: stripe.String(firstNonEmpty(in.SuccessURL, p.config.SuccessURL)),
		CancelURL:  stripe.String(firstNonEmpty(in.CancelURL, p.config.CancelURL)),
	}
	params.Context = ctx
	addMetadata(&params.Params, in.Metadata)

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, p.fail("create_session", err, zap.String("customer_id", in.CustomerID))
	}
	return toSession(s), nil
}

// GetSession implements billing.PaymentProvider
func (p *StripeProvider) GetSession(ctx context.Context, sessionID string) (*billing.Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, p.fail("get_session", err, zap.String("session_id", sessionID))
	}
	return toSession(s), nil
}

// CreateInvoice opens a draft invoice. Pending invoice items of the
// customer are excluded so only items added explicitly are billed.
func (p *StripeProvider) CreateInvoice(ctx context.Context, in billing.CreateInvoiceParams) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceParams{
		Customer:                    stripe.String(in.CustomerID),
		Currency:                    stripe.String(p.currency(in.Currency)),
		AutoAdvance:                 stripe.Bool(false),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	if in.CollectionMethod == billing.CollectionSendInvoice {
		params.CollectionMethod = stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice))
		days := in.DueDays
		if days <= 0 {
			days = 7
		}
		params.DaysUntilDue = stripe.Int64(int64(days))
	} else {
		params.CollectionMethod = stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically))
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.Context = ctx
	addMetadata(&params.Params, in.Metadata)
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	inv, err := p.api.Invoices.New(params)
	if err != nil {
		return nil, p.fail("create_invoice", err, zap.String("customer_id", in.CustomerID))
	}

	p.logger.Info("Created Stripe invoice",
		zap.String("customer_id", in.CustomerID),
		zap.String("invoice_id", inv.ID))
	return toProviderInvoice(inv), nil
}

// UpdateInvoice implements billing.PaymentProvider
func (p *StripeProvider) UpdateInvoice(ctx context.Context, invoiceID string, in billing.UpdateInvoiceParams) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceParams{}
	if in.Description != nil {
		params.Description = in.Description
	}
	if in.DueDate != nil {
		params.DueDate = stripe.Int64(in.DueDate.Unix())
	}
	params.Context = ctx
	addMetadata(&params.Params, in.Metadata)

	inv, err := p.api.Invoices.Update(invoiceID, params)
	if err != nil {
		return nil, p.fail("update_invoice", err, zap.String("invoice_id", invoiceID))
	}
	return toProviderInvoice(inv), nil
}

// AddInvoiceItem implements billing.PaymentProvider
func (p *StripeProvider) AddInvoiceItem(ctx context.Context, in billing.AddInvoiceItemParams) (*billing.ProviderInvoiceItem, error) {
	params := &stripe.InvoiceItemParams{
		Customer: stripe.String(in.CustomerID),
		Invoice:  stripe.String(in.InvoiceID),
		Currency: stripe.String(p.currency(in.Currency)),
		Amount:   stripe.Int64(in.Amount),
	}
	if in.Description != "" {
		params.Description = stripe.String(in.Description)
	}
	params.Context = ctx
	addMetadata(&params.Params, in.Metadata)
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	item, err := p.api.InvoiceItems.New(params)
	if err != nil {
		return nil, p.fail("add_invoice_item", err, zap.String("invoice_id", in.InvoiceID))
	}

	out := &billing.ProviderInvoiceItem{ID: item.ID, InvoiceID: in.InvoiceID, Amount: item.Amount}
	if item.Invoice != nil {
		out.InvoiceID = item.Invoice.ID
	}
	return out, nil
}

// FinalizeInvoice moves a draft invoice to open without auto-advancing
func (p *StripeProvider) FinalizeInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}
	params.Context = ctx

	inv, err := p.api.Invoices.FinalizeInvoice(invoiceID, params)
	if err != nil {
		return nil, p.fail("finalize_invoice", err, zap.String("invoice_id", invoiceID))
	}
	return toProviderInvoice(inv), nil
}

// SendInvoice emails an open invoice to the customer
func (p *StripeProvider) SendInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceSendInvoiceParams{}
	params.Context = ctx

	inv, err := p.api.Invoices.SendInvoice(invoiceID, params)
	if err != nil {
		return nil, p.fail("send_invoice", err, zap.String("invoice_id", invoiceID))
	}
	return toProviderInvoice(inv), nil
}

// CollectPayment pays an open invoice off-session
func (p *StripeProvider) CollectPayment(ctx context.Context, in billing.CollectPaymentParams) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoicePayParams{OffSession: stripe.Bool(true)}
	if in.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(in.PaymentMethodID)
	}
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	inv, err := p.api.Invoices.Pay(in.InvoiceID, params)
	if err != nil {
		return nil, p.fail("collect_payment", err, zap.String("invoice_id", in.InvoiceID))
	}
	return toProviderInvoice(inv), nil
}

// GetInvoiceStatus implements billing.PaymentProvider
func (p *StripeProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx

	inv, err := p.api.Invoices.Get(invoiceID, params)
	if err != nil {
		return nil, p.fail("get_invoice", err, zap.String("invoice_id", invoiceID))
	}
	return toProviderInvoice(inv), nil
}

// VoidInvoice implements billing.PaymentProvider
func (p *StripeProvider) VoidInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	params := &stripe.InvoiceVoidInvoiceParams{}
	params.Context = ctx

	inv, err := p.api.Invoices.VoidInvoice(invoiceID, params)
	if err != nil {
		return nil, p.fail("void_invoice", err, zap.String("invoice_id", invoiceID))
	}
	return toProviderInvoice(inv), nil
}

// ListPaymentMethods implements billing.PaymentProvider
func (p *StripeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	params.Context = ctx

	var out []billing.PaymentMethod
	iter := p.api.PaymentMethods.List(params)
	for iter.Next() {
		out = append(out, toPaymentMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, p.fail("list_payment_methods", err, zap.String("customer_id", customerID))
	}
	return out, nil
}

// GetDefaultPaymentMethod returns the customer's invoice default, or nil
func (p *StripeProvider) GetDefaultPaymentMethod(ctx context.Context, customerID string) (*billing.PaymentMethod, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	cust, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return nil, p.fail("get_default_payment_method", err, zap.String("customer_id", customerID))
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return nil, nil
	}
	pm := toPaymentMethod(cust.InvoiceSettings.DefaultPaymentMethod)
	return &pm, nil
}

func (p *StripeProvider) currency(c string) string {
	if c != "" {
		return c
	}
	return p.config.DefaultCurrency
}

// fail logs and wraps a stripe error as a billing.ProviderError
func (p *StripeProvider) fail(op string, err error, fields ...zap.Field) error {
	pe := billing.NewProviderError(ProviderStripe, op, err)

	var se *stripe.Error
	if errors.As(err, &se) {
		pe.Code = string(se.Code)
		pe.Declined = se.Type == stripe.ErrorTypeCard || se.Code == stripe.ErrorCodeCardDeclined
		fields = append(fields,
			zap.String("stripe_code", string(se.Code)),
			zap.String("stripe_type", string(se.Type)),
			zap.String("request_id", se.RequestID),
		)
	}

	fields = append(fields, zap.String("op", op), zap.Error(err))
	if pe.Declined {
		p.logger.Warn("Stripe payment declined", fields...)
	} else {
		p.logger.Error("Stripe call failed", fields...)
	}
	return pe
}

func addMetadata(params *stripe.Params, md map[string]string) {
	if len(md) == 0 {
		return
	}
	if params.Metadata == nil {
		params.Metadata = make(map[string]string, len(md))
	}
	maps.Copy(params.Metadata, md)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func toSession(s *stripe.CheckoutSession) *billing.Session {
	out := &billing.Session{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	}
	return out
}

func toProviderInvoice(inv *stripe.Invoice) *billing.ProviderInvoice {
	out := &billing.ProviderInvoice{
		ID:         inv.ID,
		Status:     mapInvoiceStatus(inv.Status),
		Currency:   string(inv.Currency),
		Total:      inv.Total,
		AmountDue:  inv.AmountDue,
		AmountPaid: inv.AmountPaid,
		HostedURL:  inv.HostedInvoiceURL,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0)
		out.DueDate = &due
	}
	return out
}

func toPaymentMethod(pm *stripe.PaymentMethod) billing.PaymentMethod {
	out := billing.PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	return out
}

func mapInvoiceStatus(s stripe.InvoiceStatus) billing.InvoiceStatus {
	switch s {
	case stripe.InvoiceStatusOpen:
		return billing.InvoiceStatusOpen
	case stripe.InvoiceStatusPaid:
		return billing.InvoiceStatusPaid
	case stripe.InvoiceStatusVoid:
		return billing.InvoiceStatusVoid
	case stripe.InvoiceStatusUncollectible:
		return billing.InvoiceStatusUncollectible
	default:
		return billing.InvoiceStatusDraft
	}
}

var _ billing.PaymentProvider = (*StripeProvider)(nil)
