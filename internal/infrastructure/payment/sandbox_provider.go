package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/billing"
	"go.uber.org/zap"
)

// ProviderSandbox is the name of the in-memory provider
const ProviderSandbox = "sandbox"

// SandboxProvider is an in-memory billing.PaymentProvider that follows the
// provider invoice lifecycle (draft, open, paid, void, uncollectible).
// Idempotency keys replay the first response like the real provider.
type SandboxProvider struct {
	mu          sync.Mutex
	logger      *zap.Logger
	invoices    map[string]*sandboxInvoice
	sessions    map[string]*billing.Session
	methods     map[string][]billing.PaymentMethod
	defaults    map[string]string
	idempotent  map[string]any
	declineNext int
	failOps     map[string]error
	calls       map[string]int
}

type sandboxInvoice struct {
	billing.ProviderInvoice
	items []billing.ProviderInvoiceItem
	sent  bool
}

// NewSandboxProvider creates an empty sandbox
func NewSandboxProvider(logger *zap.Logger) *SandboxProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SandboxProvider{
		logger:     logger.Named("sandbox_payments"),
		invoices:   make(map[string]*sandboxInvoice),
		sessions:   make(map[string]*billing.Session),
		methods:    make(map[string][]billing.PaymentMethod),
		defaults:   make(map[string]string),
		idempotent: make(map[string]any),
		failOps:    make(map[string]error),
		calls:      make(map[string]int),
	}
}

// AttachPaymentMethod stores a card for customerID and, when asDefault,
// makes it the invoice default.
func (p *SandboxProvider) AttachPaymentMethod(customerID string, asDefault bool) billing.PaymentMethod {
	p.mu.Lock()
	defer p.mu.Unlock()

	pm := billing.PaymentMethod{
		ID:       "pm_" + shortID(),
		Type:     "card",
		Brand:    "visa",
		Last4:    "4242",
		ExpMonth: 12,
		ExpYear:  int64(time.Now().Year() + 3),
	}
	p.methods[customerID] = append(p.methods[customerID], pm)
	if asDefault {
		p.defaults[customerID] = pm.ID
	}
	return pm
}

// DeclineNext makes the next n payment collections fail with a card decline
func (p *SandboxProvider) DeclineNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declineNext = n
}

// FailOp makes every call to op fail with err until cleared with a nil err
func (p *SandboxProvider) FailOp(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failOps, op)
		return
	}
	p.failOps[op] = err
}

// Calls returns how many times op was invoked
func (p *SandboxProvider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Invoice returns a copy of the stored invoice
func (p *SandboxProvider) Invoice(id string) (billing.ProviderInvoice, []billing.ProviderInvoiceItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[id]
	if !ok {
		return billing.ProviderInvoice{}, nil, false
	}
	return inv.ProviderInvoice, append([]billing.ProviderInvoiceItem(nil), inv.items...), true
}

// Name implements billing.PaymentProvider
func (p *SandboxProvider) Name() string { return ProviderSandbox }

// CreateSession implements billing.PaymentProvider
func (p *SandboxProvider) CreateSession(ctx context.Context, in billing.SessionParams) (*billing.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "create_session"); err != nil {
		return nil, err
	}

	s := &billing.Session{
		ID:         "cs_" + shortID(),
		CustomerID: in.CustomerID,
		Status:     "open",
		ExpiresAt:  time.Now().Add(24 * time.Hour),
	}
	s.URL = "https://sandbox.invalid/checkout/" + s.ID
	p.sessions[s.ID] = s
	out := *s
	return &out, nil
}

// GetSession implements billing.PaymentProvider
func (p *SandboxProvider) GetSession(ctx context.Context, sessionID string) (*billing.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "get_session"); err != nil {
		return nil, err
	}

	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, p.notFound("get_session", sessionID)
	}
	out := *s
	return &out, nil
}

// CreateInvoice implements billing.PaymentProvider
func (p *SandboxProvider) CreateInvoice(ctx context.Context, in billing.CreateInvoiceParams) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "create_invoice"); err != nil {
		return nil, err
	}
	if prior, ok := p.replay("create_invoice", in.IdempotencyKey); ok {
		return p.snapshot(prior.(string)), nil
	}

	inv := &sandboxInvoice{ProviderInvoice: billing.ProviderInvoice{
		ID:         "in_" + shortID(),
		CustomerID: in.CustomerID,
		Status:     billing.InvoiceStatusDraft,
		Currency:   in.Currency,
	}}
	if in.CollectionMethod == billing.CollectionSendInvoice {
		due := time.Now().AddDate(0, 0, max(in.DueDays, 1))
		inv.DueDate = &due
	}
	p.invoices[inv.ID] = inv
	p.remember("create_invoice", in.IdempotencyKey, inv.ID)
	return p.snapshot(inv.ID), nil
}

// UpdateInvoice implements billing.PaymentProvider
func (p *SandboxProvider) UpdateInvoice(ctx context.Context, invoiceID string, in billing.UpdateInvoiceParams) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "update_invoice"); err != nil {
		return nil, err
	}

	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, p.notFound("update_invoice", invoiceID)
	}
	if inv.Status != billing.InvoiceStatusDraft {
		return nil, p.invalidState("update_invoice", inv)
	}
	if in.DueDate != nil {
		due := *in.DueDate
		inv.DueDate = &due
	}
	return p.snapshot(invoiceID), nil
}

// AddInvoiceItem implements billing.PaymentProvider
func (p *SandboxProvider) AddInvoiceItem(ctx context.Context, in billing.AddInvoiceItemParams) (*billing.ProviderInvoiceItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "add_invoice_item"); err != nil {
		return nil, err
	}
	if prior, ok := p.replay("add_invoice_item", in.IdempotencyKey); ok {
		item := prior.(billing.ProviderInvoiceItem)
		return &item, nil
	}

	inv, ok := p.invoices[in.InvoiceID]
	if !ok {
		return nil, p.notFound("add_invoice_item", in.InvoiceID)
	}
	if inv.Status != billing.InvoiceStatusDraft {
		return nil, p.invalidState("add_invoice_item", inv)
	}

	item := billing.ProviderInvoiceItem{ID: "ii_" + shortID(), InvoiceID: inv.ID, Amount: in.Amount}
	inv.items = append(inv.items, item)
	inv.Total += in.Amount
	inv.AmountDue += in.Amount
	p.remember("add_invoice_item", in.IdempotencyKey, item)
	return &item, nil
}

// FinalizeInvoice implements billing.PaymentProvider. A zero total
// finalizes straight to paid.
func (p *SandboxProvider) FinalizeInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "finalize_invoice"); err != nil {
		return nil, err
	}

	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, p.notFound("finalize_invoice", invoiceID)
	}
	if inv.Status != billing.InvoiceStatusDraft {
		return nil, p.invalidState("finalize_invoice", inv)
	}
	inv.Status = billing.InvoiceStatusOpen
	if inv.AmountDue == 0 {
		inv.Status = billing.InvoiceStatusPaid
	}
	return p.snapshot(invoiceID), nil
}

// SendInvoice implements billing.PaymentProvider
func (p *SandboxProvider) SendInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "send_invoice"); err != nil {
		return nil, err
	}

	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, p.notFound("send_invoice", invoiceID)
	}
	if inv.Status != billing.InvoiceStatusOpen {
		return nil, p.invalidState("send_invoice", inv)
	}
	inv.sent = true
	return p.snapshot(invoiceID), nil
}

// CollectPayment implements billing.PaymentProvider
func (p *SandboxProvider) CollectPayment(ctx context.Context, in billing.CollectPaymentParams) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "collect_payment"); err != nil {
		return nil, err
	}
	if prior, ok := p.replay("collect_payment", in.IdempotencyKey); ok {
		return p.snapshot(prior.(string)), nil
	}

	inv, ok := p.invoices[in.InvoiceID]
	if !ok {
		return nil, p.notFound("collect_payment", in.InvoiceID)
	}
	if inv.Status == billing.InvoiceStatusPaid {
		return p.snapshot(inv.ID), nil
	}
	if inv.Status != billing.InvoiceStatusOpen {
		return nil, p.invalidState("collect_payment", inv)
	}
	if in.PaymentMethodID == "" {
		return nil, &billing.ProviderError{
			Provider: ProviderSandbox, Op: "collect_payment", Code: "payment_method_missing", Declined: true,
			Err: fmt.Errorf("invoice %s has no payment method", inv.ID),
		}
	}
	if p.declineNext > 0 {
		p.declineNext--
		p.logger.Debug("declining payment", zap.String("invoice_id", inv.ID))
		return nil, &billing.ProviderError{
			Provider: ProviderSandbox, Op: "collect_payment", Code: "card_declined", Declined: true,
			Err: fmt.Errorf("card declined for invoice %s", inv.ID),
		}
	}

	inv.Status = billing.InvoiceStatusPaid
	inv.AmountPaid = inv.AmountDue
	p.remember("collect_payment", in.IdempotencyKey, inv.ID)
	return p.snapshot(inv.ID), nil
}

// GetInvoiceStatus implements billing.PaymentProvider
func (p *SandboxProvider) GetInvoiceStatus(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "get_invoice"); err != nil {
		return nil, err
	}
	if _, ok := p.invoices[invoiceID]; !ok {
		return nil, p.notFound("get_invoice", invoiceID)
	}
	return p.snapshot(invoiceID), nil
}

// VoidInvoice implements billing.PaymentProvider. Paid invoices cannot be voided.
func (p *SandboxProvider) VoidInvoice(ctx context.Context, invoiceID string) (*billing.ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "void_invoice"); err != nil {
		return nil, err
	}

	inv, ok := p.invoices[invoiceID]
	if !ok {
		return nil, p.notFound("void_invoice", invoiceID)
	}
	if inv.Status == billing.InvoiceStatusPaid {
		return nil, p.invalidState("void_invoice", inv)
	}
	inv.Status = billing.InvoiceStatusVoid
	return p.snapshot(invoiceID), nil
}

// ListPaymentMethods implements billing.PaymentProvider
func (p *SandboxProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "list_payment_methods"); err != nil {
		return nil, err
	}
	return append([]billing.PaymentMethod(nil), p.methods[customerID]...), nil
}

// GetDefaultPaymentMethod implements billing.PaymentProvider
func (p *SandboxProvider) GetDefaultPaymentMethod(ctx context.Context, customerID string) (*billing.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, "get_default_payment_method"); err != nil {
		return nil, err
	}

	id, ok := p.defaults[customerID]
	if !ok {
		return nil, nil
	}
	for _, pm := range p.methods[customerID] {
		if pm.ID == id {
			out := pm
			return &out, nil
		}
	}
	return nil, nil
}

// enter counts the call and applies context cancellation and injected failures.
// Callers hold p.mu.
func (p *SandboxProvider) enter(ctx context.Context, op string) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return billing.NewProviderError(ProviderSandbox, op, err)
	}
	if err, ok := p.failOps[op]; ok {
		return billing.NewProviderError(ProviderSandbox, op, err)
	}
	return nil
}

func (p *SandboxProvider) replay(op, key string) (any, bool) {
	if key == "" {
		return nil, false
	}
	v, ok := p.idempotent[op+":"+key]
	return v, ok
}

func (p *SandboxProvider) remember(op, key string, v any) {
	if key != "" {
		p.idempotent[op+":"+key] = v
	}
}

func (p *SandboxProvider) snapshot(id string) *billing.ProviderInvoice {
	out := p.invoices[id].ProviderInvoice
	return &out
}

func (p *SandboxProvider) notFound(op, id string) error {
	return &billing.ProviderError{
		Provider: ProviderSandbox, Op: op, Code: "resource_missing",
		Err: fmt.Errorf("no such object: %s", id),
	}
}

func (p *SandboxProvider) invalidState(op string, inv *sandboxInvoice) error {
	return &billing.ProviderError{
		Provider: ProviderSandbox, Op: op, Code: "invoice_invalid_state",
		Err: fmt.Errorf("invoice %s is %s", inv.ID, inv.Status),
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

var _ billing.PaymentProvider = (*SandboxProvider)(nil)
