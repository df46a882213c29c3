// Package billing provides the domain model for turning metered usage into
// invoices.
//
// Key aggregates:
//   - Phase: one billing period of a customer's subscription, moved through
//     active, invoiced, finalized, past_due and canceled by the billing
//     state machine
//   - Invoice: the local record of a provider invoice and its items
//
// Value objects:
//   - PriceConfig: flat, per-unit, package or tiered pricing of a phase item
//
// The PaymentProvider port is implemented in infrastructure/payment.
package billing
