// Package models contains GORM persistence models that map to database tables.
// Models are kept separate from domain entities so the domain layer stays
// free of ORM tags; each model carries ToDomain / FromDomain mappers and the
// repositories in the parent package only ever hand domain types out.
//
// Tables:
//   - api_keys: hashed project API keys
//   - entitlements: one row per (project, customer, feature) with running usage
//   - usage_records: immutable applied deltas, unique per (customer, idempotence key)
//   - billing_phases / billing_phase_items: subscription periods and their priced items
//   - invoices / invoice_items: local mirror of provider invoices
package models
