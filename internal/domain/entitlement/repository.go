package entitlement

import (
	"context"
	"time"
)

// Repository loads and updates entitlement snapshots
type Repository interface {
	// FindByFeature returns the active entitlement or shared.ErrNotFound
	FindByFeature(ctx context.Context, projectID, customerID, featureSlug string) (*Snapshot, error)

	// FindByCustomer returns all active entitlements of a customer
	FindByCustomer(ctx context.Context, projectID, customerID string) ([]*Snapshot, error)

	// Save creates or replaces an entitlement
	Save(ctx context.Context, s *Snapshot) error

	// IncrementUsage adds delta to the stored usage of an entitlement whose
	// period started at or before at
	IncrementUsage(ctx context.Context, projectID, customerID, featureSlug string, delta float64, at time.Time) error

	// ResetPeriod zeroes usage and moves the validity window to a new period
	ResetPeriod(ctx context.Context, projectID, customerID, featureSlug string, start, end time.Time) error
}
