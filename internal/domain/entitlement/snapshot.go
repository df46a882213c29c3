package entitlement

import (
	"time"

	"github.com/metering/backend/internal/domain/shared"
)

// Snapshot is the entitlement of one customer for one feature in the
// current billing period.
type Snapshot struct {
	ID                 string
	ProjectID          string
	CustomerID         string
	FeatureSlug        string
	FeatureType        FeatureType
	SubscriptionItemID string
	// Limit is the hard ceiling for the period; nil means no ceiling.
	Limit *float64
	// Units is the purchased quantity; nil when the plan does not sell units.
	Units       *float64
	Usage       float64
	NotifyUsage bool
	Internal    bool
	ValidFrom   time.Time
	ValidTo     *time.Time
	UpdatedAt   time.Time
}

// Validate checks the fields the evaluator depends on
func (s *Snapshot) Validate() error {
	if s.CustomerID == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "entitlement customer id cannot be empty")
	}
	if s.FeatureSlug == "" {
		return shared.NewDomainError(shared.CodeInvalidInput, "entitlement feature slug cannot be empty")
	}
	if !s.FeatureType.IsValid() {
		return shared.NewDomainError(shared.CodeInvalidInput, "invalid feature type: "+string(s.FeatureType))
	}
	return nil
}

// IsActiveAt reports whether the entitlement covers t
func (s *Snapshot) IsActiveAt(t time.Time) bool {
	if !s.ValidFrom.IsZero() && t.Before(s.ValidFrom) {
		return false
	}
	if s.ValidTo != nil && !t.Before(*s.ValidTo) {
		return false
	}
	return true
}

// WithUsage returns a copy of s with usage replaced
func (s Snapshot) WithUsage(usage float64) Snapshot {
	s.Usage = usage
	s.UpdatedAt = time.Now()
	return s
}

// Float returns a pointer to v, for building optional limits
func Float(v float64) *float64 {
	return &v
}
