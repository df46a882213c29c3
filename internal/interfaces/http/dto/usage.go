package dto

import (
	"time"

	"github.com/metering/backend/internal/domain/entitlement"
)

// ReportUsageRequest is the body of a usage report
type ReportUsageRequest struct {
	FeatureSlug    string   `json:"featureSlug" binding:"required,max=128,slug"`
	Usage          *float64 `json:"usage" binding:"required"`
	IdempotenceKey string   `json:"idempotenceKey" binding:"required,max=256"`
}

// CanRequest asks whether a feature may be used
type CanRequest struct {
	FeatureSlug string `json:"featureSlug" binding:"required,max=128,slug"`
}

// EntitlementResponse is a customer's entitlement for one feature
type EntitlementResponse struct {
	FeatureSlug string     `json:"featureSlug"`
	FeatureType string     `json:"featureType"`
	Limit       *float64   `json:"limit,omitempty"`
	Units       *float64   `json:"units,omitempty"`
	Usage       float64    `json:"usage"`
	ValidFrom   time.Time  `json:"validFrom"`
	ValidTo     *time.Time `json:"validTo,omitempty"`
	Active      bool       `json:"active"`
}

// NewEntitlementResponses maps snapshots for the wire
func NewEntitlementResponses(snaps []entitlement.Snapshot, now time.Time) []EntitlementResponse {
	out := make([]EntitlementResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, EntitlementResponse{
			FeatureSlug: s.FeatureSlug,
			FeatureType: string(s.FeatureType),
			Limit:       s.Limit,
			Units:       s.Units,
			Usage:       s.Usage,
			ValidFrom:   s.ValidFrom,
			ValidTo:     s.ValidTo,
			Active:      s.IsActiveAt(now),
		})
	}
	return out
}
