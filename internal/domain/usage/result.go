package usage

import (
	"math"

	"github.com/metering/backend/internal/domain/entitlement"
)

// ReportResult is what a usage report answers. Remaining is nil when the
// feature has no ceiling.
type ReportResult struct {
	Valid        bool                     `json:"valid"`
	Remaining    *float64                 `json:"remaining,omitempty"`
	Message      string                   `json:"message,omitempty"`
	DeniedReason entitlement.DeniedReason `json:"deniedReason,omitempty"`
	CacheHit     bool                     `json:"cacheHit,omitempty"`
}

// ResultFrom converts an evaluation into a report result
func ResultFrom(r entitlement.Result) ReportResult {
	res := ReportResult{
		Valid:        r.Access,
		Remaining:    finite(r.Remaining),
		DeniedReason: r.DeniedReason,
	}
	if !r.Access {
		res.Message = deniedMessage(r.DeniedReason)
	}
	return res
}

// Denied builds an invalid result for reason
func Denied(reason entitlement.DeniedReason, message string) ReportResult {
	if message == "" {
		message = deniedMessage(reason)
	}
	return ReportResult{Valid: false, DeniedReason: reason, Message: message}
}

// AsCacheHit marks a replayed result
func (r ReportResult) AsCacheHit() ReportResult {
	r.CacheHit = true
	return r
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func deniedMessage(reason entitlement.DeniedReason) string {
	switch reason {
	case entitlement.DeniedLimitExceeded:
		return "usage limit exceeded"
	case entitlement.DeniedNoEntitlement:
		return "customer has no entitlement for this feature"
	case entitlement.DeniedEntitlementExpired:
		return "entitlement is not active"
	case entitlement.DeniedFetchError:
		return "entitlement could not be loaded, try again"
	default:
		return "access denied"
	}
}
