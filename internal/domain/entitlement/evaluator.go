package entitlement

import "math"

// DeniedReason explains why access was refused
type DeniedReason string

const (
	DeniedLimitExceeded      DeniedReason = "LIMIT_EXCEEDED"
	DeniedNoEntitlement      DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedEntitlementExpired DeniedReason = "ENTITLEMENT_EXPIRED"
	DeniedFetchError         DeniedReason = "FETCH_ERROR"
)

// Result is the outcome of an evaluation. Remaining is +Inf when the
// feature has no ceiling.
type Result struct {
	Access       bool
	Remaining    float64
	DeniedReason DeniedReason
}

// Unlimited reports whether no ceiling applies
func (r Result) Unlimited() bool {
	return math.IsInf(r.Remaining, 1)
}

func unlimited() Result {
	return Result{Access: true, Remaining: math.Inf(1)}
}

// Evaluate decides access for the snapshot as it stands.
//
// Flat features and internal customers are always granted. Metered features
// are denied once usage reaches the limit. Remaining is reported against
// units when the plan sells units, otherwise against the limit.
func Evaluate(s Snapshot) Result {
	if s.Internal || !s.FeatureType.IsMetered() {
		return unlimited()
	}

	access := true
	if s.Limit != nil && *s.Limit-s.Usage <= 0 {
		access = false
	}

	res := Result{Access: access, Remaining: remaining(s.Units, s.Limit, s.Usage)}
	if !access {
		res.DeniedReason = DeniedLimitExceeded
	}
	return res
}

// EvaluateDelta decides whether delta may be applied on top of the
// snapshot's usage. Positive deltas that would push usage above the limit
// are denied; zero and negative deltas are always applied. Remaining is
// computed after the delta on success and before it on denial.
func EvaluateDelta(s Snapshot, delta float64) Result {
	if s.Internal || !s.FeatureType.IsMetered() {
		return unlimited()
	}

	if delta > 0 && s.Limit != nil && s.Usage+delta > *s.Limit {
		return Result{
			Access:       false,
			Remaining:    remaining(s.Units, s.Limit, s.Usage),
			DeniedReason: DeniedLimitExceeded,
		}
	}

	return Result{Access: true, Remaining: remaining(s.Units, s.Limit, s.Usage+delta)}
}

func remaining(units, limit *float64, usage float64) float64 {
	switch {
	case units != nil:
		return *units - usage
	case limit != nil:
		return *limit - usage
	default:
		return math.Inf(1)
	}
}
