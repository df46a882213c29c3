package usage

import "github.com/metering/backend/internal/domain/shared"

const (
	AggregateTypeUsage = "usage"

	EventTypeUsageRecorded    = "usage.recorded"
	EventTypeThresholdReached = "usage.threshold_reached"
)

// ThresholdPercent is the share of the limit that triggers a notification
const ThresholdPercent = 0.9

// RecordedEvent is published after a delta has been applied
type RecordedEvent struct {
	shared.BaseDomainEvent
	CustomerID     string  `json:"customer_id"`
	FeatureSlug    string  `json:"feature_slug"`
	Usage          float64 `json:"usage"`
	Accumulated    float64 `json:"accumulated"`
	IdempotenceKey string  `json:"idempotence_key"`
}

// NewRecordedEvent creates a usage.recorded event
func NewRecordedEvent(d *Delta, accumulated float64) *RecordedEvent {
	return &RecordedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageRecorded, AggregateTypeUsage, d.CustomerID, d.ProjectID),
		CustomerID:      d.CustomerID,
		FeatureSlug:     d.FeatureSlug,
		Usage:           d.Usage,
		Accumulated:     accumulated,
		IdempotenceKey:  d.IdempotenceKey,
	}
}

// ThresholdReachedEvent is published once usage crosses ThresholdPercent of the limit
type ThresholdReachedEvent struct {
	shared.BaseDomainEvent
	CustomerID  string  `json:"customer_id"`
	FeatureSlug string  `json:"feature_slug"`
	Usage       float64 `json:"usage"`
	Limit       float64 `json:"limit"`
}

// NewThresholdReachedEvent creates a usage.threshold_reached event
func NewThresholdReachedEvent(projectID, customerID, featureSlug string, usage, limit float64) *ThresholdReachedEvent {
	return &ThresholdReachedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeThresholdReached, AggregateTypeUsage, customerID, projectID),
		CustomerID:      customerID,
		FeatureSlug:     featureSlug,
		Usage:           usage,
		Limit:           limit,
	}
}

// CrossedThreshold reports whether moving from before to after crosses the
// notification threshold of limit.
func CrossedThreshold(before, after, limit float64) bool {
	if limit <= 0 {
		return false
	}
	mark := limit * ThresholdPercent
	return before < mark && after >= mark
}
