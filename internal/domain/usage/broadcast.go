package usage

import "time"

// BroadcastType tells subscribers which operation produced an event
type BroadcastType string

const (
	BroadcastReportUsage BroadcastType = "reportUsage"
	BroadcastCan         BroadcastType = "can"
)

// BroadcastEvent is streamed to live subscribers of a customer. ProjectID
// scopes delivery so two projects sharing a customer id never see each
// other's events; it is not part of the streamed payload.
type BroadcastEvent struct {
	ProjectID    string        `json:"-"`
	FeatureSlug  string        `json:"featureSlug"`
	CustomerID   string        `json:"customerId"`
	Type         BroadcastType `json:"type"`
	Success      bool          `json:"success"`
	DeniedReason string        `json:"deniedReason,omitempty"`
	Limit        *float64      `json:"limit,omitempty"`
	Usage        *float64      `json:"usage,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Broadcaster delivers events to subscribers. Implementations must not block.
type Broadcaster interface {
	Broadcast(customerID string, event BroadcastEvent)
}

// NopBroadcaster drops every event
type NopBroadcaster struct{}

// Broadcast implements Broadcaster
func (NopBroadcaster) Broadcast(string, BroadcastEvent) {}
