package shared

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is anything the services publish on the bus. Every event is
// scoped to the project whose API key caused it.
type DomainEvent interface {
	EventID() uuid.UUID
	EventType() string
	OccurredAt() time.Time
	AggregateID() string
	AggregateType() string
	ProjectID() string
}

// BaseDomainEvent is embedded by the concrete usage and billing events.
// The JSON field names are what the analytics sink writes downstream.
type BaseDomainEvent struct {
	ID             uuid.UUID `json:"id"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	AggID          string    `json:"aggregate_id"`
	AggType        string    `json:"aggregate_type"`
	ProjectIDValue string    `json:"project_id"`
}

func (e *BaseDomainEvent) EventID() uuid.UUID    { return e.ID }
func (e *BaseDomainEvent) EventType() string     { return e.Type }
func (e *BaseDomainEvent) OccurredAt() time.Time { return e.Timestamp }
func (e *BaseDomainEvent) AggregateID() string   { return e.AggID }
func (e *BaseDomainEvent) AggregateType() string { return e.AggType }
func (e *BaseDomainEvent) ProjectID() string     { return e.ProjectIDValue }

// NewBaseDomainEvent stamps a new id and the current UTC time
func NewBaseDomainEvent(eventType, aggType, aggID, projectID string) BaseDomainEvent {
	return BaseDomainEvent{
		ID:             uuid.New(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		AggID:          aggID,
		AggType:        aggType,
		ProjectIDValue: projectID,
	}
}
