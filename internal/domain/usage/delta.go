// Package usage models metered usage: the deltas customers report, the
// per-customer counter that applies them exactly once, and the broadcast
// events emitted for live subscribers.
package usage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/shared"
)

// Delta is one usage report for a feature.
type Delta struct {
	ID                 uuid.UUID
	ProjectID          string
	CustomerID         string
	FeatureSlug        string
	SubscriptionItemID string
	EntitlementID      string
	Usage              float64
	IdempotenceKey     string
	Timestamp          time.Time
}

// NewDelta validates input and stamps the delta with an id and time
func NewDelta(projectID, customerID, featureSlug string, usage float64, idempotenceKey string) (*Delta, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "project id cannot be empty")
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "customer id cannot be empty")
	}
	if strings.TrimSpace(featureSlug) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "feature slug cannot be empty")
	}
	if strings.TrimSpace(idempotenceKey) == "" {
		return nil, shared.NewDomainError(shared.CodeInvalidInput, "idempotence key cannot be empty")
	}

	return &Delta{
		ID:             uuid.New(),
		ProjectID:      projectID,
		CustomerID:     customerID,
		FeatureSlug:    featureSlug,
		Usage:          usage,
		IdempotenceKey: idempotenceKey,
		Timestamp:      time.Now(),
	}, nil
}
