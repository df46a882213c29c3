package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metering/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AnalyticsRecord is the flattened form of a domain event handed to the
// analytics pipeline.
type AnalyticsRecord struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	ProjectID     string          `json:"project_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewAnalyticsRecord encodes evt.
func NewAnalyticsRecord(evt shared.DomainEvent) (AnalyticsRecord, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return AnalyticsRecord{}, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return AnalyticsRecord{
		EventID:       evt.EventID().String(),
		EventType:     evt.EventType(),
		ProjectID:     evt.ProjectID(),
		AggregateType: evt.AggregateType(),
		AggregateID:   evt.AggregateID(),
		OccurredAt:    evt.OccurredAt().UTC(),
		Payload:       payload,
	}, nil
}

// AnalyticsSink accepts analytics records. Implementations must be safe for
// concurrent use.
type AnalyticsSink interface {
	Write(ctx context.Context, rec AnalyticsRecord) error
}

// AnalyticsHandler forwards every event it receives to a sink. It is
// subscribed as a wildcard handler; failures are reported to the bus, which
// logs and drops them.
type AnalyticsHandler struct {
	sink AnalyticsSink
}

// NewAnalyticsHandler creates a handler writing to sink
func NewAnalyticsHandler(sink AnalyticsSink) *AnalyticsHandler {
	return &AnalyticsHandler{sink: sink}
}

// Handle implements shared.EventHandler
func (h *AnalyticsHandler) Handle(ctx context.Context, evt shared.DomainEvent) error {
	rec, err := NewAnalyticsRecord(evt)
	if err != nil {
		return err
	}
	return h.sink.Write(ctx, rec)
}

// EventTypes implements shared.EventHandler; nil subscribes to all events.
func (h *AnalyticsHandler) EventTypes() []string { return nil }

var _ shared.EventHandler = (*AnalyticsHandler)(nil)

// LogSink writes records as structured log entries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("analytics")}
}

// Write implements AnalyticsSink
func (s *LogSink) Write(_ context.Context, rec AnalyticsRecord) error {
	s.logger.Info("analytics event",
		zap.String("event_id", rec.EventID),
		zap.String("event_type", rec.EventType),
		zap.String("project_id", rec.ProjectID),
		zap.String("aggregate_id", rec.AggregateID),
		zap.Time("occurred_at", rec.OccurredAt),
		zap.ByteString("payload", rec.Payload),
	)
	return nil
}

// DefaultAnalyticsStream is the redis stream analytics records go to.
const DefaultAnalyticsStream = "meter:analytics"

// RedisStreamSink appends records to a capped redis stream for the
// ingestion pipeline to consume.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink. maxLen caps the stream approximately;
// zero leaves it uncapped.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultAnalyticsStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Write implements AnalyticsSink
func (s *RedisStreamSink) Write(ctx context.Context, rec AnalyticsRecord) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id":    rec.EventID,
			"event_type":  rec.EventType,
			"project_id":  rec.ProjectID,
			"occurred_at": rec.OccurredAt.Format(time.RFC3339Nano),
			"payload":     string(rec.Payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("analytics xadd %s: %w", s.stream, err)
	}
	return nil
}

var (
	_ AnalyticsSink = (*LogSink)(nil)
	_ AnalyticsSink = (*RedisStreamSink)(nil)
)
