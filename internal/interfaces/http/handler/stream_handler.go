package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// sseMessage is one server-sent event
type sseMessage struct {
	Event string
	Data  string
}

type sseClient struct {
	id    string
	topic string
	ch    chan sseMessage
}

// streamTopic is the subscription key of a customer within a project
func streamTopic(projectID, customerID string) string {
	return projectID + "/" + customerID
}

// UsageStream fans usage events out to the server-sent event subscribers
// of each customer. It implements usage.Broadcaster.
type UsageStream struct {
	BaseHandler
	logger     *zap.Logger
	heartbeat  time.Duration
	bufferSize int
	maxClients int

	mu      sync.RWMutex
	clients map[string]map[string]*sseClient
	count   atomic.Int64
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

var _ usage.Broadcaster = (*UsageStream)(nil)

// UsageStreamOption configures a UsageStream
type UsageStreamOption func(*UsageStream)

// WithStreamLogger sets the logger
func WithStreamLogger(logger *zap.Logger) UsageStreamOption {
	return func(s *UsageStream) {
		s.logger = logger
	}
}

// WithStreamHeartbeat sets the heartbeat interval
func WithStreamHeartbeat(interval time.Duration) UsageStreamOption {
	return func(s *UsageStream) {
		if interval > 0 {
			s.heartbeat = interval
		}
	}
}

// WithStreamBufferSize sets how many events a slow client may lag behind
// before events are dropped for it
func WithStreamBufferSize(n int) UsageStreamOption {
	return func(s *UsageStream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithStreamMaxClients caps concurrent subscribers; zero means no cap
func WithStreamMaxClients(n int) UsageStreamOption {
	return func(s *UsageStream) {
		s.maxClients = n
	}
}

// NewUsageStream creates a new UsageStream
func NewUsageStream(opts ...UsageStreamOption) *UsageStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &UsageStream{
		logger:     zap.NewNop(),
		heartbeat:  30 * time.Second,
		bufferSize: 64,
		maxClients: 10000,
		clients:    make(map[string]map[string]*sseClient),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broadcast queues event for every subscriber of customerID within
// event.ProjectID. It never blocks: a subscriber whose buffer is full
// misses the event.
func (s *UsageStream) Broadcast(customerID string, event usage.BroadcastEvent) {
	s.mu.RLock()
	subs := s.clients[streamTopic(event.ProjectID, customerID)]
	if len(subs) == 0 {
		s.mu.RUnlock()
		return
	}
	targets := make([]*sseClient, 0, len(subs))
	for _, cl := range subs {
		targets = append(targets, cl)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal usage event", zap.Error(err))
		return
	}
	msg := sseMessage{Event: string(event.Type), Data: string(data)}
	for _, cl := range targets {
		select {
		case cl.ch <- msg:
		default:
			s.dropped.Add(1)
			s.logger.Debug("Subscriber buffer full, dropping event",
				zap.String("client_id", cl.id),
				zap.String("customer_id", customerID))
		}
	}
}

// Stop disconnects every subscriber
func (s *UsageStream) Stop() {
	s.cancel()
}

// ClientCount returns the number of connected subscribers
func (s *UsageStream) ClientCount() int {
	return int(s.count.Load())
}

// Dropped returns how many events were dropped for slow subscribers
func (s *UsageStream) Dropped() int64 {
	return s.dropped.Load()
}

func (s *UsageStream) register(topic string) (*sseClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxClients > 0 && int(s.count.Load()) >= s.maxClients {
		return nil, false
	}
	cl := &sseClient{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan sseMessage, s.bufferSize),
	}
	subs, ok := s.clients[topic]
	if !ok {
		subs = make(map[string]*sseClient)
		s.clients[topic] = subs
	}
	subs[cl.id] = cl
	s.count.Add(1)
	return cl, true
}

func (s *UsageStream) unregister(cl *sseClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.clients[cl.topic]
	if _, ok := subs[cl.id]; !ok {
		return
	}
	delete(subs, cl.id)
	if len(subs) == 0 {
		delete(s.clients, cl.topic)
	}
	s.count.Add(-1)
}

// Stream handles GET /v1/customer/:customerId/stream
func (s *UsageStream) Stream(c *gin.Context) {
	customerID := c.Param("customerId")
	if customerID == "" || len(customerID) > maxCustomerIDLength {
		s.ErrorWithCode(c, dto.ErrCodeValidation, "customerId is invalid")
		return
	}

	projectID := c.GetString(logger.GinProjectIDKey)
	cl, ok := s.register(streamTopic(projectID, customerID))
	if !ok {
		s.ErrorWithCode(c, dto.ErrCodeMaxConnectionsReached, "Maximum number of stream connections reached")
		return
	}
	defer s.unregister(cl)

	// The server write timeout would otherwise cut long lived streams.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Cannot clear write deadline", zap.Error(err))
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	s.logger.Info("Stream client connected",
		zap.String("client_id", cl.id),
		zap.String("project_id", projectID),
		zap.String("customer_id", customerID))

	writeEvent(c.Writer, sseMessage{
		Event: "connected",
		Data:  fmt.Sprintf(`{"clientId":%q,"customerId":%q}`, cl.id, customerID),
	})
	c.Writer.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			s.logger.Info("Stream client disconnected", zap.String("client_id", cl.id))
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			writeEvent(c.Writer, sseMessage{
				Event: "heartbeat",
				Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
			})
			c.Writer.Flush()
		case msg := <-cl.ch:
			writeEvent(c.Writer, msg)
			c.Writer.Flush()
		}
	}
}

func writeEvent(w io.Writer, msg sseMessage) {
	if msg.Event != "" {
		fmt.Fprintf(w, "event: %s\n", msg.Event)
	}
	fmt.Fprintf(w, "data: %s\n\n", msg.Data)
}
