package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/metering/backend/internal/domain/usage"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ErrFlusherStopped is returned by Enqueue after Stop
var ErrFlusherStopped = errors.New("usage flusher stopped")

// FlusherConfig holds batching settings
type FlusherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	// MaxAttempts bounds how often a failing batch is retried before it is dropped
	MaxAttempts  int
	WriteTimeout time.Duration
}

// DefaultFlusherConfig returns the default batching settings
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		QueueSize:     1000,
		MaxAttempts:   3,
		WriteTimeout:  30 * time.Second,
	}
}

type pendingBatch struct {
	deltas   []*usage.Delta
	attempts int
}

// Flusher persists applied deltas off the request path. A single consumer
// drains the queue in FIFO order and writes usage records in batches; the
// entitlement usage of newly inserted records moves in the same write.
type Flusher struct {
	records usage.RecordRepository
	config  FlusherConfig
	metrics *telemetry.UsageMetrics
	logger  *zap.Logger

	queue   chan *usage.Delta
	flushCh chan chan error
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	running bool
	stopped bool
}

// FlusherOption configures a Flusher
type FlusherOption func(*Flusher)

// WithFlusherLogger sets the logger
func WithFlusherLogger(logger *zap.Logger) FlusherOption {
	return func(f *Flusher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFlusherMetrics records batches on m
func WithFlusherMetrics(m *telemetry.UsageMetrics) FlusherOption {
	return func(f *Flusher) {
		f.metrics = m
	}
}

// NewFlusher creates a flusher. Call Start before enqueueing.
func NewFlusher(records usage.RecordRepository, cfg FlusherConfig, opts ...FlusherOption) *Flusher {
	def := DefaultFlusherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	f := &Flusher{
		records: records,
		config:  cfg,
		logger:  zap.NewNop(),
		queue:   make(chan *usage.Delta, cfg.QueueSize),
		flushCh: make(chan chan error),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("flusher")
	return f
}

// Start launches the consumer goroutine
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running || f.stopped {
		return
	}
	f.running = true
	f.wg.Add(1)
	go f.loop()

	f.logger.Info("Usage flusher started",
		zap.Int("queue_size", f.config.QueueSize),
		zap.Int("batch_size", f.config.BatchSize),
		zap.Duration("flush_interval", f.config.FlushInterval))
}

// Enqueue hands d to the flusher. It blocks while the queue is full until
// ctx is done.
func (f *Flusher) Enqueue(ctx context.Context, d *usage.Delta) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return ErrFlusherStopped
	}

	select {
	case f.queue <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush synchronously writes everything enqueued so far
func (f *Flusher) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case f.flushCh <- reply:
	case <-f.stopCh:
		return ErrFlusherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued deltas
func (f *Flusher) Pending() int {
	return len(f.queue)
}

// Stop refuses new deltas, drains the queue and waits for the final write
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	running := f.running
	close(f.stopCh)
	f.mu.Unlock()

	if !running {
		return nil
	}

	f.logger.Info("Stopping usage flusher...", zap.Int("pending", len(f.queue)))
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("Usage flusher stopped gracefully")
		return nil
	case <-ctx.Done():
		f.logger.Warn("Usage flusher stop timed out", zap.Int("pending", len(f.queue)))
		return ctx.Err()
	}
}

func (f *Flusher) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.FlushInterval)
	defer ticker.Stop()

	var (
		batch   = make([]*usage.Delta, 0, f.config.BatchSize)
		retries []pendingBatch
	)

	flush := func() error {
		var firstErr error
		kept := retries[:0]
		for _, p := range retries {
			if err := f.write(p.deltas); err != nil {
				p.attempts++
				if p.attempts < f.config.MaxAttempts {
					kept = append(kept, p)
				} else {
					f.logger.Error("Dropping usage batch after repeated failures",
						zap.Int("batch_size", len(p.deltas)),
						zap.Int("attempts", p.attempts),
						zap.Error(err))
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		retries = kept

		if len(batch) == 0 {
			return firstErr
		}
		deltas := append([]*usage.Delta(nil), batch...)
		batch = batch[:0]
		if err := f.write(deltas); err != nil {
			retries = append(retries, pendingBatch{deltas: deltas, attempts: 1})
			if firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	drain := func() {
		for {
			select {
			case d := <-f.queue:
				batch = append(batch, d)
				if len(batch) >= f.config.BatchSize {
					_ = flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case d := <-f.queue:
			batch = append(batch, d)
			if len(batch) >= f.config.BatchSize {
				_ = flush()
			}

		case <-ticker.C:
			_ = flush()

		case reply := <-f.flushCh:
			drain()
			reply <- flush()

		case <-f.stopCh:
			drain()
			_ = flush()
			return
		}
	}
}

// write stores the records of deltas. The repository counts new records
// against their entitlements atomically, so a failed batch is retried whole.
func (f *Flusher) write(deltas []*usage.Delta) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.WriteTimeout)
	defer cancel()

	records := make([]*usage.Record, len(deltas))
	for i, d := range deltas {
		records[i] = usage.RecordFromDelta(d)
	}

	start := time.Now()
	inserted, err := f.records.SaveBatch(ctx, records)
	if err != nil {
		f.metrics.RecordFlush(ctx, len(records), int64(len(inserted)), err)
		f.logger.Error("Failed to write usage batch",
			zap.Int("batch_size", len(records)),
			zap.Error(err))
		return err
	}
	f.metrics.RecordFlush(ctx, len(records), int64(len(inserted)), nil)

	if skipped := len(records) - len(inserted); skipped > 0 {
		f.logger.Debug("Skipped replayed usage records", zap.Int("skipped", skipped))
	}

	f.logger.Debug("Wrote usage batch",
		zap.Int("batch_size", len(records)),
		zap.Int("inserted", len(inserted)),
		zap.Duration("duration", time.Since(start)))
	return nil
}
