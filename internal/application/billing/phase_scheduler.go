package billing

import (
	"context"
	"sync"
	"time"

	"github.com/metering/backend/internal/domain/billing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig holds configuration for the phase scheduler
type SchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often due phases are looked up
	Interval time.Duration

	// BatchSize caps the phases loaded per status per tick
	BatchSize int

	// MaxCollectRetries stops automatic COLLECT once a phase has this many payment attempts
	MaxCollectRetries int

	// Concurrency is how many phases are driven in parallel
	Concurrency int

	// RunTimeout bounds a single tick
	RunTimeout time.Duration
}

// DefaultSchedulerConfig returns default configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:           true,
		Interval:          time.Minute,
		BatchSize:         100,
		MaxCollectRetries: 3,
		Concurrency:       4,
		RunTimeout:        5 * time.Minute,
	}
}

// PhaseScheduler invokes billing transitions for phases that are due:
// ended periods are invoiced, finalized and renewed, declined payments are
// retried.
type PhaseScheduler struct {
	service   *PhaseService
	phases    billing.PhaseRepository
	logger    *zap.Logger
	config    SchedulerConfig
	now       func() time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewPhaseScheduler creates a new phase scheduler
func NewPhaseScheduler(service *PhaseService, phases billing.PhaseRepository, logger *zap.Logger, config SchedulerConfig) *PhaseScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = def.RunTimeout
	}
	return &PhaseScheduler{
		service: service,
		phases:  phases,
		logger:  logger.Named("phase_scheduler"),
		config:  config,
		now:     time.Now,
	}
}

// Start starts the scheduler loop
func (s *PhaseScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Phase scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Phase scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("max_collect_retries", s.config.MaxCollectRetries))
	return nil
}

// Stop gracefully stops the scheduler
func (s *PhaseScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Phase scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Phase scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *PhaseScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Phase scheduler loop stopping")
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
			s.RunOnce(runCtx)
			cancel()
		}
	}
}

// RunOnce drives every due phase one step toward active and returns how
// many phases were touched.
func (s *PhaseScheduler) RunOnce(ctx context.Context) int {
	due := s.collectDue(ctx)
	if len(due) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, p := range due {
		g.Go(func() error {
			s.drive(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug("Phase scheduler run completed", zap.Int("phases", len(due)))
	return len(due)
}

// collectDue gathers ended periods plus phases left mid-cycle by an earlier run
func (s *PhaseScheduler) collectDue(ctx context.Context) []*billing.Phase {
	seen := make(map[string]struct{})
	var due []*billing.Phase
	add := func(phases []*billing.Phase) {
		for _, p := range phases {
			if _, ok := seen[p.ID.String()]; ok {
				continue
			}
			seen[p.ID.String()] = struct{}{}
			due = append(due, p)
		}
	}

	ended, err := s.phases.FindPeriodEnded(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("Failed to load ended phases", zap.Error(err))
	}
	add(ended)

	for _, status := range []billing.PhaseStatus{billing.PhaseStatusInvoiced, billing.PhaseStatusFinalized, billing.PhaseStatusPastDue} {
		phases, err := s.phases.FindByStatus(ctx, status, s.config.BatchSize)
		if err != nil {
			s.logger.Error("Failed to load phases", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		if status == billing.PhaseStatusPastDue {
			phases = s.retryable(phases)
		}
		add(phases)
	}
	return due
}

func (s *PhaseScheduler) retryable(phases []*billing.Phase) []*billing.Phase {
	out := phases[:0:0]
	for _, p := range phases {
		if s.config.MaxCollectRetries > 0 && p.PaymentAttempts >= s.config.MaxCollectRetries {
			s.logger.Debug("Collect retries exhausted",
				zap.String("phase_id", p.ID.String()),
				zap.Int("attempts", p.PaymentAttempts))
			continue
		}
		out = append(out, p)
	}
	return out
}

// drive chains transitions until the phase is active again, past due or
// a step fails.
func (s *PhaseScheduler) drive(ctx context.Context, p *billing.Phase) {
	status := p.Status
	for range 4 {
		event, ok := nextEvent(status)
		if !ok {
			return
		}
		res, err := s.service.Invoke(ctx, p.ID, event)
		if err != nil {
			s.logger.Error("Scheduled transition failed",
				zap.String("phase_id", p.ID.String()),
				zap.String("event", string(event)),
				zap.Error(err))
			return
		}
		status = res.To
		if status == billing.PhaseStatusActive || status == billing.PhaseStatusPastDue {
			return
		}
	}
}

func nextEvent(status billing.PhaseStatus) (billing.PhaseEvent, bool) {
	switch status {
	case billing.PhaseStatusActive:
		return billing.PhaseEventInvoice, true
	case billing.PhaseStatusInvoiced:
		return billing.PhaseEventFinalize, true
	case billing.PhaseStatusPastDue:
		return billing.PhaseEventCollect, true
	case billing.PhaseStatusFinalized:
		return billing.PhaseEventRenew, true
	}
	return "", false
}
