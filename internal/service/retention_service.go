package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sekolah-adm-api/pkg/jobs"
)

// Job types processed by the retention queue.
const (
	JobTypeSweepSnapshots = "sweep_expired_snapshots"
	JobTypeSweepResolved  = "sweep_resolved_changes"
)

type retentionQueue interface {
	Enqueue(job jobs.Job) error
}

type snapshotSweeper interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type pendingSweeper interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sweepMetrics interface {
	ObserveSweep(target string, duration time.Duration)
}

// RetentionConfig tunes the periodic cleanup of expired snapshots and
// resolved change requests.
type RetentionConfig struct {
	Interval          time.Duration
	ResolvedRetainFor time.Duration
}

// RetentionService deletes expired snapshots and old resolved change
// requests on a schedule. The sweeps run through the shared job queue so
// failures get the queue's retry behaviour.
type RetentionService struct {
	queue     retentionQueue
	snapshots snapshotSweeper
	pending   pendingSweeper
	metrics   sweepMetrics
	config    RetentionConfig
	clock     func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRetentionService constructs the retention service.
func NewRetentionService(queue retentionQueue, snapshots snapshotSweeper, pending pendingSweeper, metrics sweepMetrics, config RetentionConfig, logger *zap.Logger) *RetentionService {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.ResolvedRetainFor <= 0 {
		config.ResolvedRetainFor = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionService{
		queue:     queue,
		snapshots: snapshots,
		pending:   pending,
		metrics:   metrics,
		config:    config,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Handle processes a retention job. Wire this as the queue handler.
func (s *RetentionService) Handle(ctx context.Context, job jobs.Job) error {
	start := time.Now()
	switch job.Type {
	case JobTypeSweepSnapshots:
		removed, err := s.snapshots.DeleteExpired(ctx, s.clock())
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveSweep("snapshots", time.Since(start))
		}
		if removed > 0 {
			s.logger.Info("expired snapshots removed", zap.Int64("count", removed))
		}
	case JobTypeSweepResolved:
		cutoff := s.clock().Add(-s.config.ResolvedRetainFor)
		removed, err := s.pending.DeleteResolvedBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.ObserveSweep("pending_changes", time.Since(start))
		}
		if removed > 0 {
			s.logger.Info("resolved change requests removed", zap.Int64("count", removed))
		}
	default:
		s.logger.Warn("unknown retention job type", zap.String("type", job.Type))
	}
	return nil
}

// Start begins the periodic enqueue loop. Safe to call once.
func (s *RetentionService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
	s.logger.Info("retention sweeps scheduled", zap.Duration("interval", s.config.Interval))
}

// Stop halts the enqueue loop.
func (s *RetentionService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *RetentionService) loop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueSweeps()
		}
	}
}

func (s *RetentionService) enqueueSweeps() {
	for _, jobType := range []string{JobTypeSweepSnapshots, JobTypeSweepResolved} {
		if err := s.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobType}); err != nil {
			s.logger.Warn("failed to enqueue retention sweep", zap.String("type", jobType), zap.Error(err))
		}
	}
}
