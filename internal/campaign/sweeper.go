package campaign

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
)

// SweepStore lists jobs whose queue message went missing.
type SweepStore interface {
	ListStaleQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]*db.SendJob, error)
}

// Sweeper republishes queued jobs that never reached the send queue: the
// job row is durable but the enqueue after it can be lost to a queue
// outage. Republishing an in-flight job is harmless, the worker skips any
// job no longer in queued state.
type Sweeper struct {
	store     SweepStore
	publisher Publisher
	logger    *zap.Logger

	// minAge keeps freshly queued jobs out of the sweep while their first
	// delivery is still in flight.
	minAge time.Duration
	batch  int
	now    func() time.Time
}

// NewSweeper creates a stale-job sweeper.
func NewSweeper(store SweepStore, publisher Publisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		publisher: publisher,
		logger:    logger,
		minAge:    10 * time.Minute,
		batch:     500,
		now:       time.Now,
	}
}

// Reconcile republishes one batch of stale queued jobs. Per-job publish
// failures are logged and left for the next sweep.
func (s *Sweeper) Reconcile(ctx context.Context) error {
	jobs, err := s.store.ListStaleQueuedJobs(ctx, s.now().Add(-s.minAge), s.batch)
	if err != nil {
		return fmt.Errorf("sweep stale jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	republished := 0
	for _, job := range jobs {
		if err := s.publisher.PublishSendJob(ctx, job.ID, job.TenantID); err != nil {
			s.logger.Error("stale job republish failed",
				zap.Error(err),
				zap.String("send_job_id", job.ID.String()),
			)
			continue
		}
		republished++
	}

	s.logger.Info("stale queued jobs republished",
		zap.Int("found", len(jobs)),
		zap.Int("republished", republished),
	)
	return nil
}
