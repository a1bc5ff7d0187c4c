package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/sqs"
)

// Consumer is satisfied by *sqs.Consumer.
type Consumer interface {
	Receive(ctx context.Context) (*sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	Delay(ctx context.Context, receiptHandle string, seconds int32) error
}

// GlobalLimiter is satisfied by *redis.RateLimiter. It caps send
// throughput across every worker process.
type GlobalLimiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// Reconciler is satisfied by *budget.Ledger and *campaign.Sweeper.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

type multiReconciler []Reconciler

func (m multiReconciler) Reconcile(ctx context.Context) error {
	var firstErr error
	for _, r := range m {
		if err := r.Reconcile(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiReconciler runs several reconcilers as one sweep. Every reconciler
// runs even when an earlier one fails; the first error is returned.
func MultiReconciler(rs ...Reconciler) Reconciler {
	return multiReconciler(rs)
}

// Config holds worker pool settings.
type Config struct {
	// Concurrency is the number of consuming goroutines.
	Concurrency int

	// MaxAttempts bounds queue deliveries per job before it is failed.
	MaxAttempts int

	// ThrottleDelay is how far a message is pushed out when the global
	// send ceiling is hit.
	ThrottleDelay time.Duration

	// ReconcileInterval spaces the budget reconcile sweeps.
	ReconcileInterval time.Duration
}

// globalSendKey is shared by every worker so the ceiling is fleet-wide.
const globalSendKey = "global:send"

// Worker drains the send queue.
type Worker struct {
	consumer   Consumer
	sender     *Sender
	limiter    GlobalLimiter
	reconciler Reconciler
	config     Config
	logger     *zap.Logger
}

// New creates a worker pool.
func New(consumer Consumer, sender *Sender, limiter GlobalLimiter, reconciler Reconciler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}

	return &Worker{
		consumer:   consumer,
		sender:     sender,
		limiter:    limiter,
		reconciler: reconciler,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the pool until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reconcileLoop(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("worker stopping")
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, id int) {
	logger := w.logger.With(zap.Int("consumer", id))

	for {
		if ctx.Err() != nil {
			return
		}

		delivery, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("receive failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		if delivery == nil {
			continue
		}

		w.handle(ctx, logger, delivery)
	}
}

func (w *Worker) handle(ctx context.Context, logger *zap.Logger, d *sqs.Delivery) {
	// The global ceiling is claimed before any work: a throttled message
	// goes back without burning a delivery attempt's worth of DB reads.
	if allowed := w.allowGlobal(ctx, logger); !allowed {
		w.delay(ctx, logger, d, w.config.ThrottleDelay)
		return
	}

	jobID, err := uuid.Parse(d.Message.SendJobID)
	if err != nil {
		logger.Error("malformed message, dropping", zap.String("send_job_id", d.Message.SendJobID))
		w.delete(ctx, logger, d)
		return
	}

	metrics.IncInFlightJobs()
	attempt := w.sender.ProcessJob(ctx, jobID)
	metrics.DecInFlightJobs()
	metrics.RecordSendProcessed(attempt.Outcome.String(), w.sender.provider.Name())

	switch attempt.Outcome {
	case OutcomeSent:
		metrics.RecordSendLatency(w.sender.provider.Name(), time.Since(time.Unix(0, d.Message.EnqueuedAt)))
		w.delete(ctx, logger, d)

	case OutcomeSkipped, OutcomeFailed:
		w.delete(ctx, logger, d)

	case OutcomeDelay:
		w.delay(ctx, logger, d, attempt.Delay)

	case OutcomeRetry:
		if d.ReceiveCount >= w.config.MaxAttempts {
			logger.Warn("job exhausted retries",
				zap.String("send_job_id", d.Message.SendJobID),
				zap.Int("attempts", d.ReceiveCount),
			)
			w.sender.Exhaust(ctx, jobID, d.ReceiveCount)
			w.delete(ctx, logger, d)
			return
		}
		// No ack: the visibility timeout expires and the queue
		// redelivers with a bumped receive count.
		logger.Info("job left for redelivery",
			zap.String("send_job_id", d.Message.SendJobID),
			zap.Int("attempt", d.ReceiveCount),
		)
	}
}

// allowGlobal claims one slot under the fleet-wide send ceiling. A limiter
// outage fails open, same policy as the per-tenant counters.
func (w *Worker) allowGlobal(ctx context.Context, logger *zap.Logger) bool {
	result, err := w.limiter.Allow(ctx, globalSendKey)
	if err != nil {
		logger.Error("global limiter check failed, allowing", zap.Error(err))
		return true
	}
	return result.Allowed
}

func (w *Worker) delete(ctx context.Context, logger *zap.Logger, d *sqs.Delivery) {
	if err := w.consumer.Delete(ctx, d.ReceiptHandle); err != nil {
		logger.Error("delete failed", zap.Error(err), zap.String("send_job_id", d.Message.SendJobID))
	}
}

func (w *Worker) delay(ctx context.Context, logger *zap.Logger, d *sqs.Delivery, delay time.Duration) {
	seconds := int32(delay / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	// SQS caps visibility at 12 hours.
	if seconds > 43200 {
		seconds = 43200
	}
	if err := w.consumer.Delay(ctx, d.ReceiptHandle, seconds); err != nil {
		logger.Error("delay failed", zap.Error(err), zap.String("send_job_id", d.Message.SendJobID))
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.reconciler.Reconcile(ctx); err != nil {
				w.logger.Error("budget reconcile failed", zap.Error(err))
			}
		}
	}
}
