package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hungerpay/internal/clock"
	obsmetrics "github.com/smallbiznis/hungerpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/hungerpay/internal/payment/domain"
	"github.com/smallbiznis/hungerpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReconcile    = "payment_reconcile"
	JobTimeoutSweep = "payment_timeout_sweep"

	resourceDonations = "donations"

	// maxSweepBatches bounds one sweep run; leftovers wait for the next tick.
	maxSweepBatches = 10
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	paymentSvc paymentdomain.Service
	locker     jobLocker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.PaymentSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	// The lock outlives the job deadline slightly so a slow release never
	// lets a second replica start while this one is still finishing.
	err := s.withJobLock(ctx, name, timeout+5*time.Second, fn)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if errors.Is(err, errLockHeld) {
		log.Debug("job skipped, lock held elsewhere")
		return nil
	}
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; the next tick picks up the remainder.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce reconciles before sweeping so a record that can still be settled
// at the provider is not failed by the timeout.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobReconcile, s.ReconcileJob},
		{JobTimeoutSweep, s.TimeoutSweepJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// TimeoutSweepJob fails records that stayed non-terminal past the
// confirmation timeout. A late provider result for them is ignored.
func (s *Scheduler) TimeoutSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobTimeoutSweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	before := s.clock.Now().Add(-s.cfg.ConfirmationTimeout)
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for batch := 0; batch < maxSweepBatches; batch++ {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		expired, err := s.paymentSvc.ExpireStale(ctx, before, s.cfg.BatchSize)
		run.AddProcessed(expired)
		schedMetrics.AddBatchProcessed(JobTimeoutSweep, resourceDonations, expired)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.sweep.batch_failed", JobTimeoutSweep, err,
				zap.Int("expired", expired),
			)
			jobErr = errors.Join(jobErr, err)
		}
		if expired < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// ReconcileJob queries the provider for records still awaiting
// confirmation, for donors who closed the page before it was settled.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	before := s.clock.Now().Add(-s.cfg.ReconcileAfter)

	settled, err := s.paymentSvc.ReconcilePending(ctx, before, s.cfg.BatchSize)
	run.AddProcessed(settled)
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcile, resourceDonations, settled)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.failed", JobReconcile, err,
			zap.Int("settled", settled),
		)
		return err
	}
	return nil
}
