package scheduler

import (
	"context"
	"errors"
	"time"

	obsmetrics "github.com/smallbiznis/hungerpay/internal/observability/metrics"
	"go.uber.org/zap"
)

const jobLockPrefix = "hungerpay:scheduler:"

type jobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

var errLockHeld = errors.New("job_lock_held")

// withJobLock runs fn while holding a per-job distributed lock so only one
// replica works a job at a time. Without a locker, or when redis is
// unreachable, fn runs anyway: every record update is version-guarded, the
// lock only avoids duplicate provider queries.
func (s *Scheduler) withJobLock(ctx context.Context, job string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	key := jobLockPrefix + job
	token, acquired, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		s.logger(ctx).Warn("scheduler.lock.unavailable",
			zap.String("job", job),
			zap.Error(err),
		)
		return fn(ctx)
	}
	if !acquired {
		obsmetrics.Scheduler().IncJobSkipped(job, obsmetrics.SchedulerSkipReasonLockHeld)
		return errLockHeld
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed",
				zap.String("job", job),
				zap.Error(err),
			)
		}
	}()

	return fn(ctx)
}
