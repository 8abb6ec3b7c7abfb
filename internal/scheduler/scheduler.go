package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/creditmeter/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobResetSweep    = "reset_sweep"
	JobExpireElapsed = "expire_elapsed"

	leaderKey = "creditmeter:scheduler:leader"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	Config          Config                       `optional:"true"`
	Locker          *ratelimit.Locker            `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler periodically applies due subscription resets so allotments land
// even for users who never call the API. With Redis configured only one
// replica runs each tick.
type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	locker          *ratelimit.Locker
	metrics         *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		locker:          p.Locker,
		metrics:         metrics,
	}, nil
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
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. It is a no-op when another replica
// holds the leader lock.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok, err := s.acquireLeader(parent)
	if err != nil {
		s.metrics.IncJobError(JobResetSweep, err)
		return err
	}
	if !ok {
		s.log.Debug("scheduler tick skipped, leader lock held elsewhere")
		return nil
	}
	defer release()

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobResetSweep, true, s.ResetSweepJob},
		{JobExpireElapsed, s.cfg.ExpireElapsed, s.ExpireElapsedJob},
	}

	var runErr error
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		runErr = errors.Join(runErr, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return runErr
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
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

func (s *Scheduler) acquireLeader(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	start := time.Now()
	token, ok, err := s.locker.TryLock(ctx, leaderKey, s.cfg.LeaderTTL)
	s.metrics.ObserveLockWait(obsmetrics.LockResourceResetSweep, time.Since(start))
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		_ = s.locker.Release(context.WithoutCancel(ctx), leaderKey, token)
	}, true, nil
}

func (s *Scheduler) ResetSweepJob(ctx context.Context) error {
	return s.drain(ctx, JobResetSweep, s.subscriptionSvc.SweepDueResets)
}

// ExpireElapsedJob flips terms that ran out without renewal to expired,
// forfeiting what remains of their allotment.
func (s *Scheduler) ExpireElapsedJob(ctx context.Context) error {
	return s.drain(ctx, JobExpireElapsed, s.subscriptionSvc.SweepElapsedTerms)
}

// drain repeats sweep until a batch comes back short. A failing batch stops
// the job so a poisoned row cannot spin the loop.
func (s *Scheduler) drain(ctx context.Context, job string, sweep func(context.Context, int) (int, error)) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := sweep(ctx, s.cfg.BatchSize)
		run.AddProcessed(processed)
		s.metrics.AddBatchProcessed(job, "user_credits", processed)
		if err != nil {
			run.IncError()
			return err
		}
		if processed < s.cfg.BatchSize {
			return nil
		}
	}
}
