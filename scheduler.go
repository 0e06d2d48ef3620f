package relayer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	redlock "github.com/wiimdy/openfunderse-sub000/internal/lock"
)

const (
	epochTickLockKey      = "lock:scheduler:epochs"
	executionLockKey      = "lock:scheduler:executions"
	scheduledRunTimeout   = 2 * time.Minute
	scheduledLockLeaseTTL = 3 * time.Minute
)

// Scheduler runs the epoch tick and the execution cycle on their configured
// cron schedules. With redis available each run holds a lease, so only one
// replica ticks at a time.
type Scheduler struct {
	relayer *Relayer
	cron    *cron.Cron
}

func NewScheduler(ctx context.Context, r *Relayer) (*Scheduler, error) {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	s := &Scheduler{
		relayer: r,
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}

	if _, err := s.cron.AddFunc(r.config.Epoch.Schedule, func() { s.runLocked(ctx, epochTickLockKey, s.tickEpochs) }); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(r.config.Execution.Schedule, func() { s.runLocked(ctx, executionLockKey, s.runExecutions) }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logrus.WithFields(logrus.Fields{
		"epoch_schedule":     s.relayer.config.Epoch.Schedule,
		"execution_schedule": s.relayer.config.Execution.Schedule,
	}).Info("scheduler started")
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runLocked(ctx context.Context, key string, fn func(context.Context) error) {
	rctx, cancel := context.WithTimeout(ctx, scheduledRunTimeout)
	defer cancel()

	if s.relayer.redis == nil {
		if err := fn(rctx); err != nil {
			logrus.WithError(err).WithField("job", key).Error("scheduled run failed")
		}
		return
	}

	ran, err := redlock.RunExclusive(rctx, s.relayer.redis, key, scheduledLockLeaseTTL, fn)
	if err != nil {
		logrus.WithError(err).WithField("job", key).Error("scheduled run failed")
		return
	}
	if !ran {
		logrus.WithField("job", key).Debug("another replica holds the schedule lease")
	}
}

// TickAllExclusive runs TickAll under the scheduler's epoch lease, waiting up
// to wait for a scheduled tick in flight to finish. Without redis it ticks
// directly.
func (r *Relayer) TickAllExclusive(ctx context.Context, now time.Time, limit int, wait time.Duration) ([]TickResult, error) {
	if r.redis == nil {
		return r.TickAll(ctx, now, limit)
	}
	locker := redlock.NewLocker(r.redis, epochTickLockKey, "")
	if err := locker.AcquireWithin(ctx, scheduledLockLeaseTTL, wait); err != nil {
		return nil, err
	}
	defer func() {
		if err := locker.Release(context.Background()); err != nil {
			logrus.WithError(err).Warn("failed to release epoch tick lease")
		}
	}()
	return r.TickAll(ctx, now, limit)
}

func (s *Scheduler) tickEpochs(ctx context.Context) error {
	results, err := s.relayer.TickAll(ctx, s.relayer.now(), 0)
	if err != nil {
		return err
	}
	logrus.WithField("funds", len(results)).Debug("epoch tick complete")
	return nil
}

func (s *Scheduler) runExecutions(ctx context.Context) error {
	report, err := s.relayer.RunExecutionCycle(ctx, s.relayer.now())
	if err != nil {
		return err
	}
	logrus.WithField("processed", report.Processed).Debug("execution cycle complete")
	return nil
}
