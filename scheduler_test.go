package relayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wiimdy/openfunderse-sub000/config"
	redlock "github.com/wiimdy/openfunderse-sub000/internal/lock"
)

func withSchedules(cnf *config.Configuration) {
	cnf.Epoch.Schedule = "@every 1h"
	cnf.Execution.Schedule = "@every 1h"
}

func TestSchedulerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := newTestEnv(t, withSchedules)
	s, err := NewScheduler(context.Background(), env.relayer)
	require.NoError(t, err)

	s.Start()
	s.Stop()
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	env := newTestEnv(t, func(cnf *config.Configuration) {
		withSchedules(cnf)
		cnf.Execution.Schedule = "every now and then"
	})
	_, err := NewScheduler(context.Background(), env.relayer)
	assert.Error(t, err)
}

func TestSchedulerTickEpochs(t *testing.T) {
	env := newTestEnv(t, withSchedules)
	fund := env.createFund(t, nil)
	s, err := NewScheduler(context.Background(), env.relayer)
	require.NoError(t, err)

	require.NoError(t, s.tickEpochs(context.Background()))

	open, err := env.store.GetOpenEpoch(context.Background(), fund.FundID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), open.EpochID)
}

func TestSchedulerRunExecutions(t *testing.T) {
	env := newTestEnv(t, withSchedules)
	s, err := NewScheduler(context.Background(), env.relayer)
	require.NoError(t, err)
	assert.NoError(t, s.runExecutions(context.Background()))
}

func TestRunLockedSkipsWhileLeaseHeld(t *testing.T) {
	client, _ := newTestRedis(t)
	env := newTestEnv(t, withSchedules, WithRedis(client))
	s, err := NewScheduler(context.Background(), env.relayer)
	require.NoError(t, err)

	ctx := context.Background()
	holder := redlock.NewLocker(client, executionLockKey, "other-replica")
	require.NoError(t, holder.Acquire(ctx, time.Minute))

	runs := 0
	job := func(context.Context) error {
		runs++
		return nil
	}

	s.runLocked(ctx, executionLockKey, job)
	assert.Equal(t, 0, runs)

	require.NoError(t, holder.Release(ctx))
	s.runLocked(ctx, executionLockKey, job)
	assert.Equal(t, 1, runs)

	exists, err := client.Exists(ctx, executionLockKey).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "lease must be released after the run")
}

func TestTickAllExclusiveWaitsForLease(t *testing.T) {
	client, _ := newTestRedis(t)
	env := newTestEnv(t, withSchedules, WithRedis(client))
	fund := env.createFund(t, nil)
	ctx := context.Background()

	holder := redlock.NewLocker(client, epochTickLockKey, "scheduler")
	require.NoError(t, holder.Acquire(ctx, time.Minute))

	_, err := env.relayer.TickAllExclusive(ctx, env.now, 0, 100*time.Millisecond)
	assert.ErrorIs(t, err, redlock.ErrHeld)
	_, err = env.store.GetOpenEpoch(ctx, fund.FundID)
	assert.Error(t, err, "no tick may run while the lease is held")

	require.NoError(t, holder.Release(ctx))
	results, err := env.relayer.TickAllExclusive(ctx, env.now, 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, TickOpened, results[0].Action)

	exists, err := client.Exists(ctx, epochTickLockKey).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestTickAllExclusiveWithoutRedis(t *testing.T) {
	env := newTestEnv(t, withSchedules)
	env.createFund(t, nil)

	results, err := env.relayer.TickAllExclusive(context.Background(), env.now, 0, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, TickOpened, results[0].Action)
}
