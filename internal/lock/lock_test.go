package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Acquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "epochs:tick", "owner-1")

	mock.ExpectSetNX("epochs:tick", "owner-1", 5*time.Second).SetVal(true)
	mock.ExpectSetNX("epochs:tick", "owner-1", 5*time.Second).SetVal(false)

	assert.NoError(t, locker.Acquire(context.Background(), 5*time.Second))
	err := locker.Acquire(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	assert.Contains(t, err.Error(), "epochs:tick")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Release(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "epochs:tick", "owner-1")

	mock.ExpectEval(releaseScript, []string{"epochs:tick"}, "owner-1").SetVal(int64(1))
	mock.ExpectEval(releaseScript, []string{"epochs:tick"}, "owner-1").SetVal(int64(0))

	assert.NoError(t, locker.Release(context.Background()))
	assert.ErrorIs(t, locker.Release(context.Background()), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Refresh(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "executions:run", "owner-2")

	mock.ExpectEval(refreshScript, []string{"executions:run"}, "owner-2", "5000").SetVal(int64(1))

	assert.NoError(t, locker.Refresh(context.Background(), 5*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_AcquireWithin(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	holder := NewLocker(client, "k", "")
	require.NoError(t, holder.Acquire(ctx, time.Minute))

	waiter := NewLocker(client, "k", "")
	err := waiter.AcquireWithin(ctx, time.Minute, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, holder.Release(ctx))
	assert.NoError(t, waiter.AcquireWithin(ctx, time.Minute, 150*time.Millisecond))
}

func TestRunExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	calls := 0
	ran, err := RunExclusive(ctx, client, "cycle", time.Minute, func(ctx context.Context) error {
		calls++
		nested, err := RunExclusive(ctx, client, "cycle", time.Minute, func(context.Context) error {
			calls++
			return nil
		})
		assert.False(t, nested)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
	assert.False(t, mr.Exists("cycle"), "lease is released after the run")

	boom := errors.New("boom")
	ran, err = RunExclusive(ctx, client, "cycle", time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}
