package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	refreshScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var (
	ErrHeld    = errors.New("lock is held by another owner")
	ErrNotHeld = errors.New("lock expired or is held by another owner")
)

// Locker is a single-key lease in Redis. The token identifies the owner so
// only the holder can release or refresh the lease.
type Locker struct {
	client redis.UniversalClient
	key    string
	token  string
}

// NewLocker returns a locker for key. An empty token gets a random one.
func NewLocker(client redis.UniversalClient, key, token string) *Locker {
	if token == "" {
		token = uuid.NewString()
	}
	return &Locker{client: client, key: key, token: token}
}

func (l *Locker) Key() string {
	return l.key
}

func (l *Locker) Acquire(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, l.key)
	}
	return nil
}

func (l *Locker) Release(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

func (l *Locker) Refresh(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

// AcquireWithin retries Acquire with exponential backoff until the lease is
// taken or wait elapses. Redis errors stop the retry immediately.
func (l *Locker) AcquireWithin(ctx context.Context, ttl, wait time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = wait

	return backoff.Retry(func() error {
		err := l.Acquire(ctx, ttl)
		if err == nil || errors.Is(err, ErrHeld) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

// RunExclusive runs fn while holding key. It returns false without running
// fn when another owner holds the lease.
func RunExclusive(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	locker := NewLocker(client, key, "")
	if err := locker.Acquire(ctx, ttl); err != nil {
		if errors.Is(err, ErrHeld) {
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := locker.Release(context.Background()); err != nil {
			logrus.WithField("key", key).Warnf("failed to release lock: %v", err)
		}
	}()
	return true, fn(ctx)
}
