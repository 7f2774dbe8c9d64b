package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerDisabledWithoutRate(t *testing.T) {
	p := NewPacer(0, nil, nil)
	assert.Nil(t, p)
	assert.NoError(t, p.Wait(context.Background()))
}

func TestPacerSpacesBatches(t *testing.T) {
	p := NewPacer(20, nil, nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 25; i++ {
		require.NoError(t, p.Wait(ctx))
	}
	// the burst of 20 is immediate, the remaining 5 need about 250ms
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestPacerHonorsContext(t *testing.T) {
	p := NewPacer(0.001, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Wait(ctx))
	assert.Error(t, p.Wait(ctx))
}

func TestRunLockWithoutRedisIsPermissive(t *testing.T) {
	lock := NewRunLock(NewLocker(nil), time.Minute, nil)
	release, err := lock.Acquire(context.Background(), "cursor")
	require.NoError(t, err)
	release()
}

func TestLockerRequiresClient(t *testing.T) {
	var l *Locker
	_, _, err := l.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
	_, err = l.Extend(context.Background(), "k", "t", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
}

func TestTokenBucketRequiresClient(t *testing.T) {
	_, _, err := NewTokenBucket(nil).Take(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)
	assert.Equal(t, 4*time.Second, bucketTTL(5, 10))
}
