package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var ErrPlatformLocked = errors.New("platform_run_in_progress")

const keyPlatformRun = "usageledger:run:%s"

// RunLock keeps two triggers from processing the same platform at once.
// Without Redis it grants every request.
type RunLock struct {
	locker *Locker
	ttl    time.Duration
	log    *zap.Logger
}

func NewRunLock(locker *Locker, ttl time.Duration, log *zap.Logger) *RunLock {
	if log == nil {
		log = zap.NewNop()
	}
	return &RunLock{locker: locker, ttl: ttl, log: log.Named("ratelimit.run_lock")}
}

// Acquire takes the platform lock and returns its release func. It fails
// with ErrPlatformLocked when another run holds it.
func (r *RunLock) Acquire(ctx context.Context, platform string) (func(), error) {
	if r == nil || r.locker == nil {
		return func() {}, nil
	}

	key := fmt.Sprintf(keyPlatformRun, platform)
	token, ok, err := r.locker.TryLock(ctx, key, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformLocked, platform)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(ctx, key, token, stop, done)

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.locker.Release(releaseCtx, key, token); err != nil {
			r.log.Warn("run lock release failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// keepAlive extends the lock every third of its ttl until stop is closed. A
// lock lost to expiry is logged; the run carries on since its writes are
// idempotent.
func (r *RunLock) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		extendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		held, err := r.locker.Extend(extendCtx, key, token, r.ttl)
		cancel()
		switch {
		case err != nil:
			r.log.Warn("run lock extend failed", zap.String("key", key), zap.Error(err))
		case !held:
			r.log.Warn("run lock lost", zap.String("key", key))
			return
		}
	}
}
