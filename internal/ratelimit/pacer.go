package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyWriteBudget = "usageledger:write_budget"

const minPacerSleep = 10 * time.Millisecond

// Pacer spaces warehouse write batches. With a TokenBucket the budget is
// shared by every process writing to the same warehouse; otherwise it is
// enforced locally.
type Pacer struct {
	perSecond float64
	burst     int
	local     *rate.Limiter
	bucket    *TokenBucket
	log       *zap.Logger
}

// NewPacer returns nil when perSecond is not positive, which disables pacing.
func NewPacer(perSecond float64, bucket *TokenBucket, log *zap.Logger) *Pacer {
	if perSecond <= 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		perSecond: perSecond,
		burst:     burst,
		local:     rate.NewLimiter(rate.Limit(perSecond), burst),
		bucket:    bucket,
		log:       log.Named("ratelimit.pacer"),
	}
}

func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.bucket == nil {
		return p.local.Wait(ctx)
	}

	for {
		ok, wait, err := p.bucket.Take(ctx, keyWriteBudget, p.perSecond, p.burst)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("shared write budget unavailable, pacing locally", zap.Error(err))
			return p.local.Wait(ctx)
		}
		if ok {
			return nil
		}
		if wait < minPacerSleep {
			wait = minPacerSleep
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
