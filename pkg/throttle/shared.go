package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Shared is one token bucket for every worker of a run, used when the rate
// is meant as an aggregate rather than per worker.
type Shared struct {
	limiter *rate.Limiter
}

// NewShared returns a limiter admitting r messages per second across all
// callers, with a burst of r. A rate of 0 returns Unlimited.
func NewShared(r int) Throttle {
	if r <= 0 {
		return Unlimited
	}
	return &Shared{limiter: rate.NewLimiter(rate.Limit(r), r)}
}

func (s *Shared) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}
