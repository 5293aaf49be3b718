package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces all outbound requests at least minInterval apart.
// The whole scrape targets one host, so a single global gate is enough;
// every fetch path must pass through Wait before touching the network
type RateLimiter struct {
	limiter     *rate.Limiter
	minInterval time.Duration
	log         *logrus.Logger
}

// NewRateLimiter creates a RateLimiter enforcing minInterval between request
// starts. A zero or negative interval disables throttling
func NewRateLimiter(minInterval time.Duration, log *logrus.Logger) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{
		// Burst of one: the bucket never accumulates a backlog of instantly
		// spendable tokens, so N waits always span at least (N-1) intervals
		limiter:     rate.NewLimiter(limit, 1),
		minInterval: minInterval,
		log:         log,
	}
}

// Wait blocks until the caller may issue the next request, or until ctx is
// cancelled. Cancellation during the wait returns the context's error
func (rl *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := rl.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		rl.log.WithFields(logrus.Fields{
			"waited": waited, "min_interval": rl.minInterval,
		}).Debug("Rate limit applied")
	}
	return nil
}
