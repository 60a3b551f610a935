package connectors

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/zerafachris/onyx-cz-sub000/common"
)

// SourceLimiter throttles calls against one external source and retries
// them when the source throttles back. Adapters wrap every outbound request
// in Do; a models.RateLimitedError returned by the request is retried after
// the server-provided delay through the retry combinator.
type SourceLimiter struct {
	limiter *rate.Limiter
	policy  common.RetryPolicy
}

// NewSourceLimiter builds a limiter allowing rps requests per second with
// the given burst. A non-positive rps disables client-side throttling and
// keeps only the retry behavior.
func NewSourceLimiter(rps float64, burst int) *SourceLimiter {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &SourceLimiter{
		limiter: limiter,
		policy: common.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		},
	}
}

// Do waits for a rate-limit token and runs fn, retrying rate-limited and
// transient failures per the policy.
func (l *SourceLimiter) Do(ctx context.Context, fn func() error) error {
	return common.Retry(ctx, l.policy, func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return common.Permanent(err)
		}
		return fn()
	})
}
