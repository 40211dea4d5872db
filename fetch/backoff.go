package fetch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// rateLimitBackOff is an exponential backoff that stretches the delay
// following a 429 to max(Retry-After, next * multiplier).
type rateLimitBackOff struct {
	exp        *backoff.ExponentialBackOff
	multiplier float64

	limited    bool
	retryAfter time.Duration
}

func newRateLimitBackOff(cfg Config) *rateLimitBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BackoffBase
	exp.MaxInterval = cfg.BackoffMax
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.Jitter
	return &rateLimitBackOff{exp: exp, multiplier: cfg.RateLimitMultiplier}
}

// rateLimited marks the next delay as following a rate limit response.
func (b *rateLimitBackOff) rateLimited(retryAfter time.Duration) {
	b.limited = true
	b.retryAfter = retryAfter
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	next := b.exp.NextBackOff()
	if next == backoff.Stop || !b.limited {
		return next
	}
	b.limited = false
	next = time.Duration(float64(next) * b.multiplier)
	return max(next, b.retryAfter)
}

func (b *rateLimitBackOff) Reset() {
	b.exp.Reset()
	b.limited = false
	b.retryAfter = 0
}
