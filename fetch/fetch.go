// Package fetch resolves handles to account ages against the upstream API
// while honouring concurrency, request-interval and retry limits.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/telemetry"
	"github.com/wolfeidau/account-age/upstream"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxConcurrent       = 4
	DefaultMinInterval         = 250 * time.Millisecond
	DefaultRetryLimit          = 3
	DefaultBackoffBase         = 500 * time.Millisecond
	DefaultBackoffMax          = 30 * time.Second
	DefaultRateLimitMultiplier = 4
)

// Attempt outcomes recorded in metrics and logs.
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomePermanent   = "permanent"
	OutcomeRateLimited = "rate_limited"
	OutcomeTransient   = "transient"
	OutcomeCanceled    = "canceled"
)

// AccountFetcher performs a single lookup. *upstream.Upstream implements it.
type AccountFetcher interface {
	FetchAccount(ctx context.Context, h accountage.Handle) (*upstream.Account, error)
}

// Config holds fetcher configuration.
type Config struct {
	// MaxConcurrent caps outbound requests in flight. Default: 4.
	MaxConcurrent int

	// MinInterval is the minimum spacing between request starts. A negative
	// value disables spacing. Default: 250ms.
	MinInterval time.Duration

	// RetryLimit is the total number of attempts per resolution. Default: 3.
	RetryLimit int

	// BackoffBase is the first retry delay. Default: 500ms.
	BackoffBase time.Duration

	// BackoffMax caps a single retry delay before the rate limit multiplier
	// is applied. Default: 30s.
	BackoffMax time.Duration

	// RateLimitMultiplier scales the next delay after a 429. Default: 4.
	RateLimitMultiplier float64

	// Jitter is the backoff randomization factor in [0, 1]. Default: 0.
	Jitter float64

	Logger *slog.Logger
}

// Fetcher turns handles into AgeRecords. It is safe for concurrent use.
type Fetcher struct {
	upstream AccountFetcher
	config   Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithNow sets the time function used to compute ages.
func WithNow(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// New creates a fetcher over up.
func New(up AccountFetcher, cfg Config, opts ...Option) *Fetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.RateLimitMultiplier < 1 {
		cfg.RateLimitMultiplier = DefaultRateLimitMultiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	f := &Fetcher{
		upstream: up,
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   cfg.Logger.With("component", "fetch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// Resolve fetches the age of h. It never returns an error: permanent
// failures, exhausted retries and cancellation all yield an unknown record.
func (f *Fetcher) Resolve(ctx context.Context, h accountage.Handle) accountage.AgeRecord {
	start := time.Now()
	bo := newRateLimitBackOff(f.config)
	attempts := 0

	acct, err := backoff.Retry(ctx, func() (*upstream.Account, error) {
		attempts++
		acct, err := f.attempt(ctx, h)
		outcome := classify(ctx, err)
		telemetry.RecordFetchAttempt(ctx, outcome)

		switch outcome {
		case OutcomeSuccess:
			return acct, nil
		case OutcomeRateLimited:
			var se *upstream.StatusError
			if errors.As(err, &se) {
				bo.rateLimited(se.RetryAfter)
			}
			return nil, err
		case OutcomeTransient:
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.config.RetryLimit)), //nolint:gosec // RetryLimit is positive
		backoff.WithNotify(func(err error, next time.Duration) {
			f.logger.Debug("retrying fetch", "handle", h, "attempt", attempts, "delay", next, "error", err)
		}),
	)

	now := f.now()
	if err != nil {
		logAttrs := []any{"handle", h, "attempts", attempts, "outcome", classify(ctx, err), "duration", time.Since(start), "error", err}
		switch {
		case errors.Is(err, upstream.ErrNotFound):
			f.logger.Debug("account not found", logAttrs...)
		case ctx.Err() != nil:
			f.logger.Debug("fetch canceled", logAttrs...)
		default:
			f.logger.Warn("fetch failed", logAttrs...)
		}
		return accountage.UnknownRecord(h, now)
	}

	return accountage.AgeRecord{
		Handle:     h,
		AgeDays:    accountage.AgeInDays(acct.CreatedAt, now),
		ResolvedAt: now,
		Source:     accountage.SourceLive,
	}
}

// attempt performs one rate-limited request. The concurrency slot is held
// only for the duration of the request, never across a backoff delay.
func (f *Fetcher) attempt(ctx context.Context, h accountage.Handle) (*upstream.Account, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	if err := f.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	return f.upstream.FetchAccount(ctx, h)
}

// classify maps an attempt error onto an outcome. Only the caller's own
// context ending counts as canceled; a client timeout is a transport failure.
func classify(ctx context.Context, err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	if errors.Is(err, upstream.ErrNotFound) {
		return OutcomeNotFound
	}
	if errors.Is(err, upstream.ErrNoCreationTime) || errors.Is(err, upstream.ErrMalformed) {
		return OutcomePermanent
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		switch {
		case se.RateLimited():
			return OutcomeRateLimited
		case se.Temporary():
			return OutcomeTransient
		default:
			return OutcomePermanent
		}
	}
	// Transport failures.
	return OutcomeTransient
}
