// Package resolve coordinates handle extraction, cache lookups, fetches and
// annotation dispatch. Concurrent requests for the same handle share one
// resolution, so at most one fetch per handle is in flight at any time.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/extract"
	"github.com/wolfeidau/account-age/inflight"
	"github.com/wolfeidau/account-age/telemetry"
)

// DefaultNegativeTTL is how long unknown results are cached.
const DefaultNegativeTTL = 5 * time.Minute

// ErrClosed is returned by Request once the coordinator has shut down, and to
// callers whose pending resolution was dropped by the shutdown.
var ErrClosed = errors.New("coordinator closed")

// Cache is the age cache consulted before fetching. *cache.Cache implements it.
type Cache interface {
	Get(ctx context.Context, h accountage.Handle) (accountage.AgeRecord, bool)
	Put(ctx context.Context, h accountage.Handle, rec accountage.AgeRecord)
	PutTTL(ctx context.Context, h accountage.Handle, rec accountage.AgeRecord, ttl time.Duration)
}

// Fetcher resolves a handle against the upstream API. *fetch.Fetcher
// implements it.
type Fetcher interface {
	Resolve(ctx context.Context, h accountage.Handle) accountage.AgeRecord
}

// Config holds coordinator configuration.
type Config struct {
	Cache   Cache
	Fetcher Fetcher

	// Sink receives every completed resolution. Optional.
	Sink Sink

	// Extractor is used by Rescan. Default: extract.New().
	Extractor *extract.Extractor

	// NegativeTTL is the cache lifetime of unknown results. A negative
	// value disables caching them. Default: 5 minutes.
	NegativeTTL time.Duration

	Logger *slog.Logger
}

// Coordinator drives handles through their resolution cycle.
type Coordinator struct {
	cache       Cache
	fetcher     Fetcher
	sink        Sink
	extractor   *extract.Extractor
	negativeTTL time.Duration
	group       *inflight.Group
	logger      *slog.Logger
	observe     func(accountage.Handle, State)

	// ctx is cancelled by Shutdown; fetches run under it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	states map[accountage.Handle]State
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers fn to be called on every state transition. fn must
// not call back into the coordinator.
func WithObserver(fn func(h accountage.Handle, s State)) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// New creates a coordinator. Cache and Fetcher are required.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, errors.New("resolve: cache is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("resolve: fetcher is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = DefaultNegativeTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "resolve")
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cache:       cfg.Cache,
		fetcher:     cfg.Fetcher,
		sink:        cfg.Sink,
		extractor:   cfg.Extractor,
		negativeTTL: cfg.NegativeTTL,
		group:       inflight.New(inflight.WithLogger(logger)),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		states:      make(map[accountage.Handle]State),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request resolves h, attaching to a resolution already in progress if there
// is one. It returns ErrClosed after Shutdown, or ctx's error if the caller
// stops waiting; in the latter case the resolution still completes.
func (c *Coordinator) Request(ctx context.Context, h accountage.Handle) (accountage.AgeRecord, error) {
	if c.isClosed() {
		return accountage.AgeRecord{}, ErrClosed
	}

	rec, _, err := c.group.Do(ctx, h, func(shared context.Context) (accountage.AgeRecord, error) {
		return c.resolve(shared, h)
	})
	return rec, err
}

// resolve runs one cycle for h. It is only ever running once per handle.
// parent carries the first caller's values, such as the route; only Shutdown
// cancels the cycle.
func (c *Coordinator) resolve(parent context.Context, h accountage.Handle) (accountage.AgeRecord, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	defer c.clearState(h)

	c.setState(h, CacheCheck)
	if rec, ok := c.cache.Get(ctx, h); ok {
		c.setState(h, CacheHit)
		rec = rec.WithSource(accountage.SourceCache)
		telemetry.RecordResolution(ctx, string(rec.Source), rec.Known())
		c.complete(h, rec)
		return rec, nil
	}

	c.setState(h, CacheMiss)
	if c.isClosed() {
		return accountage.AgeRecord{}, ErrClosed
	}

	c.setState(h, Fetching)
	rec := c.fetcher.Resolve(ctx, h)
	if ctx.Err() != nil {
		// Shut down mid-fetch: drop the result without caching or notifying.
		c.logger.Debug("dropping resolution after shutdown", "handle", h)
		return accountage.AgeRecord{}, ErrClosed
	}

	c.setState(h, Resolved)
	rec.Handle = h
	rec.Source = accountage.SourceLive
	if rec.Known() {
		c.cache.Put(ctx, h, rec)
	} else if c.negativeTTL > 0 {
		c.cache.PutTTL(ctx, h, rec, c.negativeTTL)
	}
	telemetry.RecordResolution(ctx, string(rec.Source), rec.Known())
	c.complete(h, rec)
	return rec, nil
}

func (c *Coordinator) complete(h accountage.Handle, rec accountage.AgeRecord) {
	c.sink.OnResolved(h, rec)
	c.setState(h, Done)
	c.logger.Debug("resolved", "handle", h, "age_days", rec.AgeDays, "source", rec.Source)
}

// Rescan extracts handles from content and starts an asynchronous request for
// each. It returns the number of requests dispatched. Results are delivered
// to the sink.
func (c *Coordinator) Rescan(ctx context.Context, content []byte) int {
	// Background requests outlive ctx but keep its route for metrics.
	bg := telemetry.WithRouteContext(context.Background(), telemetry.RouteFromContext(ctx))
	n := 0
	for h := range c.extractor.Handles(content) {
		if ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			break
		}
		c.wg.Add(1)
		c.mu.Unlock()

		n++
		go func() {
			defer c.wg.Done()
			// Wait for the resolution itself so Shutdown can wait on it.
			if _, err := c.Request(bg, h); err != nil && !errors.Is(err, ErrClosed) {
				c.logger.Warn("background resolution failed", "handle", h, "error", err)
			}
		}()
	}
	if n > 0 {
		c.logger.Debug("rescan dispatched", "handles", n)
	}
	return n
}

// Shutdown stops new fetches, drops pending ones and waits for dispatched
// work to return or ctx to expire. Dropped resolutions are neither cached nor
// delivered to the sink.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("coordinator shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of handles currently being resolved.
func (c *Coordinator) InFlight() int {
	return c.group.Len()
}

// Pending returns the handles currently being resolved.
func (c *Coordinator) Pending() []accountage.Handle {
	return c.group.Pending()
}

// State returns the current state of h, or Idle if it is not being resolved.
func (c *Coordinator) State(h accountage.Handle) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[h]
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) setState(h accountage.Handle, s State) {
	c.mu.Lock()
	c.states[h] = s
	c.mu.Unlock()
	if c.observe != nil {
		c.observe(h, s)
	}
}

func (c *Coordinator) clearState(h accountage.Handle) {
	c.mu.Lock()
	delete(c.states, h)
	c.mu.Unlock()
	if c.observe != nil {
		c.observe(h, Idle)
	}
}
