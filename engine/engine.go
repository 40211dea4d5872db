// Package engine assembles the lookup pipeline from configuration: persisted
// store, cache, upstream client, fetcher, coordinator, annotation sinks and
// the expiry manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/wolfeidau/account-age/annotate"
	"github.com/wolfeidau/account-age/cache"
	"github.com/wolfeidau/account-age/config"
	"github.com/wolfeidau/account-age/expiry"
	"github.com/wolfeidau/account-age/extract"
	"github.com/wolfeidau/account-age/fetch"
	"github.com/wolfeidau/account-age/resolve"
	"github.com/wolfeidau/account-age/store"
	"github.com/wolfeidau/account-age/store/boltstore"
	"github.com/wolfeidau/account-age/store/redisstore"
	"github.com/wolfeidau/account-age/upstream"
)

// Config holds engine configuration.
type Config struct {
	Settings config.Config

	// BearerToken is sent to the account-history API. Optional.
	BearerToken string

	// Upstream overrides the account-history client built from Settings.
	Upstream fetch.AccountFetcher

	// Sinks receive annotations in addition to the engine's Board.
	Sinks []resolve.Sink

	Logger *slog.Logger
}

// Engine is a running lookup pipeline.
type Engine struct {
	Settings    config.Config
	Store       store.Store // nil when persistence is disabled
	Cache       *cache.Cache
	Fetcher     *fetch.Fetcher
	Coordinator *resolve.Coordinator
	Board       *annotate.Board
	Extractor   *extract.Extractor

	expiry *expiry.Manager
	logger *slog.Logger
}

// New builds an engine and restores persisted cache entries.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := cfg.Settings
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	st, err := openStore(ctx, s, cfg.Logger)
	if err != nil {
		return nil, err
	}

	cacheCfg := cache.Config{
		TTL:        s.CacheTTL(),
		MaxEntries: s.MaxCacheEntries,
		Logger:     cfg.Logger.With("component", "cache"),
	}
	if st != nil {
		cacheCfg.Persister = st
	}
	c := cache.New(cacheCfg)

	if st != nil {
		entries, err := st.Load(ctx)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("loading persisted entries: %w", err)
		}
		restored := c.Restore(ctx, entries)
		cfg.Logger.Info("restored cache", "store", st.Name(), "entries", restored)
	}

	up := cfg.Upstream
	if up == nil {
		opts := []upstream.Option{
			upstream.WithEndpoint(s.Endpoint),
			upstream.WithUserAgent(s.UserAgent),
		}
		if cfg.BearerToken != "" {
			opts = append(opts, upstream.WithBearerToken(cfg.BearerToken))
		}
		up = upstream.New(opts...)
	}

	minInterval := s.MinFetchInterval()
	if minInterval == 0 {
		minInterval = -1
	}
	fetcher := fetch.New(up, fetch.Config{
		MaxConcurrent: s.MaxConcurrentFetches,
		MinInterval:   minInterval,
		RetryLimit:    s.RetryLimit,
		BackoffBase:   s.BackoffBase(),
		BackoffMax:    s.BackoffMax(),
		Logger:        cfg.Logger,
	})

	board := annotate.NewBoard(s.AnnotationLimit)
	sinks := annotate.Multi{board, annotate.NewLogger(cfg.Logger, slog.LevelDebug)}
	sinks = append(sinks, cfg.Sinks...)

	negativeTTL := s.NegativeCacheTTL()
	if negativeTTL == 0 {
		negativeTTL = -1
	}
	extractor := extract.New(extract.WithIgnore(s.Ignore...), extract.WithTextMentions(s.TextMentions))
	coord, err := resolve.New(resolve.Config{
		Cache:       c,
		Fetcher:     fetcher,
		Sink:        sinks,
		Extractor:   extractor,
		NegativeTTL: negativeTTL,
		Logger:      cfg.Logger,
	})
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}

	targets := []expiry.Sweeper{c}
	if st != nil {
		targets = append(targets, st)
	}

	return &Engine{
		Settings:    s,
		Store:       st,
		Cache:       c,
		Fetcher:     fetcher,
		Coordinator: coord,
		Board:       board,
		Extractor:   extractor,
		expiry: expiry.NewManager(expiry.Config{
			CheckInterval: s.SweepInterval(),
			Logger:        cfg.Logger,
		}, targets...),
		logger: cfg.Logger,
	}, nil
}

func openStore(ctx context.Context, s config.Config, logger *slog.Logger) (store.Store, error) {
	switch {
	case s.StoragePath != "":
		st, err := boltstore.Open(s.StoragePath, boltstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return st, nil
	case s.RedisAddr != "":
		st, err := redisstore.Dial(ctx, &redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		}, redisstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		return st, nil
	default:
		return nil, nil
	}
}

// Start begins periodic sweeping of expired entries.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting expiry manager", "check_interval", e.Settings.SweepInterval())
	return e.expiry.Start(ctx)
}

// Sweep runs one expiry pass immediately.
func (e *Engine) Sweep(ctx context.Context) *expiry.Result {
	return e.expiry.RunOnce(ctx)
}

// Close shuts down the coordinator, stops sweeping and closes the store.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down coordinator: %w", err))
	}
	e.expiry.Stop()
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
