// Package inflight deduplicates concurrent resolutions of the same handle.
// While a resolution is pending, later callers attach to it instead of
// starting another.
package inflight

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	accountage "github.com/wolfeidau/account-age"
	"github.com/wolfeidau/account-age/telemetry"
	"golang.org/x/sync/singleflight"
)

// ResolveFunc performs one resolution. The context passed to it is detached
// from any single caller so one caller giving up does not cancel the work for
// the others.
type ResolveFunc func(ctx context.Context) (accountage.AgeRecord, error)

// Group tracks at most one pending resolution per handle.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	pending map[accountage.Handle]struct{}
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates an empty Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger:  slog.Default(),
		pending: make(map[accountage.Handle]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn for h unless a resolution for h is already pending, in which case
// it waits for that one. It returns the record, whether the result was shared
// with other callers, and any error.
//
// If ctx is done before the resolution completes, Do returns the context
// error; the resolution continues for the remaining callers.
func (g *Group) Do(ctx context.Context, h accountage.Handle, fn ResolveFunc) (accountage.AgeRecord, bool, error) {
	ch := g.group.DoChan(h.String(), func() (any, error) {
		g.mu.Lock()
		g.pending[h] = struct{}{}
		g.mu.Unlock()
		telemetry.AddInFlight(ctx, 1)

		defer func() {
			g.mu.Lock()
			delete(g.pending, h)
			g.mu.Unlock()
			telemetry.AddInFlight(ctx, -1)
		}()

		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			telemetry.RecordSharedResolution(ctx)
		}
		if res.Err != nil {
			return accountage.AgeRecord{}, res.Shared, res.Err
		}
		return res.Val.(accountage.AgeRecord), res.Shared, nil
	case <-ctx.Done():
		g.logger.Debug("caller stopped waiting for resolution", "handle", h, "error", ctx.Err())
		return accountage.AgeRecord{}, false, ctx.Err()
	}
}

// Pending returns the handles with a resolution in progress, sorted.
func (g *Group) Pending() []accountage.Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]accountage.Handle, 0, len(g.pending))
	for h := range g.pending {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of resolutions in progress.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// IsPending reports whether a resolution for h is in progress.
func (g *Group) IsPending(h accountage.Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[h]
	return ok
}
