// Package expiry periodically removes expired entries from the cache and its
// persisted store.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/account-age/telemetry"
)

// DefaultCheckInterval is how often sweeps run when Config leaves it unset.
const DefaultCheckInterval = 10 * time.Minute

// Sweeper removes expired entries from one target.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	Name() string
}

// Config holds expiration configuration.
type Config struct {
	// CheckInterval is how often to sweep. Default: 10 minutes.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// Manager sweeps its targets on a fixed interval.
type Manager struct {
	config  Config
	targets []Sweeper
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates an expiration manager over targets. Targets are swept in
// the order given.
func NewManager(cfg Config, targets ...Sweeper) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		targets: targets,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps. The first sweep runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a sweep in progress to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Result is the outcome of one sweep over all targets.
type Result struct {
	// Deleted maps target name to entries removed.
	Deleted  map[string]int
	Errors   int
	Duration time.Duration
}

// Total returns the number of entries removed across all targets.
func (r *Result) Total() int {
	n := 0
	for _, d := range r.Deleted {
		n += d
	}
	return n
}

// RunOnce performs a single sweep over all targets.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{Deleted: make(map[string]int, len(m.targets))}

	m.logger.Debug("starting expiration check", "targets", len(m.targets))

	for _, target := range m.targets {
		if ctx.Err() != nil {
			break
		}
		targetStart := time.Now()
		n, err := target.Sweep(ctx)
		telemetry.RecordSweep(ctx, target.Name(), n, time.Since(targetStart))
		result.Deleted[target.Name()] += n
		if err != nil {
			m.logger.Warn("sweep failed", "target", target.Name(), "deleted", n, "error", err)
			result.Errors++
		}
	}

	result.Duration = m.now().Sub(start)

	if total := result.Total(); total > 0 {
		m.logger.Info("expiration complete",
			"deleted", total,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}
