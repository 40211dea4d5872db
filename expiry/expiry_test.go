package expiry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	name  string
	n     int
	err   error
	calls atomic.Int32
}

func (s *countingSweeper) Sweep(context.Context) (int, error) {
	s.calls.Add(1)
	return s.n, s.err
}

func (s *countingSweeper) Name() string {
	return s.name
}

func quietConfig(interval time.Duration) Config {
	return Config{
		CheckInterval: interval,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRunOnce(t *testing.T) {
	cache := &countingSweeper{name: "cache", n: 3}
	store := &countingSweeper{name: "bolt", n: 2, err: errors.New("disk full")}
	m := NewManager(quietConfig(time.Hour), cache, store)

	result := m.RunOnce(context.Background())

	require.Equal(t, 5, result.Total())
	require.Equal(t, 3, result.Deleted["cache"])
	require.Equal(t, 2, result.Deleted["bolt"])
	require.Equal(t, 1, result.Errors)
}

func TestRunOnceCanceled(t *testing.T) {
	target := &countingSweeper{name: "cache"}
	m := NewManager(quietConfig(time.Hour), target)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := m.RunOnce(ctx)
	require.Zero(t, result.Total())
	require.Zero(t, target.calls.Load())
}

func TestStartStop(t *testing.T) {
	target := &countingSweeper{name: "cache", n: 1}
	m := NewManager(quietConfig(10*time.Millisecond), target)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop()
	calls := target.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, target.calls.Load(), "no sweeps after stop")

	m.Stop()
	require.NoError(t, m.Start(context.Background()), "start after stop is a no-op")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, target.calls.Load())
}

func TestStopWithoutStart(t *testing.T) {
	m := NewManager(Config{})
	m.Stop()
	require.Equal(t, DefaultCheckInterval, m.config.CheckInterval)
}
