package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/devtizi/city-cab/internal/session/domain"
)

// EvictFunc is told about sessions the sweeper removed, e.g. to close their sockets.
type EvictFunc func(ctx context.Context, removed []domain.Connection)

// Sweeper periodically removes idle sessions from a Registry.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	onEvict  EvictFunc
	logger   *slog.Logger
}

// NewSweeper constructs the sweep loop. Non-positive interval and timeout default to 1m and 5m.
func NewSweeper(registry *Registry, interval, timeout time.Duration, onEvict EvictFunc, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		onEvict:  onEvict,
		logger:   logger.With("component", "idle_sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "idle sweeper started", "interval", s.interval, "timeout", s.timeout)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "idle sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns the removed connections.
func (s *Sweeper) SweepOnce(ctx context.Context) []domain.Connection {
	removed := s.registry.SweepIdle(s.timeout)
	if len(removed) > 0 && s.onEvict != nil {
		s.onEvict(ctx, removed)
	}
	return removed
}
