// Package cleanup enforces checkpoint retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Store is the retention surface of the checkpoint store.
type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds retention settings.
type Config struct {
	// MaxThreadAge purges threads whose newest checkpoint is older than
	// this. Zero disables the sweeper.
	MaxThreadAge time.Duration

	// Interval is the time between sweeps.
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	return c
}

// Service periodically purges threads past the retention window. Threads go
// whole or not at all, so a purged thread can never resume from a partial
// history. Sweeps are idempotent and safe to run beside other instances
// sharing the store.
type Service struct {
	cfg   Config
	store Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, store Store) *Service {
	return &Service{cfg: cfg.withDefaults(), store: store}
}

// Start launches the background sweep loop. With retention disabled it logs
// and returns without starting anything.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	if s.cfg.MaxThreadAge <= 0 {
		slog.Info("checkpoint retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"max_thread_age", s.cfg.MaxThreadAge,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MaxThreadAge)
	count, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention purged expired checkpoints", "count", count)
	}
}
