// Package queue bounds concurrent graph runs and tracks them for
// cancellation and graceful drain.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for pool admission.
var (
	// ErrAtCapacity indicates the concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrThreadActive indicates the thread already has a run in flight.
	ErrThreadActive = errors.New("thread already running")

	// ErrDraining indicates the pool has stopped accepting new runs.
	ErrDraining = errors.New("pool is draining")
)

// RunFunc is one graph execution. The context carries the per-run timeout
// and is cancelled by Cancel or by the drain deadline, never by the HTTP
// request that started the run.
type RunFunc func(ctx context.Context) error

// Config holds run pool settings.
type Config struct {
	// MaxConcurrent caps simultaneous runs across all threads.
	MaxConcurrent int

	// RunTimeout bounds a single run end to end.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	return c
}

// Health is a point-in-time snapshot of the pool for the health endpoint.
type Health struct {
	IsHealthy     bool     `json:"is_healthy"`
	Active        int      `json:"active"`
	Capacity      int      `json:"capacity"`
	RunsProcessed int      `json:"runs_processed"`
	Draining      bool     `json:"draining"`
	ActiveThreads []string `json:"active_threads,omitempty"`
}
