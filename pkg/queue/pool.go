package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// RunPool admits graph runs up to a concurrency cap and keeps a cancel
// function per active thread. Admission is the map insert itself: a thread
// holds at most one slot, so Cancel always reaches the run it names.
type RunPool struct {
	cfg Config

	root       context.Context
	rootCancel context.CancelFunc

	mu        sync.RWMutex
	active    map[string]context.CancelFunc
	draining  bool
	processed int

	wg sync.WaitGroup
}

// NewPool creates a run pool. Runs derive from an internal root context so
// a caller's request context cannot cancel an execution mid-checkpoint.
func NewPool(cfg Config) *RunPool {
	root, cancel := context.WithCancel(context.Background())
	return &RunPool{
		cfg:        cfg.withDefaults(),
		root:       root,
		rootCancel: cancel,
		active:     make(map[string]context.CancelFunc),
	}
}

// Do executes fn under a pool slot and blocks until it returns. Admission
// fails fast with ErrAtCapacity, ErrThreadActive or ErrDraining; callers
// that stream run Do on their own goroutine.
func (p *RunPool) Do(threadID string, fn RunFunc) error {
	runCtx, cancel := context.WithTimeout(p.root, p.cfg.RunTimeout)
	if err := p.admit(threadID, cancel); err != nil {
		cancel()
		return err
	}
	defer cancel()
	defer p.release(threadID)

	start := time.Now()
	err := fn(runCtx)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("run timed out after %v: %w", p.cfg.RunTimeout, err)
	}
	if err != nil {
		slog.Warn("run failed",
			"thread_id", threadID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return err
	}
	slog.Debug("run complete",
		"thread_id", threadID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Cancel triggers context cancellation for the named thread's active run.
// It reports whether a run was found.
func (p *RunPool) Cancel(threadID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[threadID]; ok {
		cancel()
		return true
	}
	return false
}

// Stop stops intake and waits for active runs to finish. When ctx expires
// first, remaining runs are cancelled and Stop waits for them to unwind so
// in-flight checkpoint writes complete before the process exits.
func (p *RunPool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	waiting := p.activeIDs()
	p.mu.Unlock()

	if len(waiting) > 0 {
		slog.Info("draining run pool", "count", len(waiting), "thread_ids", waiting)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("drain deadline reached, cancelling active runs")
		p.rootCancel()
		<-done
	}

	p.rootCancel()
	slog.Info("run pool stopped")
}

// Health reports pool status for the health endpoint.
func (p *RunPool) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Health{
		IsHealthy:     !p.draining,
		Active:        len(p.active),
		Capacity:      p.cfg.MaxConcurrent,
		RunsProcessed: p.processed,
		Draining:      p.draining,
		ActiveThreads: p.activeIDs(),
	}
}

func (p *RunPool) admit(threadID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return ErrDraining
	}
	if len(p.active) >= p.cfg.MaxConcurrent {
		return ErrAtCapacity
	}
	if _, running := p.active[threadID]; running {
		return fmt.Errorf("%s: %w", threadID, ErrThreadActive)
	}
	p.active[threadID] = cancel
	p.wg.Add(1)
	return nil
}

func (p *RunPool) release(threadID string) {
	p.mu.Lock()
	delete(p.active, threadID)
	p.processed++
	p.mu.Unlock()
	p.wg.Done()
}

// activeIDs is called with p.mu held.
func (p *RunPool) activeIDs() []string {
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
