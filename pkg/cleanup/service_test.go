package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int64
	err     error
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.count, f.err
}

func (f *fakeStore) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestServiceSweepUsesRetentionCutoff(t *testing.T) {
	store := &fakeStore{count: 3}
	svc := NewService(Config{MaxThreadAge: 30 * 24 * time.Hour}, store)

	before := time.Now().Add(-30 * 24 * time.Hour)
	svc.sweep(context.Background())
	after := time.Now().Add(-30 * 24 * time.Hour)

	require.Equal(t, 1, store.sweeps())
	cutoff := store.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestServiceSweepSurvivesStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db gone")}
	svc := NewService(Config{MaxThreadAge: time.Hour}, store)

	assert.NotPanics(t, func() { svc.sweep(context.Background()) })
	assert.Equal(t, 1, store.sweeps())
}

func TestServiceStartSweepsOnInterval(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(Config{MaxThreadAge: time.Hour, Interval: 10 * time.Millisecond}, store)

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return store.sweeps() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestServiceDisabledWithoutRetention(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(Config{}, store)

	svc.Start(context.Background())
	svc.Stop()

	assert.Equal(t, 0, store.sweeps())
}

func TestServiceStopIdempotent(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(Config{MaxThreadAge: time.Hour, Interval: time.Hour}, store)

	svc.Start(context.Background())
	svc.Stop()
	assert.NotPanics(t, func() { svc.Stop() })
}
