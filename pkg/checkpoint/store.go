// Package checkpoint persists conversation state snapshots per super-step so
// an interrupted thread can resume from the last completed step.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/crewkit/crewd/pkg/state"
)

// ErrNoCheckpoint is returned when a thread has no saved checkpoints.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

// Snapshot is one persisted super-step of a thread.
type Snapshot struct {
	ThreadID  string       `json:"thread_id"`
	Step      int          `json:"step"`
	CreatedAt time.Time    `json:"created_at"`
	State     *state.State `json:"state"`
}

// Store persists one snapshot per (thread, step). Saving the same pair again
// overwrites the earlier row, so a resumed run can redo its last step without
// duplicating history.
type Store interface {
	Save(ctx context.Context, threadID string, step int, st *state.State) error
	Latest(ctx context.Context, threadID string) (*state.State, int, error)
	History(ctx context.Context, threadID string) ([]Snapshot, error)
	Close() error
}
