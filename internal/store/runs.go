package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// RunTracker records that a worker picked up a queued task.
type RunTracker struct {
	store Store
}

// NewRunTracker wraps st.
func NewRunTracker(st Store) *RunTracker {
	return &RunTracker{store: st}
}

// MarkRunning moves a PENDING run to RUNNING and reports whether it did.
// Unknown runs and runs in any other state are left alone, so a redelivered
// task never pulls a finished run back.
func (r *RunTracker) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	moved := false
	err := r.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.RunByUUID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if run.Status != pipeline.RunStatusPending {
			return nil
		}
		run.Status = pipeline.RunStatusRunning
		moved = true
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		return false, fmt.Errorf("mark run %s running: %w", id, err)
	}
	return moved, nil
}
