package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// transitioner applies status changes through the store and reports them.
// It is shared by the scheduler and the reconciler so every transition is
// checked, counted and published the same way.
type transitioner struct {
	store   GraphStore
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  zerolog.Logger
	now     func() time.Time
}

// apply moves task to next with patch. It returns false when the task was
// changed concurrently or no longer exists; on success task reflects the
// stored state.
func (tr *transitioner) apply(ctx context.Context, task *Task, next TaskStatus, patch TaskPatch) (bool, error) {
	MustTransition(task.Status, next)
	if err := CheckPatch(next, patch); err != nil {
		return false, err
	}

	from := task.Status
	ok, err := tr.store.CompareAndSetStatus(ctx, task.ID, from, next, patch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to transition task %s from %s to %s: %w", task.ID, from, next, err)
	}
	if !ok {
		tr.logger.Debug().
			Str("task_id", task.ID).
			Str("from", string(from)).
			Str("to", string(next)).
			Msg("Transition lost to a concurrent update")
		return false, nil
	}

	patch.Apply(task, next, tr.now())
	tr.metrics.RecordTransition(string(from), string(next), task.ResourceType)
	_ = tr.events.PublishTaskTransition(task.RootID, task.ID, string(from), string(next), task.Message)

	ev := tr.logger.Debug()
	if next == TaskStatusFailed {
		ev = tr.logger.Warn().Str("message", task.Message)
		if id := telemetry.TraceID(ctx); id != "" {
			ev = ev.Str("trace_id", id)
		}
	}
	ev.Str("root_id", task.RootID).
		Str("task_id", task.ID).
		Str("key", task.Key).
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("Task transitioned")

	return true, nil
}
