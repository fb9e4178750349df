package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Reasons a dispatch is dropped without running the task.
const (
	dropLeaseHeld     = "lease_held"
	dropNotFound      = "not_found"
	dropRootInactive  = "root_inactive"
	dropBlocked       = "predecessors_pending"
	dropNotEligible   = "not_eligible"
	dropStatusChanged = "status_changed"
)

// LeaseTable tracks the tasks currently executing in this process. A task
// id is leased for the duration of one dispatch. Deliveries that find the
// lease taken are remembered so the holder can redeliver once.
type LeaseTable struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLeaseTable creates an empty lease table.
func NewLeaseTable() *LeaseTable {
	return &LeaseTable{held: make(map[string]bool)}
}

// Acquire takes the lease for id. It returns false when the lease is held,
// marking the lease as missed.
func (l *LeaseTable) Acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		l.held[id] = true
		return false
	}
	l.held[id] = false
	return true
}

// Release gives up the lease for id. It reports whether any delivery was
// turned away while the lease was held.
func (l *LeaseTable) Release(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	missed := l.held[id]
	delete(l.held, id)
	return missed
}

// Held reports whether the lease for id is currently taken.
func (l *LeaseTable) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// Len returns the number of leases currently held.
func (l *LeaseTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// runFunc executes a task that was just moved to running from prev.
type runFunc func(ctx context.Context, root *Root, task *Task, prev TaskStatus) error

// Scheduler hands eligible tasks to the trigger and, when the trigger calls
// back, claims and runs them at most once at a time.
type Scheduler struct {
	store      GraphStore
	trigger    Trigger
	leases     *LeaseTable
	tr         *transitioner
	run        runFunc
	retryDelay time.Duration

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Enqueue asks the trigger to dispatch taskID now. A capacity error is not
// returned: the dispatch is retried after the retry delay instead.
func (s *Scheduler) Enqueue(ctx context.Context, taskID string) error {
	err := s.trigger.ScheduleNow(ctx, taskID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrCapacityExhausted) {
		return fmt.Errorf("failed to schedule task %s: %w", taskID, err)
	}

	s.metrics.RecordDispatchRetry()
	s.logger.Debug().
		Str("task_id", taskID).
		Dur("retry_in", s.retryDelay).
		Msg("Worker capacity exhausted, retrying dispatch later")
	return s.EnqueueAfter(ctx, taskID, s.retryDelay)
}

// EnqueueAfter asks the trigger to dispatch taskID once delay elapsed. When
// the trigger is out of capacity a local timer retries the enqueue.
func (s *Scheduler) EnqueueAfter(ctx context.Context, taskID string, delay time.Duration) error {
	err := s.trigger.ScheduleAfter(ctx, taskID, delay)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrCapacityExhausted) {
		return fmt.Errorf("failed to schedule task %s after %s: %w", taskID, delay, err)
	}

	s.metrics.RecordDispatchRetry()
	wait := max(delay, s.retryDelay)
	time.AfterFunc(wait, func() {
		if err := s.Enqueue(context.Background(), taskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to re-enqueue task")
		}
	})
	return nil
}

// Dispatch claims taskID and runs it if it is eligible. Stale dispatches
// are dropped and reported as success, since the trigger has nothing to
// retry. Deliveries arriving while the task is leased collapse into a
// single redelivery once the lease is released. A dispatch that fails
// before the task is claimed is rescheduled after the retry delay.
func (s *Scheduler) Dispatch(ctx context.Context, taskID string) error {
	if !s.leases.Acquire(taskID) {
		s.drop(taskID, dropLeaseHeld)
		return nil
	}
	defer s.release(taskID)

	ctx, span := s.tracer.StartDispatchSpan(ctx, taskID)
	defer span.End()

	task, err := s.store.Load(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		s.drop(taskID, dropNotFound)
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return s.retry(ctx, taskID, fmt.Errorf("failed to load task %s: %w", taskID, err))
	}

	root, err := s.store.LoadRoot(ctx, task.RootID)
	if errors.Is(err, ErrNotFound) {
		s.drop(taskID, dropNotFound)
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return s.retry(ctx, taskID, fmt.Errorf("failed to load root %s: %w", task.RootID, err))
	}

	switch task.Status {
	case TaskStatusPending:
		if !root.Activated || root.Cancelled {
			s.drop(taskID, dropRootInactive)
			return nil
		}
		if !root.PredecessorsSatisfied(task) {
			s.drop(taskID, dropBlocked)
			return nil
		}

	case TaskStatusWaitingOnRemote:
		// Re-checks arriving early are pushed back, not lost.
		if wait := task.NotBefore.Sub(s.tr.now()); wait > 0 {
			return s.EnqueueAfter(ctx, taskID, wait)
		}

	default:
		s.drop(taskID, dropNotEligible)
		return nil
	}

	prev := task.Status
	ok, err := s.tr.apply(ctx, task, TaskStatusRunning, TaskPatch{})
	if err != nil {
		telemetry.RecordError(span, err)
		return s.retry(ctx, taskID, err)
	}
	if !ok {
		s.drop(taskID, dropStatusChanged)
		return nil
	}
	s.metrics.RecordDispatch()

	span.SetAttributes(
		telemetry.AttrRootID.String(root.ID),
		telemetry.AttrTaskKind.String(string(task.Kind)),
		telemetry.AttrResourceType.String(task.ResourceType),
	)

	if err := s.run(ctx, root, task, prev); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// release gives up the lease and redelivers the task if a dispatch was
// turned away meanwhile.
func (s *Scheduler) release(taskID string) {
	if !s.leases.Release(taskID) {
		return
	}
	s.logger.Debug().Str("task_id", taskID).Msg("Redelivering dispatch that arrived during execution")
	if err := s.Enqueue(context.Background(), taskID); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to redeliver task")
	}
}

// retry reschedules a dispatch that failed before the task was claimed and
// returns cause.
func (s *Scheduler) retry(ctx context.Context, taskID string, cause error) error {
	s.metrics.RecordDispatchRetry()
	s.logger.Warn().
		Err(cause).
		Str("task_id", taskID).
		Dur("retry_in", s.retryDelay).
		Msg("Dispatch failed, retrying later")
	if err := s.EnqueueAfter(context.WithoutCancel(ctx), taskID, s.retryDelay); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Scheduler) drop(taskID, reason string) {
	s.metrics.RecordDispatchDropped(reason)
	s.logger.Debug().Str("task_id", taskID).Str("reason", reason).Msg("Dispatch dropped")
}
