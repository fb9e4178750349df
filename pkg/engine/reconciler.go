package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxTransportAttempts is the transport failure budget of a task
// when none is configured.
const DefaultMaxTransportAttempts = 5

const (
	msgRejected     = "rejected by remote"
	msgRemoteFailed = "remote operation failed"
)

// Reconciler drives a running task to its next state: it invokes action
// tasks and inspects the remote side of waiting ones.
type Reconciler struct {
	tr          *transitioner
	registry    *Registry
	backoff     BackoffPolicy
	maxAttempts int
	scheduler   *Scheduler
	propagator  *Propagator

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Run executes task, which was moved to running from prev.
func (r *Reconciler) Run(ctx context.Context, root *Root, task *Task, prev TaskStatus) error {
	exec, ok := r.registry.Lookup(task.ResourceType)
	if !ok {
		return r.fail(ctx, task, fmt.Sprintf("no executor registered for resource type %s", task.ResourceType), TaskPatch{})
	}

	if task.Kind.IsWait() {
		handle := task.RemoteHandle()
		var patch TaskPatch
		if handle == "" {
			handle = pairedHandle(root, task)
			if handle == "" {
				return r.fail(ctx, task, fmt.Sprintf("no remote handle available for %s task %s", task.Kind, task.Key), TaskPatch{})
			}
			patch.Metadata = map[string]any{MetadataRemoteHandle: handle}
		}
		return r.inspect(ctx, exec, task, handle, patch)
	}

	// An action task waiting without a handle never learned whether its
	// invoke went through; it is invoked again.
	if prev == TaskStatusWaitingOnRemote && task.RemoteHandle() != "" {
		return r.inspect(ctx, exec, task, task.RemoteHandle(), TaskPatch{})
	}
	return r.invoke(ctx, exec, root, task)
}

func (r *Reconciler) invoke(ctx context.Context, exec Executor, root *Root, task *Task) error {
	ctx, span := r.tracer.StartExecutorSpan(ctx, task.ResourceType, "invoke", task.ID)
	defer span.End()

	timer := telemetry.NewTimer()
	res, err := exec.Invoke(ctx, task.Clone())
	r.metrics.RecordExecutorCall(task.ResourceType, "invoke", timer.Duration())

	if err != nil {
		telemetry.RecordError(span, err)
		if IsPermanent(err) {
			return r.fail(ctx, task, failureMessage(err, msgRejected), TaskPatch{})
		}
		r.metrics.RecordExecutorError(task.ResourceType, "invoke")
		return r.transportFailure(ctx, task, err, TaskPatch{})
	}
	telemetry.RecordSuccess(span)
	attempts := 0

	switch res.Outcome {
	case OutcomeAccepted:
		if res.RemoteHandle == "" {
			return r.fail(ctx, task, "executor accepted the request without a remote handle", TaskPatch{})
		}
		patch := TaskPatch{
			Metadata: map[string]any{MetadataRemoteHandle: res.RemoteHandle},
			Attempts: &attempts,
		}
		if res.Message != "" {
			patch.Message = &res.Message
		}
		if hasPairedWait(root, task) {
			return r.succeed(ctx, task, patch)
		}
		return r.wait(ctx, task, patch)

	case OutcomeAlreadySatisfied:
		patch := TaskPatch{Attempts: &attempts}
		if res.Message != "" {
			patch.Message = &res.Message
		}
		return r.succeed(ctx, task, patch)

	case OutcomeRejected:
		msg := res.Message
		if msg == "" {
			msg = msgRejected
		}
		return r.fail(ctx, task, msg, TaskPatch{})

	default:
		return r.fail(ctx, task, fmt.Sprintf("executor returned unknown outcome %q", res.Outcome), TaskPatch{})
	}
}

func (r *Reconciler) inspect(ctx context.Context, exec Executor, task *Task, handle string, patch TaskPatch) error {
	ctx, span := r.tracer.StartExecutorSpan(ctx, task.ResourceType, "inspect", task.ID)
	defer span.End()

	polls := task.Polls + 1
	patch.Polls = &polls

	timer := telemetry.NewTimer()
	res, err := exec.Inspect(ctx, handle)
	r.metrics.RecordExecutorCall(task.ResourceType, "inspect", timer.Duration())

	if err != nil {
		telemetry.RecordError(span, err)
		if IsPermanent(err) {
			return r.fail(ctx, task, failureMessage(err, msgRemoteFailed), patch)
		}
		r.metrics.RecordExecutorError(task.ResourceType, "inspect")
		return r.transportFailure(ctx, task, err, patch)
	}
	telemetry.RecordSuccess(span)
	r.metrics.RecordPoll(task.ResourceType, string(res.State))

	attempts := 0
	patch.Attempts = &attempts

	switch res.State {
	case LifecycleStable:
		ref := res.Detail
		if ref == "" {
			ref = handle
		}
		if err := r.tr.store.PersistResourceRef(ctx, task.ID, ref); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return r.transportFailure(ctx, task, fmt.Errorf("failed to persist resource ref: %w", err), patch)
		}
		patch.ResourceRef = &ref
		return r.succeed(ctx, task, patch)

	case LifecyclePending:
		return r.wait(ctx, task, patch)

	case LifecycleFailed:
		msg := res.Detail
		if msg == "" {
			msg = msgRemoteFailed
		}
		return r.fail(ctx, task, msg, patch)

	default:
		return r.fail(ctx, task, fmt.Sprintf("executor returned unknown lifecycle state %q", res.State), patch)
	}
}

// transportFailure counts a failed remote call and either schedules another
// attempt or, once the budget is spent, fails the task.
func (r *Reconciler) transportFailure(ctx context.Context, task *Task, cause error, patch TaskPatch) error {
	attempts := task.Attempts + 1
	patch.Attempts = &attempts

	if attempts >= r.maxAttempts {
		r.metrics.RecordReconcileExhausted(task.ResourceType)
		r.metrics.RecordError(string(ErrorClassOf(cause)), ErrCodeReconcileExhausted)
		msg := fmt.Sprintf("reconciliation exhausted after %d attempts: %v", attempts, cause)
		return r.fail(ctx, task, msg, patch)
	}

	r.logger.Warn().
		Err(cause).
		Str("task_id", task.ID).
		Int("attempt", attempts).
		Int("max_attempts", r.maxAttempts).
		Msg("Transport error, will retry")
	return r.wait(ctx, task, patch)
}

// wait parks the task until its next re-check.
func (r *Reconciler) wait(ctx context.Context, task *Task, patch TaskPatch) error {
	// The policy sees the counters as they will be stored.
	next := task.Clone()
	if patch.Polls != nil {
		next.Polls = *patch.Polls
	}
	if patch.Attempts != nil {
		next.Attempts = *patch.Attempts
	}
	delay := r.backoff.Delay(next)
	notBefore := r.tr.now().Add(delay)
	patch.NotBefore = &notBefore

	ok, err := r.tr.apply(ctx, task, TaskStatusWaitingOnRemote, patch)
	if err != nil || !ok {
		return err
	}
	return r.scheduler.EnqueueAfter(ctx, task.ID, delay)
}

func (r *Reconciler) succeed(ctx context.Context, task *Task, patch TaskPatch) error {
	ok, err := r.tr.apply(ctx, task, TaskStatusSuccessful, patch)
	if err != nil || !ok {
		return err
	}
	return r.propagator.TaskSettled(ctx, task)
}

func (r *Reconciler) fail(ctx context.Context, task *Task, msg string, patch TaskPatch) error {
	patch.Message = &msg
	ok, err := r.tr.apply(ctx, task, TaskStatusFailed, patch)
	if err != nil || !ok {
		return err
	}
	trace.SpanFromContext(ctx).AddEvent("task.failed")
	return r.propagator.TaskSettled(ctx, task)
}

// hasPairedWait reports whether a successor of task observes the remote
// operation it starts.
func hasPairedWait(root *Root, task *Task) bool {
	if root == nil {
		return false
	}
	want := task.Kind.WaitKind()
	for _, id := range task.Successors {
		succ := root.Task(id)
		if succ != nil && succ.Kind == want && succ.ResourceType == task.ResourceType {
			return true
		}
	}
	return false
}

// pairedHandle finds the remote handle a wait task observes in the
// metadata of its predecessors.
func pairedHandle(root *Root, task *Task) string {
	if root == nil {
		return ""
	}
	for _, id := range task.Predecessors {
		pred := root.Task(id)
		if pred == nil || pred.ResourceType != task.ResourceType {
			continue
		}
		if h := pred.RemoteHandle(); h != "" {
			return h
		}
	}
	return ""
}

// failureMessage extracts the task message for a permanent executor error.
func failureMessage(err error, fallback string) string {
	var e *EngineError
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
