package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultDispatchRetryDelay is how long a dispatch waits after the trigger
// reported exhausted capacity.
const DefaultDispatchRetryDelay = 500 * time.Millisecond

// Engine builds workflow roots and executes their tasks. Execution is driven
// by the trigger: whatever the trigger delivers is passed to Dispatch.
type Engine struct {
	store      GraphStore
	registry   *Registry
	scheduler  *Scheduler
	reconciler *Reconciler
	propagator *Propagator
	leases     *LeaseTable
	validate   *validator.Validate
	admission  AdmissionController

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	now     func() time.Time
}

type options struct {
	logger           zerolog.Logger
	metrics          *telemetry.Metrics
	tracer           *telemetry.Tracer
	events           *telemetry.EventPublisher
	backoff          BackoffPolicy
	maxAttempts      int
	retryDelay       time.Duration
	maxCallbackDepth int
	admission        AdmissionController
	now              func() time.Time
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the base logger; components derive their own from it.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithEventPublisher sets the publisher for root and task events.
func WithEventPublisher(p *telemetry.EventPublisher) Option {
	return func(o *options) { o.events = p }
}

// WithBackoff sets the policy deciding the delay before each re-check.
func WithBackoff(b BackoffPolicy) Option {
	return func(o *options) { o.backoff = b }
}

// WithMaxTransportAttempts sets how many consecutive transport failures a
// task tolerates before it fails.
func WithMaxTransportAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithDispatchRetryDelay sets the delay before retrying a dispatch the
// trigger had no capacity for.
func WithDispatchRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithMaxCallbackDepth bounds callback chains. Zero means unbounded.
func WithMaxCallbackDepth(n int) Option {
	return func(o *options) { o.maxCallbackDepth = n }
}

// WithAdmission sets a controller consulted before a root is persisted.
func WithAdmission(a AdmissionController) Option {
	return func(o *options) { o.admission = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an engine over store, dispatching through trigger and
// executing with the executors in registry.
func New(store GraphStore, trigger Trigger, registry *Registry, opts ...Option) *Engine {
	o := options{
		logger:      zerolog.Nop(),
		backoff:     DefaultBackoff(),
		maxAttempts: DefaultMaxTransportAttempts,
		retryDelay:  DefaultDispatchRetryDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxTransportAttempts
	}
	if o.retryDelay <= 0 {
		o.retryDelay = DefaultDispatchRetryDelay
	}
	if registry == nil {
		registry = NewRegistry()
	}

	component := func(name string) zerolog.Logger {
		return o.logger.With().Str("component", name).Logger()
	}

	tr := &transitioner{
		store:   store,
		metrics: o.metrics,
		events:  o.events,
		logger:  component("transitions"),
		now:     o.now,
	}
	leases := NewLeaseTable()
	scheduler := &Scheduler{
		store:      store,
		trigger:    trigger,
		leases:     leases,
		tr:         tr,
		retryDelay: o.retryDelay,
		logger:     component("scheduler"),
		metrics:    o.metrics,
		tracer:     o.tracer,
	}
	propagator := &Propagator{
		store:     store,
		scheduler: scheduler,
		maxDepth:  o.maxCallbackDepth,
		logger:    component("propagator"),
		metrics:   o.metrics,
		events:    o.events,
	}
	reconciler := &Reconciler{
		tr:          tr,
		registry:    registry,
		backoff:     o.backoff,
		maxAttempts: o.maxAttempts,
		scheduler:   scheduler,
		propagator:  propagator,
		logger:      component("reconciler"),
		metrics:     o.metrics,
		tracer:      o.tracer,
	}
	scheduler.run = reconciler.Run

	return &Engine{
		store:      store,
		registry:   registry,
		scheduler:  scheduler,
		reconciler: reconciler,
		propagator: propagator,
		leases:     leases,
		validate:   validator.New(),
		admission:  o.admission,
		logger:     component("engine"),
		metrics:    o.metrics,
		tracer:     o.tracer,
		events:     o.events,
		now:        o.now,
	}
}

// Registry returns the executor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Dispatch claims and runs taskID. Triggers call it for every delivery.
func (e *Engine) Dispatch(ctx context.Context, taskID string) error {
	return e.scheduler.Dispatch(ctx, taskID)
}

// BuildRoot validates spec, persists the root with all its tasks and
// activates it unless it is deferred. It returns without waiting for any
// task to run.
func (e *Engine) BuildRoot(ctx context.Context, spec RootSpec) (*Root, error) {
	ctx, span := e.tracer.StartBuildSpan(ctx, spec.Name, len(spec.Tasks))
	defer span.End()

	root, err := e.buildRoot(ctx, spec)
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.RecordError(string(ErrorClassOf(err)), ErrorCode(err))
		return nil, err
	}
	span.SetAttributes(telemetry.AttrRootID.String(root.ID))
	telemetry.RecordSuccess(span)
	return root, nil
}

func (e *Engine) buildRoot(ctx context.Context, spec RootSpec) (*Root, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, NewPermanentError("invalid root spec", err).WithCode(ErrCodeValidation)
	}
	if spec.Kind == "" {
		spec.Kind = RootKindNormal
	}

	graph, err := NewGraphBuilder().Build(spec)
	if err != nil {
		return nil, err
	}

	if e.admission != nil {
		if err := e.admission.Admit(ctx, &spec); err != nil {
			return nil, err
		}
	}

	for _, id := range spec.CallbackRoots {
		if _, err := e.store.LoadRoot(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewPermanentError(fmt.Sprintf("callback root %q does not exist", id), err).
					WithCode(ErrCodeUnknownReference)
			}
			return nil, fmt.Errorf("failed to load callback root %s: %w", id, err)
		}
	}

	now := e.now()
	root := &Root{
		ID:            uuid.New().String(),
		Name:          spec.Name,
		Nature:        spec.Nature,
		Kind:          spec.Kind,
		CallbackRoots: append([]string(nil), spec.CallbackRoots...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ids := make(map[string]string, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		ids[ts.Key] = uuid.New().String()
	}
	toIDs := func(keys []string) []string {
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, ids[k])
		}
		return out
	}

	root.Tasks = make([]*Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		root.Tasks = append(root.Tasks, &Task{
			ID:           ids[ts.Key],
			RootID:       root.ID,
			Key:          ts.Key,
			Kind:         ts.Kind,
			Status:       TaskStatusPending,
			ResourceType: ts.ResourceType,
			Metadata:     maps.Clone(ts.Metadata),
			Predecessors: toIDs(graph.Predecessors[ts.Key]),
			Successors:   toIDs(graph.Successors[ts.Key]),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := e.store.CreateRoot(ctx, root); err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}

	e.metrics.RecordRootBuilt(root.Nature, string(root.Kind))
	_ = e.events.PublishRootBuilt(root.ID, root.Name, len(root.Tasks))
	e.logger.Info().
		Str("root_id", root.ID).
		Str("name", root.Name).
		Str("kind", string(root.Kind)).
		Int("tasks", len(root.Tasks)).
		Int("levels", len(graph.Levels)).
		Msg("Root built")

	if root.Kind == RootKindNormal && !spec.Deferred {
		// The root is persisted either way; Recover picks up whatever could
		// not be enqueued here.
		if _, err := e.propagator.Activate(ctx, root, ""); err != nil {
			e.logger.Error().Err(err).Str("root_id", root.ID).Msg("Failed to enqueue initial tasks")
		}
	}
	return root, nil
}

// Cancel stops scheduling new tasks of rootID. Running and waiting tasks
// finish on their own and the root's callbacks never fire. It returns false
// when the root was already cancelled.
func (e *Engine) Cancel(ctx context.Context, rootID string) (bool, error) {
	won, err := e.store.MarkRootCancelled(ctx, rootID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, NewPermanentError(fmt.Sprintf("root %s not found", rootID), err).WithCode(ErrCodeNotFound)
		}
		return false, fmt.Errorf("failed to cancel root %s: %w", rootID, err)
	}
	if won {
		_ = e.events.PublishRootCancelled(rootID)
		e.logger.Info().Str("root_id", rootID).Msg("Root cancelled")
	}
	return won, nil
}

// Root returns the root with its tasks.
func (e *Engine) Root(ctx context.Context, rootID string) (*Root, error) {
	root, err := e.store.LoadRoot(ctx, rootID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewPermanentError(fmt.Sprintf("root %s not found", rootID), err).WithCode(ErrCodeNotFound)
		}
		return nil, fmt.Errorf("failed to load root %s: %w", rootID, err)
	}
	return root, nil
}

// Task returns a single task.
func (e *Engine) Task(ctx context.Context, taskID string) (*Task, error) {
	task, err := e.store.Load(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewPermanentError(fmt.Sprintf("task %s not found", taskID), err).WithCode(ErrCodeNotFound)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return task, nil
}

// Roots lists roots newest first.
func (e *Engine) Roots(ctx context.Context, filter RootFilter) ([]*Root, error) {
	roots, err := e.store.ListRoots(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}
	return roots, nil
}

// Transitions returns the recorded status history of taskID, if the store
// keeps one.
func (e *Engine) Transitions(ctx context.Context, taskID string) ([]Transition, error) {
	lister, ok := e.store.(TransitionLister)
	if !ok {
		return nil, NewPermanentError("store does not record transitions", nil).WithCode(ErrCodeNotFound)
	}
	if _, err := e.Task(ctx, taskID); err != nil {
		return nil, err
	}
	return lister.ListTransitions(ctx, taskID)
}

// Recover re-enqueues the work of active roots after a restart and returns
// the number of tasks handed to the trigger. Tasks left running with a
// remote handle are parked as waiting so that they are reconciled; tasks
// left running without one are reported and left alone, since their invoke
// may already have reached the remote side.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	roots, err := e.store.ListRoots(ctx, RootFilter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list active roots: %w", err)
	}

	var (
		enqueued int
		errs     []error
	)
	for _, root := range roots {
		for _, task := range root.Tasks {
			if e.leases.Held(task.ID) {
				continue
			}

			switch task.Status {
			case TaskStatusPending:
				if !root.PredecessorsSatisfied(task) {
					continue
				}

			case TaskStatusRunning:
				if task.RemoteHandle() == "" {
					e.logger.Warn().
						Str("root_id", root.ID).
						Str("task_id", task.ID).
						Msg("Task was interrupted before its remote handle was recorded")
					continue
				}
				now := e.now()
				ok, err := e.scheduler.tr.apply(ctx, task, TaskStatusWaitingOnRemote, TaskPatch{NotBefore: &now})
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !ok {
					continue
				}

			case TaskStatusWaitingOnRemote:

			default:
				continue
			}

			if err := e.scheduler.Enqueue(ctx, task.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			enqueued++
		}

		// Roots that settled while their callbacks were being fired.
		if err := e.propagator.evaluate(ctx, root); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info().Int("roots", len(roots)).Int("tasks", enqueued).Msg("Recovery complete")
	return enqueued, errors.Join(errs...)
}
