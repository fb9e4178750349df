package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// GraphStore persists roots and tasks. Every status change goes through
// CompareAndSetStatus, which must be atomic per task id; no cross-key
// transactions are required beyond CreateRoot.
type GraphStore interface {
	// CreateRoot persists a root together with all of its tasks, or nothing.
	CreateRoot(ctx context.Context, root *Root) error

	// Load returns the task with the given id, or ErrNotFound.
	Load(ctx context.Context, taskID string) (*Task, error)

	// LoadRoot returns the root and its tasks, or ErrNotFound.
	LoadRoot(ctx context.Context, rootID string) (*Root, error)

	// CompareAndSetStatus moves the task from expected to next and applies
	// patch, only if its current status is expected. It returns false when
	// the status did not match.
	CompareAndSetStatus(ctx context.Context, taskID string, expected, next TaskStatus, patch TaskPatch) (bool, error)

	// PersistResourceRef records the resource row produced by a task.
	PersistResourceRef(ctx context.Context, taskID, ref string) error

	// MarkRootActivated sets the activated flag. It returns true only for
	// the caller that flipped it.
	MarkRootActivated(ctx context.Context, rootID, parentID string) (bool, error)

	// MarkRootCancelled sets the cancelled flag. It returns true only for
	// the caller that flipped it.
	MarkRootCancelled(ctx context.Context, rootID string) (bool, error)

	// MarkCallbacksFired sets the callbacks-fired flag. It returns true only
	// for the caller that flipped it.
	MarkCallbacksFired(ctx context.Context, rootID string) (bool, error)

	// ListRoots returns roots newest first.
	ListRoots(ctx context.Context, filter RootFilter) ([]*Root, error)
}

// TransitionLister is implemented by stores that keep a transition history.
type TransitionLister interface {
	ListTransitions(ctx context.Context, taskID string) ([]Transition, error)
}

// Executor performs remote operations for one resource type and classifies
// their results. The engine never interprets remote vocabulary itself.
type Executor interface {
	// Invoke starts the action named by task.Kind.
	Invoke(ctx context.Context, task *Task) (InvokeResult, error)

	// Inspect reports the lifecycle state of a previously issued operation.
	Inspect(ctx context.Context, handle string) (Inspection, error)
}

// Trigger is the queue or timer substrate that runs dispatches.
type Trigger interface {
	// ScheduleNow asks for a dispatch of taskID as soon as capacity allows.
	ScheduleNow(ctx context.Context, taskID string) error

	// ScheduleAfter asks for a dispatch of taskID once delay elapsed.
	ScheduleAfter(ctx context.Context, taskID string, delay time.Duration) error
}

// AdmissionController may veto a root before it is persisted.
type AdmissionController interface {
	Admit(ctx context.Context, spec *RootSpec) error
}

// Registry maps resource types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a resource type, replacing any previous one.
func (r *Registry) Register(resourceType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[resourceType] = exec
}

// Lookup returns the executor for a resource type.
func (r *Registry) Lookup(resourceType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[resourceType]
	return exec, ok
}

// ResourceTypes returns the registered resource types, sorted.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
