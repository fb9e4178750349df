package engine

import (
	"maps"
	"time"
)

// MetadataRemoteHandle is the metadata key holding the remote operation
// handle issued by an accepted Invoke.
const MetadataRemoteHandle = "remote_handle"

// Task is the atomic unit of orchestrated work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`

	// RootID is the root that owns this task.
	RootID string `json:"root_id"`

	// Key is the caller-chosen name of the task, unique within its root.
	Key string `json:"key"`

	// Kind is the logical operation, e.g. "create" or "delete_wait".
	Kind TaskKind `json:"kind"`

	// Status is the current execution status.
	Status TaskStatus `json:"status"`

	// ResourceType routes the task to an executor.
	ResourceType string `json:"resource_type"`

	// ResourceRef references the persisted resource row. Only a transition
	// into successful sets it.
	ResourceRef *string `json:"resource_ref,omitempty"`

	// Metadata carries request parameters and, once issued, the remote handle.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Message is a failure or informational note.
	Message string `json:"message,omitempty"`

	// Predecessors must all be successful before this task may run.
	Predecessors []string `json:"predecessors,omitempty"`

	// Successors are the tasks that depend on this one.
	Successors []string `json:"successors,omitempty"`

	// Attempts counts consecutive transport failures.
	Attempts int `json:"attempts"`

	// Polls counts the Inspect calls made for this task.
	Polls int `json:"polls"`

	// NotBefore is the earliest time the next re-check may run.
	NotBefore time.Time `json:"not_before,omitzero"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteHandle returns the remote operation handle stored in metadata.
func (t *Task) RemoteHandle() string {
	if t.Metadata == nil {
		return ""
	}
	handle, _ := t.Metadata[MetadataRemoteHandle].(string)
	return handle
}

// MetadataString returns a string metadata value, or "" when absent.
func (t *Task) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[key].(string)
	return v
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.ResourceRef != nil {
		ref := *t.ResourceRef
		c.ResourceRef = &ref
	}
	c.Metadata = maps.Clone(t.Metadata)
	c.Predecessors = append([]string(nil), t.Predecessors...)
	c.Successors = append([]string(nil), t.Successors...)
	return &c
}

// TaskPatch describes the field changes applied together with a status
// transition. Nil fields are left untouched.
type TaskPatch struct {
	// Metadata is merged key by key into the existing metadata.
	Metadata map[string]any

	Message     *string
	ResourceRef *string
	NotBefore   *time.Time
	Attempts    *int
	Polls       *int
}

// Apply writes the status and patch onto t. Stores use it so every
// implementation merges fields the same way.
func (p TaskPatch) Apply(t *Task, next TaskStatus, now time.Time) {
	t.Status = next
	if len(p.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(t.Metadata, p.Metadata)
	}
	if p.Message != nil {
		t.Message = *p.Message
	}
	if p.ResourceRef != nil {
		ref := *p.ResourceRef
		t.ResourceRef = &ref
	}
	if p.NotBefore != nil {
		t.NotBefore = *p.NotBefore
	}
	if p.Attempts != nil {
		t.Attempts = *p.Attempts
	}
	if p.Polls != nil {
		t.Polls = *p.Polls
	}
	t.UpdatedAt = now
}

// CheckPatch rejects patches that set a resource ref outside a transition
// into successful.
func CheckPatch(next TaskStatus, p TaskPatch) error {
	if p.ResourceRef != nil && next != TaskStatusSuccessful {
		return ErrRefOutsideSuccess
	}
	return nil
}

// Root is a named acyclic graph of tasks representing one logical operation.
type Root struct {
	// ID is the unique identifier for this root.
	ID string `json:"id"`

	// Name is the human-readable name, e.g. "provision network net-1".
	Name string `json:"name"`

	// Nature tags the purpose of the root, e.g. "provisioning" or "accounting".
	Nature string `json:"nature,omitempty"`

	// Kind decides when the root may be activated.
	Kind RootKind `json:"kind"`

	// Tasks are owned by this root, in construction order.
	Tasks []*Task `json:"tasks"`

	// CallbackRoots are activated once this root becomes terminal.
	CallbackRoots []string `json:"callback_roots,omitempty"`

	// ParentID is the root whose completion activated this one, if any.
	ParentID string `json:"parent_id,omitempty"`

	// Activated is set once the initial tasks were handed to the scheduler.
	Activated bool `json:"activated"`

	// Cancelled stops scheduling of pending tasks.
	Cancelled bool `json:"cancelled"`

	// CallbacksFired is set by the evaluator that fired the callbacks.
	CallbacksFired bool `json:"callbacks_fired"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status derives the aggregate status from the contained tasks.
func (r *Root) Status() RootStatus {
	successful := 0
	for _, t := range r.Tasks {
		switch t.Status {
		case TaskStatusFailed:
			return RootStatusFailed
		case TaskStatusSuccessful:
			successful++
		}
	}
	if successful == len(r.Tasks) {
		return RootStatusSuccessful
	}
	return RootStatusRunning
}

// Task returns the task with the given id, or nil.
func (r *Root) Task(id string) *Task {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskByKey returns the task with the given key, or nil.
func (r *Root) TaskByKey(key string) *Task {
	for _, t := range r.Tasks {
		if t.Key == key {
			return t
		}
	}
	return nil
}

// PredecessorsSatisfied reports whether every predecessor of t is successful.
func (r *Root) PredecessorsSatisfied(t *Task) bool {
	for _, id := range t.Predecessors {
		p := r.Task(id)
		if p == nil || p.Status != TaskStatusSuccessful {
			return false
		}
	}
	return true
}

// Runnable returns the pending tasks whose predecessors are all successful.
func (r *Root) Runnable() []*Task {
	var out []*Task
	for _, t := range r.Tasks {
		if t.Status == TaskStatusPending && r.PredecessorsSatisfied(t) {
			out = append(out, t)
		}
	}
	return out
}

// InFlight reports whether any task is running, waiting, or about to run.
func (r *Root) InFlight() bool {
	for _, t := range r.Tasks {
		if t.Status.IsInFlight() {
			return true
		}
	}
	return len(r.Runnable()) > 0
}

// IsSettled reports whether the root reached a terminal aggregate state:
// every task successful, or a failed task with nothing left in flight.
func (r *Root) IsSettled() bool {
	switch r.Status() {
	case RootStatusSuccessful:
		return true
	case RootStatusFailed:
		return !r.InFlight()
	default:
		return false
	}
}

// RootFilter narrows ListRoots.
type RootFilter struct {
	// ActiveOnly keeps activated roots that are not cancelled.
	ActiveOnly bool

	// Limit caps the number of roots returned; zero means no limit.
	Limit int
}

// Edge orders two tasks of a RootSpec by key: From must succeed before To runs.
type Edge struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// TaskSpec describes a task to create in BuildRoot.
type TaskSpec struct {
	Key          string         `json:"key" yaml:"key" validate:"required,max=128"`
	Kind         TaskKind       `json:"kind" yaml:"kind" validate:"required"`
	ResourceType string         `json:"resource_type" yaml:"resource_type" validate:"required"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// RootSpec is the construction request for a workflow root.
type RootSpec struct {
	Name   string   `json:"name" yaml:"name" validate:"required,max=255"`
	Nature string   `json:"nature,omitempty" yaml:"nature,omitempty"`
	Kind   RootKind `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=normal on_success"`

	Tasks []TaskSpec `json:"tasks" yaml:"tasks" validate:"dive"`
	Edges []Edge     `json:"edges,omitempty" yaml:"edges,omitempty" validate:"dive"`

	// CallbackRoots are ids of already built roots to activate on completion.
	CallbackRoots []string `json:"callback_roots,omitempty" yaml:"callback_roots,omitempty"`

	// Deferred keeps a normal root inactive until it is fired as a callback.
	Deferred bool `json:"deferred,omitempty" yaml:"deferred,omitempty"`
}

// InvokeResult is the classified result of an action invocation.
type InvokeResult struct {
	Outcome      Outcome
	RemoteHandle string
	Message      string
}

// Inspection is the classified remote lifecycle state of an operation.
// Detail carries the resource ref when stable and the reason when failed.
type Inspection struct {
	State  LifecycleState
	Detail string
}

// Transition is one recorded status change of a task.
type Transition struct {
	TaskID  string     `json:"task_id"`
	From    TaskStatus `json:"from"`
	To      TaskStatus `json:"to"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}
