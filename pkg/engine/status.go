package engine

import (
	"fmt"
	"strings"
)

// TaskStatus represents the execution status of a single task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started yet.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates a worker currently holds the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusWaitingOnRemote indicates the task is suspended until the
	// next re-check of the remote side.
	TaskStatusWaitingOnRemote TaskStatus = "waiting_on_remote"

	// TaskStatusSuccessful indicates the task completed successfully.
	TaskStatusSuccessful TaskStatus = "successful"

	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// transitions lists the legal successor states for every task status.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:         {TaskStatusRunning},
	TaskStatusRunning:         {TaskStatusSuccessful, TaskStatusFailed, TaskStatusWaitingOnRemote},
	TaskStatusWaitingOnRemote: {TaskStatusRunning, TaskStatusSuccessful, TaskStatusFailed},
}

// IsTerminal returns true if the task will never execute again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccessful || s == TaskStatusFailed
}

// IsInFlight returns true if the task has started and has not settled.
func (s TaskStatus) IsInFlight() bool {
	return s == TaskStatusRunning || s == TaskStatusWaitingOnRemote
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusWaitingOnRemote,
		TaskStatusSuccessful, TaskStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MustTransition panics when from -> to is not a legal transition.
func MustTransition(from, to TaskStatus) {
	if !from.CanTransitionTo(to) {
		panic(fmt.Sprintf("engine: illegal task transition %s -> %s", from, to))
	}
}

// TaskKind is the logical operation name of a task.
type TaskKind string

const (
	KindCreate     TaskKind = "create"
	KindCreateWait TaskKind = "create_wait"
	KindDelete     TaskKind = "delete"
	KindDeleteWait TaskKind = "delete_wait"
)

const waitSuffix = "_wait"

// IsWait returns true for kinds that observe the remote side via Inspect.
func (k TaskKind) IsWait() bool {
	return strings.HasSuffix(string(k), waitSuffix)
}

// WaitKind returns the wait kind paired with an action kind.
func (k TaskKind) WaitKind() TaskKind {
	if k.IsWait() {
		return k
	}
	return k + waitSuffix
}

// RootKind distinguishes ordinary roots from callback-only roots.
type RootKind string

const (
	// RootKindNormal roots run when built, or when fired as a callback of
	// any terminal parent.
	RootKindNormal RootKind = "normal"

	// RootKindOnSuccess roots only run as callbacks of a successful parent.
	RootKindOnSuccess RootKind = "on_success"
)

// Validate checks if the root kind is valid.
func (k RootKind) Validate() error {
	switch k {
	case RootKindNormal, RootKindOnSuccess:
		return nil
	default:
		return fmt.Errorf("invalid root kind: %s", k)
	}
}

// RootStatus is the aggregate status of a root, derived from its tasks.
type RootStatus string

const (
	RootStatusRunning    RootStatus = "running"
	RootStatusSuccessful RootStatus = "successful"
	RootStatusFailed     RootStatus = "failed"
)

// IsTerminal returns true if the root status represents a final state.
func (s RootStatus) IsTerminal() bool {
	return s == RootStatusSuccessful || s == RootStatusFailed
}

// Outcome classifies the result of an Executor.Invoke call.
type Outcome string

const (
	// OutcomeAccepted means the remote side started the operation.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeAlreadySatisfied means there is nothing left to do, such as a
	// delete of something already absent.
	OutcomeAlreadySatisfied Outcome = "already_satisfied"

	// OutcomeRejected means the remote side refused the operation.
	OutcomeRejected Outcome = "rejected"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeAccepted, OutcomeAlreadySatisfied, OutcomeRejected:
		return nil
	default:
		return fmt.Errorf("invalid invoke outcome: %s", o)
	}
}

// LifecycleState classifies the remote state reported by Executor.Inspect.
type LifecycleState string

const (
	LifecyclePending LifecycleState = "pending"
	LifecycleStable  LifecycleState = "stable"
	LifecycleFailed  LifecycleState = "failed"
)

// Validate checks if the lifecycle state is valid.
func (s LifecycleState) Validate() error {
	switch s {
	case LifecyclePending, LifecycleStable, LifecycleFailed:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}
