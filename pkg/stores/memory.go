package stores

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// MemoryStore is an in-process engine.GraphStore. It keeps the same
// semantics as SQLiteStore and is used by the demo command and tests.
type MemoryStore struct {
	mu          sync.Mutex
	roots       map[string]*engine.Root
	order       []string
	tasks       map[string]*engine.Task
	resources   map[string]*Resource
	transitions map[string][]engine.Transition
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roots:       make(map[string]*engine.Root),
		tasks:       make(map[string]*engine.Task),
		resources:   make(map[string]*Resource),
		transitions: make(map[string][]engine.Transition),
		now:         time.Now,
	}
}

// CreateRoot stores a copy of the root and its tasks.
func (s *MemoryStore) CreateRoot(_ context.Context, root *engine.Root) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roots[root.ID]; exists {
		return fmt.Errorf("root %s already exists", root.ID)
	}
	keys := make(map[string]bool, len(root.Tasks))
	for _, t := range root.Tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		if keys[t.Key] {
			return fmt.Errorf("duplicate task key %s in root %s", t.Key, root.ID)
		}
		keys[t.Key] = true
	}

	stored := cloneRoot(root)
	s.roots[root.ID] = stored
	s.order = append(s.order, root.ID)
	for _, t := range stored.Tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// Load returns a copy of the task.
func (s *MemoryStore) Load(_ context.Context, taskID string) (*engine.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	return t.Clone(), nil
}

// LoadRoot returns a copy of the root and its tasks.
func (s *MemoryStore) LoadRoot(_ context.Context, rootID string) (*engine.Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roots[rootID]
	if !ok {
		return nil, fmt.Errorf("root %s: %w", rootID, engine.ErrNotFound)
	}
	return cloneRoot(r), nil
}

// CompareAndSetStatus implements engine.GraphStore.
func (s *MemoryStore) CompareAndSetStatus(_ context.Context, taskID string, expected, next engine.TaskStatus, patch engine.TaskPatch) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("%s -> %s: %w", expected, next, engine.ErrIllegalTransition)
	}
	if err := engine.CheckPatch(next, patch); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	if t.Status != expected {
		return false, nil
	}

	now := s.now()
	patch.Apply(t, next, now)
	s.transitions[taskID] = append(s.transitions[taskID], engine.Transition{
		TaskID:  taskID,
		From:    expected,
		To:      next,
		Message: t.Message,
		At:      now,
	})
	return true, nil
}

// PersistResourceRef implements engine.GraphStore.
func (s *MemoryStore) PersistResourceRef(_ context.Context, taskID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	now := s.now()
	if res, exists := s.resources[taskID]; exists {
		res.Ref = ref
		res.UpdatedAt = now
		return nil
	}
	s.resources[taskID] = &Resource{
		TaskID:       taskID,
		ResourceType: t.ResourceType,
		Ref:          ref,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

// GetResource returns the resource row recorded for taskID.
func (s *MemoryStore) GetResource(_ context.Context, taskID string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[taskID]
	if !ok {
		return nil, fmt.Errorf("resource for task %s: %w", taskID, engine.ErrNotFound)
	}
	c := *res
	return &c, nil
}

func (s *MemoryStore) setRootFlag(rootID string, set func(*engine.Root) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roots[rootID]
	if !ok {
		return false, fmt.Errorf("root %s: %w", rootID, engine.ErrNotFound)
	}
	if !set(r) {
		return false, nil
	}
	r.UpdatedAt = s.now()
	return true, nil
}

// MarkRootActivated implements engine.GraphStore.
func (s *MemoryStore) MarkRootActivated(_ context.Context, rootID, parentID string) (bool, error) {
	return s.setRootFlag(rootID, func(r *engine.Root) bool {
		if r.Activated {
			return false
		}
		r.Activated = true
		r.ParentID = parentID
		return true
	})
}

// MarkRootCancelled implements engine.GraphStore.
func (s *MemoryStore) MarkRootCancelled(_ context.Context, rootID string) (bool, error) {
	return s.setRootFlag(rootID, func(r *engine.Root) bool {
		if r.Cancelled {
			return false
		}
		r.Cancelled = true
		return true
	})
}

// MarkCallbacksFired implements engine.GraphStore.
func (s *MemoryStore) MarkCallbacksFired(_ context.Context, rootID string) (bool, error) {
	return s.setRootFlag(rootID, func(r *engine.Root) bool {
		if r.CallbacksFired {
			return false
		}
		r.CallbacksFired = true
		return true
	})
}

// ListRoots returns roots newest first.
func (s *MemoryStore) ListRoots(_ context.Context, filter engine.RootFilter) ([]*engine.Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roots := []*engine.Root{}
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.roots[s.order[i]]
		if filter.ActiveOnly && (!r.Activated || r.Cancelled) {
			continue
		}
		roots = append(roots, cloneRoot(r))
		if filter.Limit > 0 && len(roots) == filter.Limit {
			break
		}
	}
	return roots, nil
}

// ListTransitions returns the recorded status changes of a task.
func (s *MemoryStore) ListTransitions(_ context.Context, taskID string) ([]engine.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.transitions[taskID]), nil
}

func cloneRoot(r *engine.Root) *engine.Root {
	c := *r
	c.CallbackRoots = slices.Clone(r.CallbackRoots)
	c.Tasks = make([]*engine.Task, len(r.Tasks))
	for i, t := range r.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}
