package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal GraphStore for engine tests.
type memStore struct {
	mu          sync.Mutex
	roots       map[string]*Root
	tasks       map[string]*Task
	refs        map[string]string
	transitions []Transition
	createCalls int
	activations map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		roots:       make(map[string]*Root),
		tasks:       make(map[string]*Task),
		refs:        make(map[string]string),
		activations: make(map[string]int),
	}
}

func (m *memStore) CreateRoot(ctx context.Context, root *Root) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	r := *root
	r.Tasks = nil
	m.roots[root.ID] = &r
	for _, t := range root.Tasks {
		m.tasks[t.ID] = t.Clone()
		r.Tasks = append(r.Tasks, &Task{ID: t.ID})
	}
	return nil
}

func (m *memStore) Load(ctx context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memStore) LoadRoot(ctx context.Context, rootID string) (*Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadRootLocked(rootID)
}

func (m *memStore) loadRootLocked(rootID string) (*Root, error) {
	r, ok := m.roots[rootID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	out.CallbackRoots = append([]string(nil), r.CallbackRoots...)
	out.Tasks = make([]*Task, 0, len(r.Tasks))
	for _, ref := range r.Tasks {
		out.Tasks = append(out.Tasks, m.tasks[ref.ID].Clone())
	}
	return &out, nil
}

func (m *memStore) CompareAndSetStatus(ctx context.Context, taskID string, expected, next TaskStatus, patch TaskPatch) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, ErrIllegalTransition
	}
	if err := CheckPatch(next, patch); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != expected {
		return false, nil
	}
	patch.Apply(t, next, time.Now())
	m.transitions = append(m.transitions, Transition{TaskID: taskID, From: expected, To: next, Message: t.Message, At: time.Now()})
	return true, nil
}

func (m *memStore) PersistResourceRef(ctx context.Context, taskID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	m.refs[taskID] = ref
	return nil
}

func (m *memStore) MarkRootActivated(ctx context.Context, rootID, parentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roots[rootID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Activated {
		return false, nil
	}
	r.Activated = true
	r.ParentID = parentID
	m.activations[rootID]++
	return true, nil
}

func (m *memStore) MarkRootCancelled(ctx context.Context, rootID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roots[rootID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Cancelled {
		return false, nil
	}
	r.Cancelled = true
	return true, nil
}

func (m *memStore) MarkCallbacksFired(ctx context.Context, rootID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roots[rootID]
	if !ok {
		return false, ErrNotFound
	}
	if r.CallbacksFired {
		return false, nil
	}
	r.CallbacksFired = true
	return true, nil
}

func (m *memStore) ListRoots(ctx context.Context, filter RootFilter) ([]*Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Root
	for id, r := range m.roots {
		if filter.ActiveOnly && (!r.Activated || r.Cancelled) {
			continue
		}
		root, _ := m.loadRootLocked(id)
		out = append(out, root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListTransitions(ctx context.Context, taskID string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, tr := range m.transitions {
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// setStatus forces a task status, bypassing the state machine.
func (m *memStore) setStatus(taskID string, status TaskStatus, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	t.Status = status
	for k, v := range metadata {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any)
		}
		t.Metadata[k] = v
	}
}

func (m *memStore) trace(taskID string) []TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TaskStatus
	for _, tr := range m.transitions {
		if tr.TaskID != taskID {
			continue
		}
		if len(out) == 0 {
			out = append(out, tr.From)
		}
		out = append(out, tr.To)
	}
	return out
}

// scheduled is one delivery recorded by manualTrigger.
type scheduled struct {
	taskID string
	delay  time.Duration
}

// manualTrigger records deliveries; tests run them with drain.
type manualTrigger struct {
	mu            sync.Mutex
	queue         []scheduled
	nowCalls      map[string]int
	afterCalls    []scheduled
	capacityFails int
}

func newManualTrigger() *manualTrigger {
	return &manualTrigger{nowCalls: make(map[string]int)}
}

func (m *manualTrigger) ScheduleNow(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacityFails > 0 {
		m.capacityFails--
		return ErrCapacityExhausted
	}
	m.nowCalls[taskID]++
	m.queue = append(m.queue, scheduled{taskID: taskID})
	return nil
}

func (m *manualTrigger) ScheduleAfter(ctx context.Context, taskID string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterCalls = append(m.afterCalls, scheduled{taskID: taskID, delay: delay})
	m.queue = append(m.queue, scheduled{taskID: taskID, delay: delay})
	return nil
}

func (m *manualTrigger) pop() (scheduled, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return scheduled{}, false
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	return next, true
}

func (m *manualTrigger) scheduledNow(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowCalls[taskID]
}

func (m *manualTrigger) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockExecutor is an Executor driven by test functions.
type mockExecutor struct {
	mu        sync.Mutex
	invokeFn  func(task *Task) (InvokeResult, error)
	inspectFn func(handle string, call int) (Inspection, error)
	invoked   []string
	inspects  int
}

func (m *mockExecutor) Invoke(ctx context.Context, task *Task) (InvokeResult, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, task.Key)
	fn := m.invokeFn
	m.mu.Unlock()
	if fn == nil {
		return InvokeResult{Outcome: OutcomeAlreadySatisfied}, nil
	}
	return fn(task)
}

func (m *mockExecutor) Inspect(ctx context.Context, handle string) (Inspection, error) {
	m.mu.Lock()
	m.inspects++
	call := m.inspects
	fn := m.inspectFn
	m.mu.Unlock()
	if fn == nil {
		return Inspection{State: LifecycleStable, Detail: handle}, nil
	}
	return fn(handle, call)
}

func (m *mockExecutor) invokedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.invoked...)
}

func (m *mockExecutor) inspectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inspects
}

// harness wires an engine over memStore and manualTrigger.
type harness struct {
	store   *memStore
	trigger *manualTrigger
	clock   *fakeClock
	exec    *mockExecutor
	engine  *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		trigger: newManualTrigger(),
		clock:   newFakeClock(),
		exec:    &mockExecutor{},
	}
	registry := NewRegistry()
	registry.Register("compute", h.exec)
	base := []Option{
		WithClock(h.clock.Now),
		WithBackoff(FixedBackoff{Interval: time.Second}),
	}
	h.engine = New(h.store, h.trigger, registry, append(base, opts...)...)
	return h
}

// drain runs every delivery, advancing the clock over delayed ones, until
// the trigger is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		next, ok := h.trigger.pop()
		if !ok {
			return
		}
		h.clock.Advance(next.delay)
		if err := h.engine.Dispatch(context.Background(), next.taskID); err != nil {
			t.Fatalf("Dispatch(%s) failed: %v", next.taskID, err)
		}
	}
	t.Fatal("Expected trigger to drain within 1000 deliveries")
}

func (h *harness) build(t *testing.T, spec RootSpec) *Root {
	t.Helper()
	root, err := h.engine.BuildRoot(context.Background(), spec)
	if err != nil {
		t.Fatalf("BuildRoot failed: %v", err)
	}
	return root
}

func (h *harness) root(t *testing.T, id string) *Root {
	t.Helper()
	root, err := h.store.LoadRoot(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadRoot failed: %v", err)
	}
	return root
}

func errCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
