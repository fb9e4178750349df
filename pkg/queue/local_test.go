package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects deliveries.
type recorder struct {
	mu   sync.Mutex
	ids  []string
	got  chan string
	fail error
}

func newRecorder() *recorder {
	return &recorder{got: make(chan string, 64)}
}

func (r *recorder) handle(_ context.Context, taskID string) error {
	r.mu.Lock()
	r.ids = append(r.ids, taskID)
	fail := r.fail
	r.mu.Unlock()
	r.got <- taskID
	return fail
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-r.got:
		return id
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for delivery")
		return ""
	}
}

func TestLocalQueueScheduleNow(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 2, Buffer: 4})
	rec := newRecorder()
	ctx := context.Background()
	if err := q.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Shutdown(ctx)

	if err := q.ScheduleNow(ctx, "task-1"); err != nil {
		t.Fatalf("ScheduleNow failed: %v", err)
	}
	if id := rec.wait(t, time.Second); id != "task-1" {
		t.Fatalf("Expected task-1, got %s", id)
	}
}

func TestLocalQueueCapacity(t *testing.T) {
	// Not started, so nothing drains the buffer.
	q := NewLocalQueue(LocalConfig{Workers: 1, Buffer: 2})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := q.ScheduleNow(ctx, id); err != nil {
			t.Fatalf("ScheduleNow(%s) failed: %v", id, err)
		}
	}
	if err := q.ScheduleNow(ctx, "c"); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("Expected ErrCapacityExhausted, got %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 2 {
		t.Fatalf("Expected depth 2, got %d", depth)
	}
}

func TestLocalQueueTimerLimit(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 1, Buffer: 1, MaxTimers: 1})
	ctx := context.Background()
	defer q.Shutdown(ctx)

	if err := q.ScheduleAfter(ctx, "a", time.Hour); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if err := q.ScheduleAfter(ctx, "b", time.Hour); !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("Expected ErrCapacityExhausted, got %v", err)
	}
}

func TestLocalQueueScheduleAfter(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 1, Buffer: 1})
	rec := newRecorder()
	ctx := context.Background()
	if err := q.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Shutdown(ctx)

	start := time.Now()
	if err := q.ScheduleAfter(ctx, "task-1", 50*time.Millisecond); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	rec.wait(t, time.Second)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Expected delivery after 50ms, got %v", elapsed)
	}
}

func TestLocalQueueZeroDelayIsImmediate(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 1, Buffer: 1})
	ctx := context.Background()

	if err := q.ScheduleAfter(ctx, "task-1", 0); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("Expected the delivery to be buffered, got %d", len(q.jobs))
	}
}

func TestLocalQueueHandlerErrorKeepsWorking(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 1, Buffer: 4})
	rec := newRecorder()
	rec.fail = errors.New("boom")
	ctx := context.Background()
	if err := q.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer q.Shutdown(ctx)

	_ = q.ScheduleNow(ctx, "a")
	_ = q.ScheduleNow(ctx, "b")
	rec.wait(t, time.Second)
	rec.wait(t, time.Second)
}

func TestLocalQueueShutdown(t *testing.T) {
	q := NewLocalQueue(LocalConfig{Workers: 2, Buffer: 2})
	ctx := context.Background()
	if err := q.Start(ctx, newRecorder().handle); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := q.ScheduleAfter(ctx, "later", time.Hour); err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}

	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("Expected second Shutdown to be a no-op, got %v", err)
	}

	if err := q.ScheduleNow(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := q.ScheduleAfter(ctx, "x", time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := q.Start(ctx, newRecorder().handle); !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed from Start, got %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("Expected pending timers to be dropped, got depth %d", depth)
	}
}
