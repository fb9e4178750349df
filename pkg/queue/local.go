package queue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// LocalConfig sizes a LocalQueue.
type LocalConfig struct {
	// Workers is the number of goroutines calling the handler. Defaults to
	// the number of CPUs.
	Workers int `yaml:"workers" env:"WORKERS" validate:"gte=0"`

	// Buffer is the number of immediate deliveries that may wait for a
	// worker before ScheduleNow reports ErrCapacityExhausted.
	Buffer int `yaml:"buffer" env:"BUFFER" validate:"gte=0"`

	// MaxTimers caps pending delayed deliveries; zero means unbounded.
	MaxTimers int `yaml:"max_timers" env:"MAX_TIMERS" validate:"gte=0"`
}

// LocalQueue is a bounded in-process worker pool with timers.
type LocalQueue struct {
	cfg  LocalConfig
	jobs chan string
	done chan struct{}

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ Queue = (*LocalQueue)(nil)

// NewLocalQueue creates a local queue. Call Start before deliveries can run.
func NewLocalQueue(cfg LocalConfig, opts ...Option) *LocalQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 16
	}
	o := buildOptions("local-queue", opts)
	return &LocalQueue{
		cfg:     cfg,
		jobs:    make(chan string, cfg.Buffer),
		done:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Start launches the workers.
func (q *LocalQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.logger.Info().Int("workers", q.cfg.Workers).Int("buffer", q.cfg.Buffer).Msg("Local queue started")
	return nil
}

func (q *LocalQueue) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case taskID := <-q.jobs:
			q.reportDepth()
			deliver(ctx, q.logger, handler, taskID)
		}
	}
}

// ScheduleNow queues taskID without blocking.
func (q *LocalQueue) ScheduleNow(_ context.Context, taskID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case q.jobs <- taskID:
		q.reportDepth()
		return nil
	default:
		return ErrCapacityExhausted
	}
}

// ScheduleAfter queues taskID once delay elapsed. A due delivery waits for
// room in the buffer instead of failing.
func (q *LocalQueue) ScheduleAfter(ctx context.Context, taskID string, delay time.Duration) error {
	if delay <= 0 {
		return q.ScheduleNow(ctx, taskID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.cfg.MaxTimers > 0 && len(q.timers) >= q.cfg.MaxTimers {
		return ErrCapacityExhausted
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		select {
		case q.jobs <- taskID:
			q.reportDepth()
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Shutdown stops pending timers and waits for running deliveries.
func (q *LocalQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	dropped := len(q.timers)
	q.timers = make(map[*time.Timer]struct{})
	close(q.done)
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.logger.Info().Int("dropped_timers", dropped).Msg("Local queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports buffered plus delayed deliveries.
func (q *LocalQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.timers), nil
}

func (q *LocalQueue) reportDepth() {
	q.metrics.SetQueueDepth("local", float64(len(q.jobs)))
}
