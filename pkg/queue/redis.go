package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`

	// Key is the sorted set holding task ids scored by due time.
	Key string `yaml:"key" env:"KEY"`

	Workers      int           `yaml:"workers" env:"WORKERS" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" validate:"gte=0"`

	// MaxPending caps the sorted set size; zero means unbounded.
	MaxPending int64 `yaml:"max_pending" env:"MAX_PENDING" validate:"gte=0"`
}

// DefaultRedisKey is the sorted set used when none is configured.
const DefaultRedisKey = "provisioner:dispatch"

// popDue removes and returns up to ARGV[2] members due at ARGV[1].
var popDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
	redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)

// RedisQueue is a delayed queue in a Redis sorted set. Scores are due times
// in unix milliseconds; scheduling an id already queued keeps the earlier
// due time.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisConfig
	now    func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue over its own client.
func NewRedisQueue(cfg RedisConfig, opts ...Option) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisQueueWithClient(client, cfg, opts...), nil
}

// NewRedisQueueWithClient creates a queue over an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg RedisConfig, opts ...Option) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	o := buildOptions("redis-queue", opts)
	return &RedisQueue{
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Ping checks the connection to Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// ScheduleNow queues taskID as due immediately.
func (q *RedisQueue) ScheduleNow(ctx context.Context, taskID string) error {
	return q.schedule(ctx, taskID, 0)
}

// ScheduleAfter queues taskID as due after delay.
func (q *RedisQueue) ScheduleAfter(ctx context.Context, taskID string, delay time.Duration) error {
	return q.schedule(ctx, taskID, delay)
}

func (q *RedisQueue) schedule(ctx context.Context, taskID string, delay time.Duration) error {
	if q.isClosed() {
		return ErrClosed
	}

	if q.cfg.MaxPending > 0 {
		n, err := q.client.ZCard(ctx, q.cfg.Key).Result()
		if err != nil {
			return fmt.Errorf("failed to read queue size: %w", err)
		}
		if n >= q.cfg.MaxPending {
			return ErrCapacityExhausted
		}
	}

	due := q.now().Add(max(delay, 0)).UnixMilli()
	err := q.client.ZAddArgs(ctx, q.cfg.Key, redis.ZAddArgs{
		LT:      true,
		Members: []redis.Z{{Score: float64(due), Member: taskID}},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to queue task %s: %w", taskID, err)
	}
	return nil
}

// Start launches the poller and the workers.
func (q *RedisQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	jobs := make(chan string, q.cfg.BatchSize)

	q.wg.Add(1)
	go q.poll(ctx, jobs)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for taskID := range jobs {
				deliver(ctx, q.logger, handler, taskID)
			}
		}()
	}

	q.logger.Info().Str("key", q.cfg.Key).Int("workers", q.cfg.Workers).Msg("Redis queue started")
	return nil
}

// poll moves due ids into jobs until ctx is cancelled, then closes jobs.
func (q *RedisQueue) poll(ctx context.Context, jobs chan<- string) {
	defer q.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			ids, err := q.popDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("Failed to pop due deliveries")
				}
				break
			}
			for _, id := range ids {
				select {
				case jobs <- id:
				case <-ctx.Done():
					return
				}
			}
			if len(ids) < q.cfg.BatchSize {
				break
			}
		}
		q.reportDepth(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) popDue(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := popDue.Run(ctx, q.client, []string{q.cfg.Key}, now, q.cfg.BatchSize).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

// Shutdown stops polling, waits for the workers and closes the client.
// Queued ids stay in Redis for the next process.
func (q *RedisQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	q.logger.Info().Msg("Redis queue stopped")
	return nil
}

// Depth reports the size of the sorted set.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue size: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) reportDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if n, err := q.Depth(ctx); err == nil {
		q.metrics.SetQueueDepth("redis", float64(n))
	}
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
