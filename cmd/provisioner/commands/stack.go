package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provisioner/pkg/api"
	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/executors"
	"github.com/openfroyo/provisioner/pkg/executors/simulated"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/queue"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// stack is every component of a running provisioner, wired from config.
type stack struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store  engine.GraphStore
	sqlite *stores.SQLiteStore
	queue  queue.Queue
	redis  *queue.RedisQueue

	registry *engine.Registry
	cloud    *simulated.Cloud
	policy   *policy.Engine
	watcher  *policy.Watcher
	engine   *engine.Engine
}

func newStack(ctx context.Context, cfg *config.Config) (_ *stack, err error) {
	s := &stack{cfg: cfg}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	s.telemetry, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.logger = s.telemetry.Logger.Zerolog()
	metrics := s.telemetry.Metrics

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	qopts := []queue.Option{queue.WithLogger(s.logger), queue.WithMetrics(metrics)}
	switch cfg.Queue.Driver {
	case config.DriverRedis:
		s.redis, err = queue.NewRedisQueue(cfg.Queue.Redis, qopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis queue: %w", err)
		}
		s.queue = s.redis
	default:
		s.queue = queue.NewLocalQueue(cfg.Queue.Local, qopts...)
	}

	s.registry = engine.NewRegistry()
	s.cloud, err = executors.Register(s.registry, cfg.Executors, nil)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.Engine.EngineOptions(),
		engine.WithLogger(s.logger),
		engine.WithMetrics(metrics),
		engine.WithTracer(s.telemetry.Tracer),
		engine.WithEventPublisher(s.telemetry.Events),
	)
	if cfg.Policy.Enabled {
		if err := s.openPolicy(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithAdmission(s.policy))
	}
	s.engine = engine.New(s.store, s.queue, s.registry, opts...)

	s.logger.Info().
		Str("store", cfg.Store.Driver).
		Str("queue", cfg.Queue.Driver).
		Strs("resource_types", s.registry.ResourceTypes()).
		Bool("policy", cfg.Policy.Enabled).
		Msg("Provisioner stack ready")
	return s, nil
}

func (s *stack) openStore(ctx context.Context) error {
	if s.cfg.Store.Driver == config.DriverMemory {
		s.store = stores.NewMemoryStore()
		return nil
	}

	store, err := stores.NewSQLiteStore(s.cfg.Store.SQLite)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.sqlite = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	s.store = store
	return nil
}

func (s *stack) openPolicy(ctx context.Context) error {
	popts := []policy.Option{
		policy.WithLogger(s.logger),
		policy.WithMetrics(s.telemetry.Metrics),
		policy.WithEventPublisher(s.telemetry.Events),
		policy.WithMaxTasks(s.cfg.Policy.MaxTasks),
		policy.WithResourceTypes(s.registry.ResourceTypes),
	}
	if !s.cfg.Policy.Builtin {
		popts = append(popts, policy.WithoutBuiltins())
	}

	pe, err := policy.NewEngine(popts...)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if s.cfg.Policy.Dir != "" {
		if err := pe.LoadPolicies(ctx, []string{s.cfg.Policy.Dir}); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	s.policy = pe
	return nil
}

// start launches the dispatch workers and re-enqueues interrupted work.
func (s *stack) start(ctx context.Context) error {
	if err := s.queue.Start(ctx, s.engine.Dispatch); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	n, err := s.engine.Recover(ctx)
	if err != nil {
		// Partial recovery still leaves the rest of the roots running.
		s.logger.Error().Err(err).Msg("Recovery incomplete")
	}
	if n > 0 {
		s.logger.Info().Int("tasks", n).Msg("Recovered tasks")
	}
	return nil
}

func (s *stack) healthChecks() []api.Option {
	var opts []api.Option
	if s.sqlite != nil {
		opts = append(opts, api.WithHealthCheck("store", s.sqlite.HealthCheck))
	}
	if s.redis != nil {
		opts = append(opts, api.WithHealthCheck("queue", s.redis.Ping))
	}
	return opts
}

// watchPolicies reloads the policy directory on change until close.
func (s *stack) watchPolicies(ctx context.Context) error {
	w, err := s.policy.Watch(ctx, s.cfg.Policy.Dir)
	if err != nil {
		return fmt.Errorf("failed to watch policies: %w", err)
	}
	s.watcher = w
	return nil
}

func (s *stack) close(ctx context.Context) {
	var errs []error
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("policy watcher: %w", err))
		}
	}
	if s.queue != nil {
		if err := s.queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue: %w", err))
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
