package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/executors"
	"github.com/openfroyo/provisioner/pkg/queue"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PROVISIONER_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Queue drivers.
const (
	DriverLocal = "local"
	DriverRedis = "redis"
)

// Config is the complete provisioner configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Queue     QueueConfig      `yaml:"queue" envPrefix:"QUEUE_"`
	Engine    EngineConfig     `yaml:"engine" envPrefix:"ENGINE_"`
	API       APIConfig        `yaml:"api" envPrefix:"API_"`
	Policy    PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Executors executors.Config `yaml:"executors" envPrefix:"EXECUTORS_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// StoreConfig selects the graph store.
type StoreConfig struct {
	Driver string        `yaml:"driver" env:"DRIVER" validate:"oneof=memory sqlite"`
	SQLite stores.Config `yaml:"sqlite" envPrefix:"SQLITE_"`
}

// QueueConfig selects the dispatch trigger.
type QueueConfig struct {
	Driver string            `yaml:"driver" env:"DRIVER" validate:"oneof=local redis"`
	Local  queue.LocalConfig `yaml:"local" envPrefix:"LOCAL_"`
	Redis  queue.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// EngineConfig tunes dispatch and reconciliation.
type EngineConfig struct {
	MaxTransportAttempts int           `yaml:"max_transport_attempts" env:"MAX_TRANSPORT_ATTEMPTS" validate:"gte=1"`
	DispatchRetryDelay   time.Duration `yaml:"dispatch_retry_delay" env:"DISPATCH_RETRY_DELAY" validate:"gt=0"`

	// MaxCallbackDepth bounds callback chains; zero means unbounded.
	MaxCallbackDepth int `yaml:"max_callback_depth" env:"MAX_CALLBACK_DEPTH" validate:"gte=0"`

	Backoff BackoffConfig `yaml:"backoff" envPrefix:"BACKOFF_"`

	// ResourceBackoff overrides Backoff per resource type.
	ResourceBackoff map[string]BackoffConfig `yaml:"resource_backoff" validate:"dive"`
}

// BackoffConfig describes a re-check delay policy.
type BackoffConfig struct {
	Kind       string        `yaml:"kind" env:"KIND" validate:"oneof=fixed exponential"`
	Base       time.Duration `yaml:"base" env:"BASE" validate:"gt=0"`
	Max        time.Duration `yaml:"max" env:"MAX" validate:"gte=0"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=0"`
	Jitter     float64       `yaml:"jitter" env:"JITTER" validate:"gte=0,lte=1"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	ListenAddress   string        `yaml:"listen_address" env:"LISTEN_ADDRESS" validate:"required"`
	Mode            string        `yaml:"mode" env:"MODE" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// PolicyConfig configures root admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Dir holds additional .rego files.
	Dir string `yaml:"dir" env:"DIR"`

	// Watch reloads Dir when its files change.
	Watch bool `yaml:"watch" env:"WATCH"`

	Builtin  bool `yaml:"builtin" env:"BUILTIN"`
	MaxTasks int  `yaml:"max_tasks" env:"MAX_TASKS" validate:"gte=0"`
}

// Default returns a configuration that runs everything in-process.
func Default() *Config {
	eb := engine.DefaultBackoff()
	return &Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			SQLite: stores.Config{
				Path:            "provisioner.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				BusyTimeout:     5 * time.Second,
			},
		},
		Queue: QueueConfig{
			Driver: DriverLocal,
			Local:  queue.LocalConfig{Buffer: 1024},
			Redis: queue.RedisConfig{
				Addr:         "localhost:6379",
				Key:          queue.DefaultRedisKey,
				PollInterval: 100 * time.Millisecond,
				BatchSize:    64,
			},
		},
		Engine: EngineConfig{
			MaxTransportAttempts: engine.DefaultMaxTransportAttempts,
			DispatchRetryDelay:   engine.DefaultDispatchRetryDelay,
			Backoff: BackoffConfig{
				Kind:       "exponential",
				Base:       eb.Base,
				Max:        eb.Max,
				Multiplier: eb.Multiplier,
				Jitter:     eb.Jitter,
			},
		},
		API: APIConfig{
			ListenAddress:   ":8080",
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			Enabled:  true,
			Builtin:  true,
			MaxTasks: 1000,
		},
		Executors: executors.Config{
			Simulated: executors.SimulatedConfig{
				Enabled:       true,
				ResourceTypes: []string{"network", "subnet", "instance"},
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load builds a configuration from defaults, then the YAML file at path
// when it is not empty, then PROVISIONER_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.Store.Driver == DriverSQLite && c.Store.SQLite.Path == "" {
		return fmt.Errorf("store.sqlite.path is required for the sqlite driver")
	}
	if c.Queue.Driver == DriverRedis && c.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue.redis.addr is required for the redis driver")
	}
	if c.Policy.Watch && c.Policy.Dir == "" {
		return fmt.Errorf("policy.watch requires policy.dir")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// Policy returns the backoff policy described by b.
func (b BackoffConfig) Policy() engine.BackoffPolicy {
	if b.Kind == "fixed" {
		return engine.FixedBackoff{Interval: b.Base}
	}
	return engine.ExponentialBackoff{
		Base:       b.Base,
		Max:        b.Max,
		Multiplier: b.Multiplier,
		Jitter:     b.Jitter,
	}
}

// BackoffPolicy combines the default and per-resource-type policies.
func (e EngineConfig) BackoffPolicy() engine.BackoffPolicy {
	if len(e.ResourceBackoff) == 0 {
		return e.Backoff.Policy()
	}
	set := engine.BackoffSet{
		Default:        e.Backoff.Policy(),
		ByResourceType: make(map[string]engine.BackoffPolicy, len(e.ResourceBackoff)),
	}
	for rt, b := range e.ResourceBackoff {
		set.ByResourceType[rt] = b.Policy()
	}
	return set
}

// EngineOptions translates the engine section into engine options.
func (e EngineConfig) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithBackoff(e.BackoffPolicy()),
		engine.WithMaxTransportAttempts(e.MaxTransportAttempts),
		engine.WithDispatchRetryDelay(e.DispatchRetryDelay),
		engine.WithMaxCallbackDepth(e.MaxCallbackDepth),
	}
}
