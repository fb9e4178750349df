package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the provisioner.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment" env:"ENVIRONMENT"`

	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" env:"LEVEL"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" env:"FORMAT"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" env:"OUTPUT"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `yaml:"enable_sampling" env:"ENABLE_SAMPLING"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `yaml:"sampling_initial"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `yaml:"sampling_thereafter"`

	// TimeFormat specifies the timestamp format (unix, rfc3339, etc.).
	TimeFormat string `yaml:"time_format" env:"TIME_FORMAT"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" env:"EXPORTER"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `yaml:"max_export_batch_size"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// ListenAddress is an optional dedicated listener for metrics. When
	// empty, metrics are only served by the API server.
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path" env:"PATH"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// BufferSize is the size of the event buffer.
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`

	// FlushInterval is how often buffered events are delivered.
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`

	// MaxBatchSize is the maximum number of events to deliver in one batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// EnableAsync enables asynchronous event publishing.
	EnableAsync bool `yaml:"enable_async" env:"ENABLE_ASYNC"`

	// MinLevel drops events below this level (info, warning, error).
	MinLevel string `yaml:"min_level" env:"MIN_LEVEL"`

	// Audit writes every delivered event to the log under the "audit"
	// component.
	Audit bool `yaml:"audit" env:"AUDIT"`

	// AuditTypes limits the audit log to these event types. Empty means all.
	AuditTypes []string `yaml:"audit_types" env:"AUDIT_TYPES" envSeparator:","`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "provisioner",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "provisioner",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
			MinLevel:      EventLevelInfo,
			Audit:         true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	switch c.Events.MinLevel {
	case "", EventLevelInfo, EventLevelWarning, EventLevelError:
	default:
		return fmt.Errorf("invalid event level: %s", c.Events.MinLevel)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
