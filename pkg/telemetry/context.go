package telemetry

import (
	"context"
	"fmt"
)

// Telemetry bundles the logger, tracer, metrics and event publisher that
// the provisioner wires into its components.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	if cfg.Events.Enabled {
		if cfg.Events.MinLevel != "" {
			events.AddFilter(FilterByLevel(cfg.Events.MinLevel))
		}
		if cfg.Events.Audit {
			var filter EventFilter
			if len(cfg.Events.AuditTypes) > 0 {
				filter = FilterByType(cfg.Events.AuditTypes...)
			}
			events.Subscribe(NewAuditSubscriber(logger.NewComponentLogger("audit")), filter)
		}
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the dedicated metrics listener, if configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}
