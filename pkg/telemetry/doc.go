// Package telemetry provides observability instrumentation for the provisioner.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("reconciler")
//	logger.WithRootID(rootID).WithTaskID(taskID).Info("task settled")
//
// Components that take a zerolog.Logger directly use Logger.Zerolog.
//
// # Metrics
//
// Every Metrics method is safe to call on a disabled or nil instance, so
// callers never guard their instrumentation. The API server mounts
// Metrics.Handler at /metrics; a dedicated listener is started only when
// metrics.listen_address is set.
//
// # Events
//
// The publisher delivers root and task lifecycle events to subscribers:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.TaskID, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeTaskTransition))
//
// With async publishing enabled, events are batched and delivered on every
// flush interval and when the publisher shuts down. NewTelemetry subscribes
// an audit logger when events.audit is set and drops events below
// events.min_level.
package telemetry
