package queue

import (
	"context"
	"errors"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// ErrCapacityExhausted is returned when a queue has no room for another
// delivery. The engine retries such dispatches later.
var ErrCapacityExhausted = engine.ErrCapacityExhausted

// ErrClosed is returned by a queue that was shut down.
var ErrClosed = errors.New("queue closed")

// Handler receives one delivery.
type Handler func(ctx context.Context, taskID string) error

// Queue is a trigger substrate with a worker lifecycle.
type Queue interface {
	engine.Trigger

	// Start launches the workers that call handler for every delivery.
	Start(ctx context.Context, handler Handler) error

	// Shutdown stops accepting deliveries and waits for the workers.
	Shutdown(ctx context.Context) error

	// Depth reports how many deliveries are waiting, due or not.
	Depth(ctx context.Context) (int, error)
}

type options struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a queue.
type Option func(*options)

// WithLogger sets the queue logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports queue depth to m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(component string, opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", component).Logger()
	return o
}

// deliver runs handler and logs its error. Failed deliveries are not
// retried.
func deliver(ctx context.Context, logger zerolog.Logger, handler Handler, taskID string) {
	if err := handler(ctx, taskID); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("Dispatch failed")
	}
}
