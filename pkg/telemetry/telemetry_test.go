package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for otlp exporter without endpoint")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for sampling rate above 1")
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordTransition("pending", "running", "compute")
	m.RecordDispatchDropped("lease_held")
	m.SetQueueDepth("local", 3)
	if m.Registry() != nil {
		t.Fatal("Expected nil registry for disabled metrics")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordDispatch()
	nilMetrics.RecordExecutorCall("compute", "invoke", time.Millisecond)
}

func TestMetricsRecordsTransitions(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordTransition("pending", "running", "compute")
	m.RecordTransition("pending", "running", "compute")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "test_task_transitions_total" {
			continue
		}
		found = true
		if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Fatalf("Expected 2 transitions, got %v", got)
		}
	}
	if !found {
		t.Fatal("Expected test_task_transitions_total to be registered")
	}
}

func TestEventPublisherFlushesOnInterval(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, FilterByType(EventTypeTaskTransition))

	if err := ep.PublishTaskTransition("root-1", "task-1", "pending", "running", ""); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := ep.PublishRootCancelled("root-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 transition event, got %d", len(got))
	}
	if got[0].RootID != "root-1" {
		t.Fatalf("Expected root id root-1, got %s", got[0].RootID)
	}
}

func TestNilEventPublisher(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishRootCancelled("root-1"); err != nil {
		t.Fatalf("Expected nil publisher to accept events, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected nil publisher shutdown to succeed, got %v", err)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info").NewComponentLogger("scheduler")
	logger.WithRootID("root-1").WithTaskID("task-1").Info("dispatched")
	zl := logger.Zerolog()
	zl.Debug().Msg("hidden")

	out := buf.String()
	for _, want := range []string{`"component":"scheduler"`, `"root_id":"root-1"`, `"task_id":"task-1"`, `"dispatched"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected log output to contain %s, got %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("Expected debug message to be filtered at info level")
	}
}

func TestEventPublisherLevelFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer ep.Shutdown(context.Background())
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	got := make(chan Event, 4)
	ep.Subscribe(func(e Event) { got <- e }, nil)

	_ = ep.PublishTaskTransition("root-1", "task-1", "pending", "running", "")
	_ = ep.PublishRootCancelled("root-1")

	select {
	case e := <-got:
		if e.Type != EventTypeRootCancelled {
			t.Fatalf("Expected only the warning event, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected warning event to be delivered")
	}
	select {
	case e := <-got:
		t.Fatalf("Expected info event to be filtered, got %s", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventPublisherRejectsAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Hour,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	got := make(chan Event, 4)
	ep.Subscribe(func(e Event) { got <- e }, nil)
	if err := ep.PublishRootCancelled("root-1"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected second shutdown to succeed, got %v", err)
	}
	if err := ep.PublishRootCancelled("root-2"); !errors.Is(err, ErrPublisherStopped) {
		t.Fatalf("Expected ErrPublisherStopped, got %v", err)
	}

	select {
	case e := <-got:
		if e.RootID != "root-1" {
			t.Fatalf("Expected buffered event for root-1, got %s", e.RootID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected buffered event to be drained on shutdown")
	}
}

func TestAuditSubscriber(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditSubscriber(NewLoggerTo(&buf, "info").NewComponentLogger("audit"))

	audit(Event{
		ID:      "ev-1",
		Type:    EventTypeTaskTransition,
		RootID:  "root-1",
		TaskID:  "task-1",
		Message: "Task task-1: running -> failed",
		Level:   EventLevelError,
		Data:    map[string]interface{}{"to": "failed"},
	})

	out := buf.String()
	for _, want := range []string{
		`"level":"error"`, `"component":"audit"`, `"event_type":"task.transition"`,
		`"root_id":"root-1"`, `"task_id":"task-1"`, `"to":"failed"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected audit output to contain %s, got %s", want, out)
		}
	}
}

func TestConfigValidateEventLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.MinLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for invalid event level")
	}
}
