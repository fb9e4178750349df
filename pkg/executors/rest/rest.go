// Package rest provides an engine.Executor for remote APIs that expose
// long-running operations over JSON and HTTP.
//
// Invoke posts the task to the operations endpoint and classifies the HTTP
// response:
//
//	201, 202        accepted, handle read from the body
//	200, 204        already satisfied
//	404 on delete   already satisfied
//	400, 403, 409,
//	422             rejected, reason read from the body
//	429             throttled transport error
//	5xx, network    transient transport error
//	other 4xx       permanent error
//
// Inspect polls the operation and maps its state string onto the three
// lifecycle states. Field locations in response bodies are gjson paths.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/tidwall/gjson"
)

// Config configures an Executor.
type Config struct {
	// BaseURL is the API root, e.g. "https://cloud.example.com/v1".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// InvokePath receives POSTed tasks. Defaults to "/operations".
	InvokePath string `yaml:"invoke_path"`

	// InspectPath is polled with GET; "{handle}" is replaced with the
	// escaped handle. Defaults to "/operations/{handle}".
	InspectPath string `yaml:"inspect_path"`

	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`

	// Response field paths. Defaults: "handle", "state", "detail", "message".
	HandlePath  string `yaml:"handle_path"`
	StatePath   string `yaml:"state_path"`
	DetailPath  string `yaml:"detail_path"`
	MessagePath string `yaml:"message_path"`

	// Extra state strings mapped onto lifecycle states, merged over the
	// defaults.
	States map[string]engine.LifecycleState `yaml:"states"`
}

var defaultStates = map[string]engine.LifecycleState{
	"pending":     engine.LifecyclePending,
	"queued":      engine.LifecyclePending,
	"running":     engine.LifecyclePending,
	"in_progress": engine.LifecyclePending,
	"stable":      engine.LifecycleStable,
	"active":      engine.LifecycleStable,
	"done":        engine.LifecycleStable,
	"succeeded":   engine.LifecycleStable,
	"deleted":     engine.LifecycleStable,
	"failed":      engine.LifecycleFailed,
	"error":       engine.LifecycleFailed,
}

// Executor is a JSON over HTTP engine.Executor.
type Executor struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	states map[string]engine.LifecycleState
}

var _ engine.Executor = (*Executor)(nil)

// New creates an executor. A nil client uses one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Executor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	if cfg.InvokePath == "" {
		cfg.InvokePath = "/operations"
	}
	if cfg.InspectPath == "" {
		cfg.InspectPath = "/operations/{handle}"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HandlePath == "" {
		cfg.HandlePath = "handle"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "state"
	}
	if cfg.DetailPath == "" {
		cfg.DetailPath = "detail"
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = "message"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	states := make(map[string]engine.LifecycleState, len(defaultStates)+len(cfg.States))
	for k, v := range defaultStates {
		states[k] = v
	}
	for k, v := range cfg.States {
		states[strings.ToLower(k)] = v
	}

	return &Executor{cfg: cfg, base: base, client: client, states: states}, nil
}

// invokeRequest is the body posted for every action task.
type invokeRequest struct {
	TaskID       string         `json:"task_id"`
	RootID       string         `json:"root_id"`
	Kind         string         `json:"kind"`
	ResourceType string         `json:"resource_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Invoke implements engine.Executor.
func (e *Executor) Invoke(ctx context.Context, task *engine.Task) (engine.InvokeResult, error) {
	body, err := json.Marshal(invokeRequest{
		TaskID:       task.ID,
		RootID:       task.RootID,
		Kind:         string(task.Kind),
		ResourceType: task.ResourceType,
		Metadata:     task.Metadata,
	})
	if err != nil {
		return engine.InvokeResult{}, engine.NewPermanentError("failed to encode request", err).
			WithResource(task.ID).
			WithCode(engine.ErrCodeExecutorFailed)
	}

	status, payload, callErr := e.do(ctx, http.MethodPost, e.cfg.InvokePath, body)
	if callErr != nil {
		return engine.InvokeResult{}, callErr.WithResource(task.ID).WithOperation(string(task.Kind))
	}
	msg := gjson.GetBytes(payload, e.cfg.MessagePath).String()

	switch {
	case status == http.StatusCreated || status == http.StatusAccepted:
		handle := gjson.GetBytes(payload, e.cfg.HandlePath).String()
		if handle == "" {
			return engine.InvokeResult{}, engine.NewPermanentError("response carries no operation handle", nil).
				WithResource(task.ID).
				WithOperation(string(task.Kind)).
				WithCode(engine.ErrCodeExecutorFailed)
		}
		return engine.InvokeResult{Outcome: engine.OutcomeAccepted, RemoteHandle: handle, Message: msg}, nil

	case status == http.StatusOK || status == http.StatusNoContent:
		return engine.InvokeResult{Outcome: engine.OutcomeAlreadySatisfied, Message: msg}, nil

	case status == http.StatusNotFound && isDelete(task.Kind):
		return engine.InvokeResult{Outcome: engine.OutcomeAlreadySatisfied, Message: "resource already absent"}, nil

	case status == http.StatusBadRequest || status == http.StatusForbidden ||
		status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		if msg == "" {
			msg = http.StatusText(status)
		}
		return engine.InvokeResult{Outcome: engine.OutcomeRejected, Message: msg}, nil
	}

	return engine.InvokeResult{}, classify(status, msg).
		WithResource(task.ID).
		WithOperation(string(task.Kind))
}

// Inspect implements engine.Executor.
func (e *Executor) Inspect(ctx context.Context, handle string) (engine.Inspection, error) {
	path := strings.ReplaceAll(e.cfg.InspectPath, "{handle}", url.PathEscape(handle))

	status, payload, callErr := e.do(ctx, http.MethodGet, path, nil)
	if callErr != nil {
		return engine.Inspection{}, callErr.WithResource(handle).WithOperation("inspect")
	}

	switch {
	case status == http.StatusNotFound:
		return engine.Inspection{State: engine.LifecycleFailed, Detail: "operation " + handle + " not found"}, nil
	case status >= 200 && status < 300:
	default:
		msg := gjson.GetBytes(payload, e.cfg.MessagePath).String()
		return engine.Inspection{}, classify(status, msg).WithResource(handle).WithOperation("inspect")
	}

	raw := gjson.GetBytes(payload, e.cfg.StatePath).String()
	state, ok := e.states[strings.ToLower(raw)]
	if !ok {
		return engine.Inspection{}, engine.NewTransientError(fmt.Sprintf("unknown operation state %q", raw), nil).
			WithResource(handle).
			WithOperation("inspect")
	}
	return engine.Inspection{State: state, Detail: gjson.GetBytes(payload, e.cfg.DetailPath).String()}, nil
}

func (e *Executor) do(ctx context.Context, method, path string, body []byte) (int, []byte, *engine.EngineError) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base.String()+path, reader)
	if err != nil {
		return 0, nil, engine.NewPermanentError("failed to build request", err).WithCode(engine.ErrCodeExecutorFailed)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, engine.NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, engine.NewTransientError("failed to read response", err)
	}
	return resp.StatusCode, payload, nil
}

// classify maps a non-outcome HTTP status to an engine error class.
func classify(status int, msg string) *engine.EngineError {
	if msg == "" {
		msg = http.StatusText(status)
	}
	text := fmt.Sprintf("remote returned %d: %s", status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewThrottledError(text, nil).WithCode(engine.ErrCodeRateLimited)
	case status >= 500:
		return engine.NewTransientError(text, nil)
	default:
		return engine.NewPermanentError(text, nil).WithCode(engine.ErrCodeExecutorFailed)
	}
}

func isDelete(kind engine.TaskKind) bool {
	return strings.HasPrefix(string(kind), "delete")
}
