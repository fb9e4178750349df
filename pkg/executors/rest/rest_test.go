package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// fakeAPI serves canned responses and records requests.
type fakeAPI struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []*http.Request
	payloads []map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r)
	if r.Body != nil {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			f.payloads = append(f.payloads, payload)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeAPI) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

func setup(t *testing.T, cfg Config) (*Executor, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{status: http.StatusOK}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	exec, err := New(cfg, srv.Client())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return exec, api
}

func createTask() *engine.Task {
	return &engine.Task{
		ID:           "task-1",
		RootID:       "root-1",
		Key:          "network",
		Kind:         engine.KindCreate,
		ResourceType: "network",
		Metadata:     map[string]any{"name": "net-1"},
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("Expected error for empty base URL")
	}
}

func TestInvokeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		kind    engine.TaskKind
		status  int
		body    string
		outcome engine.Outcome
		handle  string
		message string
	}{
		{"accepted", engine.KindCreate, http.StatusAccepted, `{"handle":"op-7"}`, engine.OutcomeAccepted, "op-7", ""},
		{"created", engine.KindCreate, http.StatusCreated, `{"handle":"op-8","message":"queued"}`, engine.OutcomeAccepted, "op-8", "queued"},
		{"already exists", engine.KindCreate, http.StatusOK, `{"message":"exists"}`, engine.OutcomeAlreadySatisfied, "", "exists"},
		{"no content", engine.KindDelete, http.StatusNoContent, ``, engine.OutcomeAlreadySatisfied, "", ""},
		{"delete missing", engine.KindDelete, http.StatusNotFound, `{}`, engine.OutcomeAlreadySatisfied, "", "resource already absent"},
		{"busy", engine.KindDelete, http.StatusConflict, `{"message":"resource busy"}`, engine.OutcomeRejected, "", "resource busy"},
		{"invalid", engine.KindCreate, http.StatusUnprocessableEntity, ``, engine.OutcomeRejected, "", "Unprocessable Entity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, api := setup(t, Config{})
			api.respond(tt.status, tt.body)

			task := createTask()
			task.Kind = tt.kind
			res, err := exec.Invoke(context.Background(), task)
			if err != nil {
				t.Fatalf("Invoke failed: %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Fatalf("Expected outcome %s, got %s", tt.outcome, res.Outcome)
			}
			if res.RemoteHandle != tt.handle {
				t.Fatalf("Expected handle %q, got %q", tt.handle, res.RemoteHandle)
			}
			if res.Message != tt.message {
				t.Fatalf("Expected message %q, got %q", tt.message, res.Message)
			}
		})
	}
}

func TestInvokeErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error", http.StatusBadGateway, `{}`, engine.IsTransient},
		{"throttled", http.StatusTooManyRequests, `{}`, engine.IsThrottled},
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad token"}`, engine.IsPermanent},
		{"accepted without handle", http.StatusAccepted, `{}`, engine.IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, api := setup(t, Config{})
			api.respond(tt.status, tt.body)

			_, err := exec.Invoke(context.Background(), createTask())
			if err == nil || !tt.check(err) {
				t.Fatalf("Expected classified error, got %v", err)
			}
		})
	}
}

func TestInvokeRequest(t *testing.T) {
	exec, api := setup(t, Config{Headers: map[string]string{"Authorization": "Bearer token"}})
	api.respond(http.StatusAccepted, `{"handle":"op-1"}`)

	if _, err := exec.Invoke(context.Background(), createTask()); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	req := api.requests[0]
	if req.Method != http.MethodPost || req.URL.Path != "/operations" {
		t.Fatalf("Expected POST /operations, got %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Authorization") != "Bearer token" {
		t.Fatalf("Expected Authorization header, got %q", req.Header.Get("Authorization"))
	}
	payload := api.payloads[0]
	if payload["kind"] != "create" || payload["resource_type"] != "network" || payload["task_id"] != "task-1" {
		t.Fatalf("Expected task fields in body, got %v", payload)
	}
	meta, _ := payload["metadata"].(map[string]any)
	if meta["name"] != "net-1" {
		t.Fatalf("Expected metadata name net-1, got %v", payload["metadata"])
	}
}

func TestInspectStates(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		state  engine.LifecycleState
		detail string
	}{
		{"pending", http.StatusOK, `{"state":"in_progress"}`, engine.LifecyclePending, ""},
		{"stable", http.StatusOK, `{"state":"ACTIVE","detail":"net-1"}`, engine.LifecycleStable, "net-1"},
		{"failed", http.StatusOK, `{"state":"error","detail":"quota exceeded"}`, engine.LifecycleFailed, "quota exceeded"},
		{"custom state", http.StatusOK, `{"state":"provisioning"}`, engine.LifecyclePending, ""},
		{"unknown operation", http.StatusNotFound, `{}`, engine.LifecycleFailed, "operation op-1 not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, api := setup(t, Config{States: map[string]engine.LifecycleState{"Provisioning": engine.LifecyclePending}})
			api.respond(tt.status, tt.body)

			insp, err := exec.Inspect(context.Background(), "op-1")
			if err != nil {
				t.Fatalf("Inspect failed: %v", err)
			}
			if insp.State != tt.state || insp.Detail != tt.detail {
				t.Fatalf("Expected %s %q, got %s %q", tt.state, tt.detail, insp.State, insp.Detail)
			}
		})
	}
}

func TestInspectCustomPaths(t *testing.T) {
	exec, api := setup(t, Config{
		InspectPath: "/v2/jobs/{handle}",
		StatePath:   "job.status",
		DetailPath:  "job.result.id",
	})
	api.respond(http.StatusOK, `{"job":{"status":"done","result":{"id":"vol-9"}}}`)

	insp, err := exec.Inspect(context.Background(), "op 1")
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if insp.State != engine.LifecycleStable || insp.Detail != "vol-9" {
		t.Fatalf("Expected stable vol-9, got %s %q", insp.State, insp.Detail)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.requests[0].URL.EscapedPath(); got != "/v2/jobs/op%201" {
		t.Fatalf("Expected escaped handle in path, got %s", got)
	}
}

func TestInspectErrors(t *testing.T) {
	exec, api := setup(t, Config{})

	api.respond(http.StatusServiceUnavailable, `{}`)
	if _, err := exec.Inspect(context.Background(), "op-1"); !engine.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}

	api.respond(http.StatusOK, `{"state":"weird"}`)
	if _, err := exec.Inspect(context.Background(), "op-1"); !engine.IsTransient(err) {
		t.Fatalf("Expected transient error for unknown state, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exec, err := New(Config{BaseURL: url}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := exec.Invoke(context.Background(), createTask()); !engine.IsTransient(err) {
		t.Fatalf("Expected transient error for closed server, got %v", err)
	}
}
