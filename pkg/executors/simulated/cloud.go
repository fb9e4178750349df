// Package simulated provides an in-process fake cloud that behaves like an
// eventually consistent remote API: operations are accepted, stay pending
// for a configurable number of inspections, then settle.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// MetadataName is the task metadata key naming the remote resource.
const MetadataName = "name"

// MsgResourceBusy is the rejection reason for deletes of busy resources.
const MsgResourceBusy = "resource busy"

var errConnectionReset = errors.New("connection reset by peer")

// Config tunes the simulated cloud.
type Config struct {
	// PendingPolls is how many inspections report pending before an
	// operation settles.
	PendingPolls int `yaml:"pending_polls" env:"PENDING_POLLS" validate:"gte=0"`

	// Latency is added to every call.
	Latency time.Duration `yaml:"latency" env:"LATENCY"`
}

// Call records one executor call against the cloud.
type Call struct {
	Op           string
	ResourceType string
	Name         string
	Handle       string
	Result       string
}

type operation struct {
	handle       string
	kind         engine.TaskKind
	resourceType string
	name         string
	polls        int
	pending      int
	failReason   string
	done         bool
}

// Cloud is the shared fake remote side. Executors for several resource
// types may share one Cloud.
type Cloud struct {
	mu  sync.Mutex
	cfg Config

	seq        int
	resources  map[string]bool
	busy       map[string]bool
	ops        map[string]*operation
	failNext   map[string]int
	failRemote map[string]string
	calls      []Call
}

// NewCloud creates an empty cloud.
func NewCloud(cfg Config) *Cloud {
	return &Cloud{
		cfg:        cfg,
		resources:  make(map[string]bool),
		busy:       make(map[string]bool),
		ops:        make(map[string]*operation),
		failNext:   make(map[string]int),
		failRemote: make(map[string]string),
	}
}

func resourceKey(resourceType, name string) string {
	return resourceType + "/" + name
}

// Seed creates a resource directly, as if it had been provisioned earlier.
func (c *Cloud) Seed(resourceType, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[resourceKey(resourceType, name)] = true
}

// Exists reports whether a resource is present.
func (c *Cloud) Exists(resourceType, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resources[resourceKey(resourceType, name)]
}

// Resources returns the keys of every present resource, sorted.
func (c *Cloud) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.resources))
	for k := range c.resources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetBusy marks a resource busy; deletes of busy resources are rejected.
func (c *Cloud) SetBusy(resourceType, name string, busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := resourceKey(resourceType, name)
	if busy {
		c.busy[key] = true
	} else {
		delete(c.busy, key)
	}
}

// SetPendingPolls changes the number of pending inspections for
// operations started from now on.
func (c *Cloud) SetPendingPolls(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.PendingPolls = n
}

// FailNext makes the next n calls of op ("invoke" or "inspect") return a
// transport error.
func (c *Cloud) FailNext(op string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[op] += n
}

// FailOperation makes the next operation on the resource settle as failed
// with reason.
func (c *Cloud) FailOperation(resourceType, name, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failRemote[resourceKey(resourceType, name)] = reason
}

// Calls returns the recorded calls in order.
func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Executor returns an engine.Executor for resourceType backed by c.
func (c *Cloud) Executor(resourceType string) *Executor {
	return &Executor{cloud: c, resourceType: resourceType}
}

func (c *Cloud) sleep(ctx context.Context) error {
	if c.cfg.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(c.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// takeFailure consumes one injected transport failure for op. Callers hold mu.
func (c *Cloud) takeFailure(op string) bool {
	if c.failNext[op] == 0 {
		return false
	}
	c.failNext[op]--
	return true
}

func (c *Cloud) record(call Call) {
	c.calls = append(c.calls, call)
}

func (c *Cloud) invoke(resourceType string, task *engine.Task) (engine.InvokeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := task.MetadataString(MetadataName)
	if name == "" {
		name = task.Key
	}
	call := Call{Op: string(task.Kind), ResourceType: resourceType, Name: name}

	if c.takeFailure("invoke") {
		call.Result = "transport_error"
		c.record(call)
		return engine.InvokeResult{}, engine.NewTransientError("simulated transport failure", errConnectionReset).
			WithResource(name).
			WithOperation(string(task.Kind))
	}

	key := resourceKey(resourceType, name)
	var result engine.InvokeResult
	switch task.Kind {
	case engine.KindCreate:
		if c.resources[key] {
			result = engine.InvokeResult{Outcome: engine.OutcomeAlreadySatisfied, Message: "resource already exists"}
		} else {
			result = c.accept(task.Kind, resourceType, name)
		}
	case engine.KindDelete:
		switch {
		case !c.resources[key]:
			result = engine.InvokeResult{Outcome: engine.OutcomeAlreadySatisfied, Message: "resource already absent"}
		case c.busy[key]:
			result = engine.InvokeResult{Outcome: engine.OutcomeRejected, Message: MsgResourceBusy}
		default:
			result = c.accept(task.Kind, resourceType, name)
		}
	default:
		result = engine.InvokeResult{
			Outcome: engine.OutcomeRejected,
			Message: fmt.Sprintf("unsupported operation %s", task.Kind),
		}
	}

	call.Handle = result.RemoteHandle
	call.Result = string(result.Outcome)
	c.record(call)
	return result, nil
}

// accept starts an operation. Callers hold mu.
func (c *Cloud) accept(kind engine.TaskKind, resourceType, name string) engine.InvokeResult {
	c.seq++
	handle := fmt.Sprintf("op-%d", c.seq)
	key := resourceKey(resourceType, name)
	op := &operation{
		handle:       handle,
		kind:         kind,
		resourceType: resourceType,
		name:         name,
		pending:      c.cfg.PendingPolls,
	}
	if reason, ok := c.failRemote[key]; ok {
		op.failReason = reason
		delete(c.failRemote, key)
	}
	c.ops[handle] = op
	return engine.InvokeResult{Outcome: engine.OutcomeAccepted, RemoteHandle: handle}
}

func (c *Cloud) inspect(resourceType, handle string) (engine.Inspection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Op: "inspect", ResourceType: resourceType, Handle: handle}
	if c.takeFailure("inspect") {
		call.Result = "transport_error"
		c.record(call)
		return engine.Inspection{}, engine.NewTransientError("simulated transport failure", errConnectionReset).
			WithOperation("inspect")
	}

	op, ok := c.ops[handle]
	if !ok {
		call.Result = string(engine.LifecycleFailed)
		c.record(call)
		return engine.Inspection{State: engine.LifecycleFailed, Detail: "unknown operation " + handle}, nil
	}
	call.Name = op.name

	op.polls++
	var insp engine.Inspection
	switch {
	case op.polls <= op.pending:
		insp = engine.Inspection{State: engine.LifecyclePending}
	case op.failReason != "":
		insp = engine.Inspection{State: engine.LifecycleFailed, Detail: op.failReason}
	default:
		insp = engine.Inspection{State: engine.LifecycleStable, Detail: c.settle(op)}
	}

	call.Result = string(insp.State)
	c.record(call)
	return insp, nil
}

// settle applies a finished operation and returns the resource ref.
// Callers hold mu.
func (c *Cloud) settle(op *operation) string {
	key := resourceKey(op.resourceType, op.name)
	if !op.done {
		op.done = true
		switch op.kind {
		case engine.KindCreate:
			c.resources[key] = true
		case engine.KindDelete:
			delete(c.resources, key)
			delete(c.busy, key)
		}
	}
	return key
}

// Executor adapts a Cloud to engine.Executor for one resource type.
type Executor struct {
	cloud        *Cloud
	resourceType string
}

var _ engine.Executor = (*Executor)(nil)

// Invoke implements engine.Executor.
func (e *Executor) Invoke(ctx context.Context, task *engine.Task) (engine.InvokeResult, error) {
	if err := e.cloud.sleep(ctx); err != nil {
		return engine.InvokeResult{}, err
	}
	return e.cloud.invoke(e.resourceType, task)
}

// Inspect implements engine.Executor.
func (e *Executor) Inspect(ctx context.Context, handle string) (engine.Inspection, error) {
	if err := e.cloud.sleep(ctx); err != nil {
		return engine.Inspection{}, err
	}
	return e.cloud.inspect(e.resourceType, handle)
}
