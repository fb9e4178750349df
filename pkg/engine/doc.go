// Package engine implements the provisioning workflow engine: task graphs
// whose tasks call out to remote systems and are reconciled until the remote
// side settles.
//
// # Model
//
// A Root is a named acyclic graph of Tasks. Each Task moves through a small
// state machine:
//
//	pending -> running -> successful | failed | waiting_on_remote
//	waiting_on_remote -> running | successful | failed
//
// The status of a Root is never stored; Root.Status derives it from its
// tasks on every call.
//
// # Components
//
//   - Scheduler: claims a task through a lease table and a compare-and-set on
//     its status, so a task id executes at most once at a time.
//   - Reconciler: invokes action tasks and inspects waiting ones, retrying
//     transport errors under an attempt budget.
//   - Propagator: releases successors of successful tasks and fires callback
//     roots exactly once when a root settles.
//
// The engine works against three boundaries supplied by the caller: a
// GraphStore, a Trigger that delivers dispatches, and one Executor per
// resource type.
//
// # Usage
//
//	registry := engine.NewRegistry()
//	registry.Register("network", networkExecutor)
//
//	eng := engine.New(store, trigger, registry,
//	    engine.WithLogger(logger),
//	    engine.WithBackoff(engine.DefaultBackoff()),
//	)
//
//	root, err := eng.BuildRoot(ctx, engine.RootSpec{
//	    Name: "provision network net-1",
//	    Tasks: []engine.TaskSpec{
//	        {Key: "net", Kind: engine.KindCreate, ResourceType: "network"},
//	        {Key: "subnet", Kind: engine.KindCreate, ResourceType: "subnet"},
//	    },
//	    Edges: []engine.Edge{{From: "net", To: "subnet"}},
//	})
//
// The trigger passes every delivered task id to Engine.Dispatch.
//
// # Errors
//
// Construction errors are returned as *EngineError with a code such as
// ErrCodeCycle or ErrCodeUnknownReference; nothing is persisted for them.
// Executor errors classified permanent are domain rejections and fail the
// task; every other executor error is a transport error and is retried.
package engine
