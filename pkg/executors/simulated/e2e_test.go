package simulated_test

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/executors/simulated"
	"github.com/openfroyo/provisioner/pkg/queue"
	"github.com/openfroyo/provisioner/pkg/stores"
)

type stack struct {
	engine *engine.Engine
	cloud  *simulated.Cloud
	store  engine.GraphStore
}

func newStack(t *testing.T, store engine.GraphStore, pendingPolls int) *stack {
	t.Helper()

	cloud := simulated.NewCloud(simulated.Config{PendingPolls: pendingPolls})
	registry := engine.NewRegistry()
	for _, rt := range []string{"network", "subnet", "volume"} {
		registry.Register(rt, cloud.Executor(rt))
	}

	q := queue.NewLocalQueue(queue.LocalConfig{Workers: 4, Buffer: 64})
	eng := engine.New(store, q, registry,
		engine.WithBackoff(engine.FixedBackoff{Interval: 5 * time.Millisecond}),
		engine.WithDispatchRetryDelay(5*time.Millisecond),
	)
	if err := q.Start(context.Background(), eng.Dispatch); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })

	return &stack{engine: eng, cloud: cloud, store: store}
}

func sqliteStore(t *testing.T) engine.GraphStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store engine.GraphStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, stores.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteStore(t)) })
}

// waitSettled polls until the root settles or the deadline passes.
func waitSettled(t *testing.T, eng *engine.Engine, rootID string) *engine.Root {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		root, err := eng.Root(context.Background(), rootID)
		if err != nil {
			t.Fatalf("Root failed: %v", err)
		}
		if root.IsSettled() {
			return root
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Root %s did not settle in time", rootID)
	return nil
}

func TestProvisionNetworkAndSubnet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.GraphStore) {
		s := newStack(t, store, 2)
		ctx := context.Background()

		root, err := s.engine.BuildRoot(ctx, engine.RootSpec{
			Name:   "provision network net-1",
			Nature: "provisioning",
			Tasks: []engine.TaskSpec{
				{Key: "network", Kind: engine.KindCreate, ResourceType: "network", Metadata: map[string]any{"name": "net-1"}},
				{Key: "subnet", Kind: engine.KindCreate, ResourceType: "subnet", Metadata: map[string]any{"name": "sub-1"}},
			},
			Edges: []engine.Edge{{From: "network", To: "subnet"}},
		})
		if err != nil {
			t.Fatalf("BuildRoot failed: %v", err)
		}

		settled := waitSettled(t, s.engine, root.ID)
		if settled.Status() != engine.RootStatusSuccessful {
			t.Fatalf("Expected root successful, got %s", settled.Status())
		}

		network := settled.TaskByKey("network")
		if network.ResourceRef == nil || *network.ResourceRef != "network/net-1" {
			t.Fatalf("Expected network ref network/net-1, got %v", network.ResourceRef)
		}
		if network.Polls != 3 {
			t.Fatalf("Expected 3 inspections, got %d", network.Polls)
		}
		if !s.cloud.Exists("subnet", "sub-1") {
			t.Fatal("Expected subnet to exist")
		}

		// The subnet create must come after the network settled.
		calls := s.cloud.Calls()
		networkStable, subnetCreate := -1, -1
		for i, c := range calls {
			if c.Name == "net-1" && c.Result == "stable" && networkStable < 0 {
				networkStable = i
			}
			if c.Name == "sub-1" && c.Op == "create" {
				subnetCreate = i
			}
		}
		if networkStable < 0 || subnetCreate < networkStable {
			t.Fatalf("Expected subnet create after network settled, got stable=%d create=%d", networkStable, subnetCreate)
		}
	})
}

func TestBusyDeleteFailsWithoutCallbacks(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.GraphStore) {
		s := newStack(t, store, 0)
		ctx := context.Background()
		s.cloud.Seed("volume", "vol-1")
		s.cloud.SetBusy("volume", "vol-1", true)

		accounting, err := s.engine.BuildRoot(ctx, engine.RootSpec{
			Name:   "record deletion of vol-1",
			Nature: "accounting",
			Kind:   engine.RootKindOnSuccess,
		})
		if err != nil {
			t.Fatalf("BuildRoot failed: %v", err)
		}

		root, err := s.engine.BuildRoot(ctx, engine.RootSpec{
			Name: "delete volume vol-1",
			Tasks: []engine.TaskSpec{
				{Key: "delete", Kind: engine.KindDelete, ResourceType: "volume", Metadata: map[string]any{"name": "vol-1"}},
				{Key: "wait", Kind: engine.KindDeleteWait, ResourceType: "volume"},
			},
			Edges:         []engine.Edge{{From: "delete", To: "wait"}},
			CallbackRoots: []string{accounting.ID},
		})
		if err != nil {
			t.Fatalf("BuildRoot failed: %v", err)
		}

		settled := waitSettled(t, s.engine, root.ID)
		if settled.Status() != engine.RootStatusFailed {
			t.Fatalf("Expected root failed, got %s", settled.Status())
		}
		del := settled.TaskByKey("delete")
		if del.Message != simulated.MsgResourceBusy {
			t.Fatalf("Expected message %q, got %q", simulated.MsgResourceBusy, del.Message)
		}
		if wait := settled.TaskByKey("wait"); wait.Status != engine.TaskStatusPending {
			t.Fatalf("Expected wait task to stay pending, got %s", wait.Status)
		}

		// Give a stray callback time to show up before checking.
		time.Sleep(20 * time.Millisecond)
		cb, err := s.engine.Root(ctx, accounting.ID)
		if err != nil {
			t.Fatalf("Root failed: %v", err)
		}
		if cb.Activated {
			t.Fatal("Expected on_success callback to stay inactive")
		}
		if !s.cloud.Exists("volume", "vol-1") {
			t.Fatal("Expected busy volume to survive")
		}
	})
}

func TestDeleteWithWaitAndCallback(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.GraphStore) {
		s := newStack(t, store, 1)
		ctx := context.Background()
		s.cloud.Seed("volume", "vol-1")

		accounting, err := s.engine.BuildRoot(ctx, engine.RootSpec{
			Name: "record deletion of vol-1",
			Kind: engine.RootKindOnSuccess,
			Tasks: []engine.TaskSpec{
				{Key: "absent", Kind: engine.KindDelete, ResourceType: "volume", Metadata: map[string]any{"name": "vol-1"}},
			},
		})
		if err != nil {
			t.Fatalf("BuildRoot failed: %v", err)
		}

		root, err := s.engine.BuildRoot(ctx, engine.RootSpec{
			Name: "delete volume vol-1",
			Tasks: []engine.TaskSpec{
				{Key: "delete", Kind: engine.KindDelete, ResourceType: "volume", Metadata: map[string]any{"name": "vol-1"}},
				{Key: "wait", Kind: engine.KindDeleteWait, ResourceType: "volume"},
			},
			Edges:         []engine.Edge{{From: "delete", To: "wait"}},
			CallbackRoots: []string{accounting.ID},
		})
		if err != nil {
			t.Fatalf("BuildRoot failed: %v", err)
		}

		settled := waitSettled(t, s.engine, root.ID)
		if settled.Status() != engine.RootStatusSuccessful {
			t.Fatalf("Expected root successful, got %s", settled.Status())
		}
		if s.cloud.Exists("volume", "vol-1") {
			t.Fatal("Expected volume to be deleted")
		}

		cb := waitSettled(t, s.engine, accounting.ID)
		if !cb.Activated || cb.ParentID != root.ID {
			t.Fatalf("Expected callback activated by %s, got activated=%v parent=%q", root.ID, cb.Activated, cb.ParentID)
		}
		if cb.Status() != engine.RootStatusSuccessful {
			t.Fatalf("Expected callback root successful, got %s", cb.Status())
		}
	})
}
