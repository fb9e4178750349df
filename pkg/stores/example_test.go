package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CompareAndSetStatus shows a task moving through the
// store's compare-and-set.
func ExampleSQLiteStore_CompareAndSetStatus() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	root := &engine.Root{
		ID:   "root-001",
		Name: "provision network net-1",
		Kind: engine.RootKindNormal,
		Tasks: []*engine.Task{{
			ID:           "task-001",
			RootID:       "root-001",
			Key:          "create",
			Kind:         engine.KindCreate,
			Status:       engine.TaskStatusPending,
			ResourceType: "network",
			CreatedAt:    now,
			UpdatedAt:    now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRoot(ctx, root); err != nil {
		log.Fatal(err)
	}

	first, _ := store.CompareAndSetStatus(ctx, "task-001", engine.TaskStatusPending, engine.TaskStatusRunning, engine.TaskPatch{})
	second, _ := store.CompareAndSetStatus(ctx, "task-001", engine.TaskStatusPending, engine.TaskStatusRunning, engine.TaskPatch{})

	task, _ := store.Load(ctx, "task-001")
	fmt.Println(first, second, task.Status)
	// Output: true false running
}

// ExampleMemoryStore shows the in-memory store used by the demo command.
func ExampleMemoryStore() {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	_ = store.CreateRoot(ctx, &engine.Root{ID: "root-001", Name: "empty", Kind: engine.RootKindNormal})
	won, _ := store.MarkRootActivated(ctx, "root-001", "")
	again, _ := store.MarkRootActivated(ctx, "root-001", "")

	fmt.Println(won, again)
	// Output: true false
}
