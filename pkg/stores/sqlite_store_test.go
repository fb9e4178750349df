package stores

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
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

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("Expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"roots", "tasks", "resources", "task_transitions"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("Expected clean version 1, got %d dirty=%v", version, dirty)
	}

	// Running again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestStoreMigrateDown(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	var count int
	err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'tasks'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Fatalf("Expected tasks table to be dropped, got %d", count)
	}
}

func TestStoreMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("Expected Migrate to fail before Init")
	}
}

func TestStoreCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateRoot(ctx, newTestRoot("root-1", 0)); err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}
	if err := store.PersistResourceRef(ctx, "root-1-a", "net-1"); err != nil {
		t.Fatalf("PersistResourceRef failed: %v", err)
	}

	if _, err := store.db.ExecContext(ctx, `DELETE FROM roots WHERE id = ?`, "root-1"); err != nil {
		t.Fatalf("failed to delete root: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		t.Fatalf("failed to count tasks: %v", err)
	}
	if count != 0 {
		t.Fatalf("Expected tasks to be removed with their root, got %d", count)
	}
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&count); err != nil {
		t.Fatalf("failed to count resources: %v", err)
	}
	if count != 0 {
		t.Fatalf("Expected resources to be removed with their task, got %d", count)
	}
}

func TestStoreCreateRootIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	root := newTestRoot("root-1", 0)
	root.Tasks[1].Key = root.Tasks[0].Key

	if err := store.CreateRoot(ctx, root); err == nil {
		t.Fatal("Expected duplicate task key to fail")
	}
	if _, err := store.LoadRoot(ctx, "root-1"); err == nil {
		t.Fatal("Expected no root to be persisted after a failed create")
	}
}

// TestStoreFileConcurrency runs compare-and-set from many connections
// against a file database.
func TestStoreFileConcurrency(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:         filepath.Join(t.TempDir(), "provisioner.db"),
		MaxOpenConns: 8,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	if err := store.CreateRoot(ctx, newTestRoot("root-1", 0)); err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}

	var (
		mu   sync.Mutex
		wins int
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CompareAndSetStatus(ctx, "root-1-a", engine.TaskStatusPending, engine.TaskStatusRunning, engine.TaskPatch{})
			if err != nil {
				t.Errorf("CompareAndSetStatus failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("Expected exactly one winner, got %d", wins)
	}

	history, err := store.ListTransitions(ctx, "root-1-a")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected one recorded transition, got %d", len(history))
	}
}
