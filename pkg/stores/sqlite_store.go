package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/provisioner/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.GraphStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" env:"PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens its own database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsn builds the modernc connection string. Transactions take the write
// lock up front so concurrent compare-and-set calls queue on busy_timeout
// instead of failing on lock upgrade.
func (s *SQLiteStore) dsn() string {
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if !isMemory(s.cfg.Path) {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + strings.Join(params, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version.
func (s *SQLiteStore) MigrationVersion(_ context.Context) (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRoot inserts the root and all of its tasks in one transaction.
func (s *SQLiteStore) CreateRoot(ctx context.Context, root *engine.Root) error {
	callbacks, err := encodeJSON(root.CallbackRoots, "[]")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO roots (id, name, nature, kind, callback_roots, parent_id, activated, cancelled, callbacks_fired, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		root.ID,
		root.Name,
		root.Nature,
		string(root.Kind),
		callbacks,
		root.ParentID,
		boolToInt(root.Activated),
		boolToInt(root.Cancelled),
		boolToInt(root.CallbacksFired),
		toUnix(root.CreatedAt),
		toUnix(root.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}

	for i, task := range root.Tasks {
		if err := insertTask(ctx, tx, i, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit root: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, position int, task *engine.Task) error {
	metadata, err := encodeJSON(task.Metadata, "{}")
	if err != nil {
		return err
	}
	preds, err := encodeJSON(task.Predecessors, "[]")
	if err != nil {
		return err
	}
	succs, err := encodeJSON(task.Successors, "[]")
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, root_id, position, task_key, kind, status, resource_type, resource_ref,
			metadata, message, predecessors, successors, attempts, polls, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.RootID,
		position,
		task.Key,
		string(task.Kind),
		string(task.Status),
		task.ResourceType,
		task.ResourceRef,
		metadata,
		task.Message,
		preds,
		succs,
		task.Attempts,
		task.Polls,
		toUnix(task.NotBefore),
		toUnix(task.CreatedAt),
		toUnix(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.Key, err)
	}
	return nil
}

const taskColumns = `id, root_id, task_key, kind, status, resource_type, resource_ref, metadata, message,
	predecessors, successors, attempts, polls, not_before, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*engine.Task, error) {
	var (
		task                            engine.Task
		kind, status                    string
		ref                             sql.NullString
		metadata, preds, succs          string
		notBefore, createdAt, updatedAt int64
	)
	err := row.Scan(
		&task.ID,
		&task.RootID,
		&task.Key,
		&kind,
		&status,
		&task.ResourceType,
		&ref,
		&metadata,
		&task.Message,
		&preds,
		&succs,
		&task.Attempts,
		&task.Polls,
		&notBefore,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Kind = engine.TaskKind(kind)
	task.Status = engine.TaskStatus(status)
	if ref.Valid {
		task.ResourceRef = &ref.String
	}
	if err := decodeJSON(metadata, &task.Metadata); err != nil {
		return nil, err
	}
	if err := decodeJSON(preds, &task.Predecessors); err != nil {
		return nil, err
	}
	if err := decodeJSON(succs, &task.Successors); err != nil {
		return nil, err
	}
	task.NotBefore = fromUnix(notBefore)
	task.CreatedAt = fromUnix(createdAt)
	task.UpdatedAt = fromUnix(updatedAt)
	return &task, nil
}

// Load retrieves a task by ID
func (s *SQLiteStore) Load(ctx context.Context, taskID string) (*engine.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// LoadRoot retrieves a root together with its tasks in construction order.
func (s *SQLiteStore) LoadRoot(ctx context.Context, rootID string) (*engine.Root, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, nature, kind, callback_roots, parent_id, activated, cancelled, callbacks_fired, created_at, updated_at
		FROM roots
		WHERE id = ?
	`, rootID)
	root, err := scanRoot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("root %s: %w", rootID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root: %w", err)
	}

	if err := s.loadTasks(ctx, root); err != nil {
		return nil, err
	}
	return root, nil
}

func scanRoot(row rowScanner) (*engine.Root, error) {
	var (
		root                        engine.Root
		kind, callbacks             string
		activated, cancelled, fired int
		createdAt, updatedAt        int64
	)
	err := row.Scan(
		&root.ID,
		&root.Name,
		&root.Nature,
		&kind,
		&callbacks,
		&root.ParentID,
		&activated,
		&cancelled,
		&fired,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	root.Kind = engine.RootKind(kind)
	root.Activated = activated != 0
	root.Cancelled = cancelled != 0
	root.CallbacksFired = fired != 0
	root.CreatedAt = fromUnix(createdAt)
	root.UpdatedAt = fromUnix(updatedAt)
	if err := decodeJSON(callbacks, &root.CallbackRoots); err != nil {
		return nil, err
	}
	return &root, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, root *engine.Root) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE root_id = ? ORDER BY position`, root.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	root.Tasks = []*engine.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		root.Tasks = append(root.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tasks: %w", err)
	}
	return nil
}

// CompareAndSetStatus moves a task from expected to next and applies patch
// in one transaction, appending the change to task_transitions.
func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, taskID string, expected, next engine.TaskStatus, patch engine.TaskPatch) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("%s -> %s: %w", expected, next, engine.ErrIllegalTransition)
	}
	if err := engine.CheckPatch(next, patch); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get task: %w", err)
	}
	if task.Status != expected {
		return false, nil
	}

	now := s.now()
	patch.Apply(task, next, now)

	metadata, err := encodeJSON(task.Metadata, "{}")
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, resource_ref = ?, metadata = ?, message = ?, attempts = ?, polls = ?, not_before = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(task.Status),
		task.ResourceRef,
		metadata,
		task.Message,
		task.Attempts,
		task.Polls,
		toUnix(task.NotBefore),
		toUnix(now),
		taskID,
		string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update task status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, message, at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, string(expected), string(next), task.Message, toUnix(now))
	if err != nil {
		return false, fmt.Errorf("failed to record transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

// PersistResourceRef upserts the resource row produced by taskID.
func (s *SQLiteStore) PersistResourceRef(ctx context.Context, taskID, ref string) error {
	now := toUnix(s.now())
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (task_id, resource_type, ref, created_at, updated_at)
		SELECT id, resource_type, ?, ?, ? FROM tasks WHERE id = ?
		ON CONFLICT (task_id) DO UPDATE SET ref = excluded.ref, updated_at = excluded.updated_at
	`, ref, now, now, taskID)
	if err != nil {
		return fmt.Errorf("failed to persist resource ref: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %s: %w", taskID, engine.ErrNotFound)
	}
	return nil
}

// GetResource returns the resource row recorded for taskID.
func (s *SQLiteStore) GetResource(ctx context.Context, taskID string) (*Resource, error) {
	var (
		res                  Resource
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, resource_type, ref, created_at, updated_at
		FROM resources
		WHERE task_id = ?
	`, taskID).Scan(&res.TaskID, &res.ResourceType, &res.Ref, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource for task %s: %w", taskID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	res.CreatedAt = fromUnix(createdAt)
	res.UpdatedAt = fromUnix(updatedAt)
	return &res, nil
}

// setRootFlag flips a boolean root column from 0 to 1 and reports whether
// this call did it.
func (s *SQLiteStore) setRootFlag(ctx context.Context, rootID, column, extra string, args ...any) (bool, error) {
	query := fmt.Sprintf(`UPDATE roots SET %s = 1, updated_at = ?%s WHERE id = ? AND %s = 0`, column, extra, column)
	params := append([]any{toUnix(s.now())}, args...)
	params = append(params, rootID)

	result, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM roots WHERE id = ?`, rootID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check root: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("root %s: %w", rootID, engine.ErrNotFound)
	}
	return false, nil
}

// MarkRootActivated sets the activated flag and records the parent root.
func (s *SQLiteStore) MarkRootActivated(ctx context.Context, rootID, parentID string) (bool, error) {
	return s.setRootFlag(ctx, rootID, "activated", ", parent_id = ?", parentID)
}

// MarkRootCancelled sets the cancelled flag.
func (s *SQLiteStore) MarkRootCancelled(ctx context.Context, rootID string) (bool, error) {
	return s.setRootFlag(ctx, rootID, "cancelled", "")
}

// MarkCallbacksFired sets the callbacks_fired flag.
func (s *SQLiteStore) MarkCallbacksFired(ctx context.Context, rootID string) (bool, error) {
	return s.setRootFlag(ctx, rootID, "callbacks_fired", "")
}

// ListRoots lists roots newest first, with their tasks.
func (s *SQLiteStore) ListRoots(ctx context.Context, filter engine.RootFilter) ([]*engine.Root, error) {
	query := `
		SELECT id, name, nature, kind, callback_roots, parent_id, activated, cancelled, callbacks_fired, created_at, updated_at
		FROM roots
	`
	if filter.ActiveOnly {
		query += ` WHERE activated = 1 AND cancelled = 0`
	}
	query += ` ORDER BY created_at DESC, id`

	var args []any
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}

	roots := []*engine.Root{}
	for rows.Next() {
		root, err := scanRoot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan root: %w", err)
		}
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating roots: %w", err)
	}
	// Release the connection before loading tasks; :memory: has only one.
	rows.Close()

	for _, root := range roots {
		if err := s.loadTasks(ctx, root); err != nil {
			return nil, err
		}
	}
	return roots, nil
}

// ListTransitions returns the recorded status changes of a task, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, taskID string) ([]engine.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, message, at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []engine.Transition{}
	for rows.Next() {
		var (
			tr       engine.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From = engine.TaskStatus(from)
		tr.To = engine.TaskStatus(to)
		tr.At = fromUnix(at)
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return transitions, nil
}
