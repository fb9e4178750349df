// Package stores provides GraphStore implementations for the provisioner:
// an in-process MemoryStore and a SQLite-backed SQLiteStore with embedded
// migrations. Both record every task transition and the resource ref
// produced by each successful task.
package stores
