package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config selects and parameterizes a backend.
//
// Driver must match a registered backend name ("postgres", "sqlite",
// "mssql"). DSN is passed through to the backend factory; its shape is
// backend-specific.
type Config struct {
	Driver string
	DSN    string
}

// ExceptionTally is one ledger row read back for reporting: the dangling
// key, how often it was sighted, and the sighting window.
type ExceptionTally struct {
	Key         string
	Occurrences int64
	FirstSeen   time.Time
	LastSeen    time.Time
}

// Store is the backend-agnostic surface the loader and reports need. Each
// backend implements the semantics in its own dialect (Postgres ON
// CONFLICT, SQLite OR-style upserts, MSSQL update-then-insert).
type Store interface {
	// Close releases backend resources. Call once at the end of a run.
	Close()

	// ExecDDL applies generated table-definition statements. Backends
	// rewrite them into their dialect and make them idempotent, so a rerun
	// against an existing schema succeeds.
	ExecDDL(ctx context.Context, statements []string) error

	// EnsureUniqueIndex creates a unique index on (table, column) if it
	// does not exist yet. Upserts conflict on these columns.
	EnsureUniqueIndex(ctx context.Context, table, column string) error

	// Insert adds one row. columns and values align by index.
	Insert(ctx context.Context, table string, columns []string, values []any) error

	// InsertReturningID adds one row and returns the generated surrogate
	// key named by idColumn.
	InsertReturningID(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error)

	// UpsertIgnore adds one row unless a row with the same conflictColumn
	// value already exists; the duplicate is silently skipped.
	UpsertIgnore(ctx context.Context, table string, columns []string, values []any, conflictColumn string) error

	// UpsertLookup ensures a lookup row keyed by keyColumn exists with the
	// given companion values (refreshing them on conflict) and returns the
	// row's surrogate key.
	UpsertLookup(ctx context.Context, table, idColumn, keyColumn string, key any, extraColumns []string, extraValues []any) (int64, error)

	// Exists reports whether any row has column = value.
	Exists(ctx context.Context, table, column string, value any) (bool, error)

	// RecordException performs the ledger upsert for one dangling
	// reference: first sighting inserts the key with occurrence_count 1
	// and first_seen = last_seen = at; every later sighting atomically
	// increments occurrence_count and refreshes last_seen.
	RecordException(ctx context.Context, table, keyColumn string, key any, at time.Time) error

	// CountRows returns the row count of a table.
	CountRows(ctx context.Context, table string) (int64, error)

	// TopExceptions returns up to limit ledger rows ordered by occurrence
	// count descending, key ascending.
	TopExceptions(ctx context.Context, table, keyColumn string, limit int) ([]ExceptionTally, error)
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend factory under a driver name. Backend
// packages call Register from init(); importing dwetl/internal/storage/all
// pulls in every backend.
//
// Panics on an empty name, a nil factory, or a duplicate registration:
// ambiguous backend selection should fail at startup, not at open time.
func Register(driver string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if driver == "" {
		panic("storage: Register called with empty driver")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[driver]; exists {
		panic(fmt.Sprintf("storage: factory already registered for driver=%q", driver))
	}
	factories[driver] = f
}

// Open constructs a Store using the registered factory for cfg.Driver.
// A connection failure here is the one error that aborts a whole run, so
// backends verify connectivity before returning.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("storage: missing driver")
	}

	mu.RLock()
	f := factories[cfg.Driver]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported driver=%q", cfg.Driver)
	}
	return f(ctx, cfg)
}
