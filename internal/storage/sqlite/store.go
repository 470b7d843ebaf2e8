package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dwetl/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - Generated DDL is in Postgres dialect, so SERIAL surrogate keys are
//     rewritten to INTEGER PRIMARY KEY AUTOINCREMENT before execution.
//   - SQLite has no native timestamp type; timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior.
//   - RETURNING is avoided: surrogate keys alias the rowid, so
//     LastInsertId is authoritative after an insert.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// The file-backed driver serializes writers anyway; a single connection
	// avoids SQLITE_BUSY between the pooled handles.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) ExecDDL(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, rewriteDDL(stmt)); err != nil {
			return fmt.Errorf("sqlite: apply ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) EnsureUniqueIndex(ctx context.Context, table, column string) error {
	q := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqlIdent("uq_"+table+"_"+column), sqlIdent(table), sqlIdent(column))
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("sqlite: unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if _, err := s.db.ExecContext(ctx, buildInsertSQL(table, columns), normalizeArgs(values)...); err != nil {
		return fmt.Errorf("sqlite: insert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) InsertReturningID(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	// idColumn aliases the rowid after DDL rewriting, so LastInsertId is
	// exactly the generated surrogate key.
	_ = idColumn

	res, err := s.db.ExecContext(ctx, buildInsertSQL(table, columns), normalizeArgs(values)...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert into %s: %w", table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert into %s: %w", table, err)
	}
	return id, nil
}

// UpsertIgnore relies on a UNIQUE constraint covering conflictColumn;
// EnsureUniqueIndex provides one for inferred tables, whose generated DDL
// carries no constraints of its own.
func (s *Store) UpsertIgnore(ctx context.Context, table string, columns []string, values []any, conflictColumn string) error {
	// OR IGNORE keys on whatever UNIQUE constraint exists.
	_ = conflictColumn

	q := strings.Replace(buildInsertSQL(table, columns), "INSERT INTO ", "INSERT OR IGNORE INTO ", 1)
	if _, err := s.db.ExecContext(ctx, q, normalizeArgs(values)...); err != nil {
		return fmt.Errorf("sqlite: upsert into %s: %w", table, err)
	}
	return nil
}

// UpsertLookup ensures a lookup row exists and returns its surrogate key.
// Unlike the Postgres backend this takes two statements: an upsert (which
// refreshes companion columns on conflict) followed by a keyed select,
// because OR IGNORE reports no id for a pre-existing row.
func (s *Store) UpsertLookup(ctx context.Context, table, idColumn, keyColumn string, key any, extraColumns []string, extraValues []any) (int64, error) {
	cols := append([]string{keyColumn}, extraColumns...)
	args := normalizeArgs(append([]any{key}, extraValues...))

	var q string
	if len(extraColumns) == 0 {
		q = strings.Replace(buildInsertSQL(table, cols), "INSERT INTO ", "INSERT OR IGNORE INTO ", 1)
	} else {
		var b strings.Builder
		b.WriteString(buildInsertSQL(table, cols))
		b.WriteString(" ON CONFLICT (")
		b.WriteString(sqlIdent(keyColumn))
		b.WriteString(") DO UPDATE SET ")
		for i, c := range extraColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", sqlIdent(c), sqlIdent(c))
		}
		q = b.String()
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return 0, fmt.Errorf("sqlite: lookup upsert into %s: %w", table, err)
	}

	var id int64
	sel := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		sqlIdent(idColumn), sqlIdent(table), sqlIdent(keyColumn))
	if err := s.db.QueryRowContext(ctx, sel, args[0]).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: lookup id from %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) Exists(ctx context.Context, table, column string, value any) (bool, error) {
	q := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1",
		sqlIdent(table), sqlIdent(column))

	var one int
	err := s.db.QueryRowContext(ctx, q, normalizeArg(value)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: exists %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (s *Store) RecordException(ctx context.Context, table, keyColumn string, key any, at time.Time) error {
	// Inside DO UPDATE an unqualified column names the existing row, so the
	// increment and the last_seen refresh happen in one statement while
	// first_seen keeps its original value.
	q := fmt.Sprintf(
		"INSERT INTO %s (%s, occurrence_count, first_seen, last_seen) VALUES (?, 1, ?, ?)"+
			" ON CONFLICT (%s) DO UPDATE SET"+
			" occurrence_count = occurrence_count + 1,"+
			" last_seen = excluded.last_seen",
		sqlIdent(table), sqlIdent(keyColumn), sqlIdent(keyColumn))
	if _, err := s.db.ExecContext(ctx, q, normalizeArg(key), formatTime(at), formatTime(at)); err != nil {
		return fmt.Errorf("sqlite: ledger upsert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) TopExceptions(ctx context.Context, table, keyColumn string, limit int) ([]storage.ExceptionTally, error) {
	q := fmt.Sprintf(
		"SELECT %s, occurrence_count, first_seen, last_seen FROM %s"+
			" ORDER BY occurrence_count DESC, %s ASC LIMIT ?",
		sqlIdent(keyColumn), sqlIdent(table), sqlIdent(keyColumn))

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: top exceptions from %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ExceptionTally
	for rows.Next() {
		var t storage.ExceptionTally
		var first, last string
		if err := rows.Scan(&t.Key, &t.Occurrences, &first, &last); err != nil {
			return nil, fmt.Errorf("sqlite: scan exception row: %w", err)
		}
		if t.FirstSeen, err = parseTime(first); err != nil {
			return nil, fmt.Errorf("sqlite: parse %s.first_seen=%q: %w", table, first, err)
		}
		if t.LastSeen, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("sqlite: parse %s.last_seen=%q: %w", table, last, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rewriteDDL translates a generated Postgres statement into SQLite
// semantics. "INTEGER PRIMARY KEY" is special in SQLite: it becomes the
// rowid and auto-generates values.
func rewriteDDL(stmt string) string {
	if rest, ok := strings.CutPrefix(stmt, "CREATE TABLE "); ok {
		stmt = "CREATE TABLE IF NOT EXISTS " + rest
	} else if rest, ok := strings.CutPrefix(stmt, "CREATE INDEX "); ok {
		stmt = "CREATE INDEX IF NOT EXISTS " + rest
	}
	return strings.ReplaceAll(stmt, " SERIAL PRIMARY KEY", " INTEGER PRIMARY KEY AUTOINCREMENT")
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildInsertSQL(table string, columns []string) string {
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, sqlIdent(c))
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(table), strings.Join(cols, ", "), ph)
}

func normalizeArgs(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalizeArg(v)
	}
	return out
}

// normalizeArg rewrites values the driver would store in a surprising
// shape. Timestamps become RFC3339Nano text so every backend round-trips
// the same instant.
func normalizeArg(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatTime(t)
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts what we write (RFC3339Nano) plus common formats other
// tools leave behind in shared database files.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ storage.Store = (*Store)(nil)
