package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"dwetl/internal/storage"
)

// Store implements storage.Store for Microsoft SQL Server.
//
// T-SQL has no ON CONFLICT clause, so the upsert paths differ from the
// other backends:
//   - UpsertIgnore inserts through a NOT EXISTS guard.
//   - UpsertLookup and RecordException run a keyed UPDATE first and insert
//     only when no row was touched, inside one transaction.
//
// Generated DDL is in Postgres dialect; rewriteDDL translates types and
// wraps each statement in an existence guard, since SQL Server predates
// IF NOT EXISTS syntax for tables and indexes.
type Store struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}

	// Loads are sequential; a small pool covers report fan-out.
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) ExecDDL(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, rewriteDDL(stmt)); err != nil {
			return fmt.Errorf("mssql: apply ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) EnsureUniqueIndex(ctx context.Context, table, column string) error {
	if _, err := s.db.ExecContext(ctx, buildUniqueIndexSQL(table, column)); err != nil {
		return fmt.Errorf("mssql: unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if _, err := s.db.ExecContext(ctx, buildInsertSQL(table, columns), values...); err != nil {
		return fmt.Errorf("mssql: insert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) InsertReturningID(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	var id int64
	q := buildInsertOutputSQL(table, idColumn, columns)
	if err := s.db.QueryRowContext(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("mssql: insert into %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) UpsertIgnore(ctx context.Context, table string, columns []string, values []any, conflictColumn string) error {
	if _, err := s.db.ExecContext(ctx, buildUpsertIgnoreSQL(table, columns, conflictColumn), values...); err != nil {
		return fmt.Errorf("mssql: upsert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) UpsertLookup(ctx context.Context, table, idColumn, keyColumn string, key any, extraColumns []string, extraValues []any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: lookup upsert into %s: begin tx: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, buildLookupSelectSQL(table, idColumn, keyColumn), key).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		args := append([]any{key}, extraValues...)
		cols := append([]string{keyColumn}, extraColumns...)
		insErr := tx.QueryRowContext(ctx, buildInsertOutputSQL(table, idColumn, cols), args...).Scan(&id)
		if insErr != nil {
			return 0, fmt.Errorf("mssql: lookup upsert into %s: %w", table, insErr)
		}
	case err != nil:
		return 0, fmt.Errorf("mssql: lookup upsert into %s: %w", table, err)
	default:
		if len(extraColumns) > 0 {
			args := append(append([]any{}, extraValues...), key)
			if _, upErr := tx.ExecContext(ctx, buildLookupUpdateSQL(table, keyColumn, extraColumns), args...); upErr != nil {
				return 0, fmt.Errorf("mssql: lookup upsert into %s: %w", table, upErr)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: lookup upsert into %s: commit: %w", table, err)
	}
	return id, nil
}

func (s *Store) Exists(ctx context.Context, table, column string, value any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, buildExistsSQL(table, column), value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mssql: exists %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (s *Store) RecordException(ctx context.Context, table, keyColumn string, key any, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mssql: ledger upsert into %s: begin tx: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, buildExceptionUpdateSQL(table, keyColumn), at, key)
	if err != nil {
		return fmt.Errorf("mssql: ledger upsert into %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mssql: ledger upsert into %s: %w", table, err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, buildExceptionInsertSQL(table, keyColumn), key, at, at); err != nil {
			return fmt.Errorf("mssql: ledger upsert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: ledger upsert into %s: commit: %w", table, err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) TopExceptions(ctx context.Context, table, keyColumn string, limit int) ([]storage.ExceptionTally, error) {
	rows, err := s.db.QueryContext(ctx, buildTopExceptionsSQL(table, keyColumn), limit)
	if err != nil {
		return nil, fmt.Errorf("mssql: top exceptions from %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ExceptionTally
	for rows.Next() {
		var t storage.ExceptionTally
		if err := rows.Scan(&t.Key, &t.Occurrences, &t.FirstSeen, &t.LastSeen); err != nil {
			return nil, fmt.Errorf("mssql: scan exception row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rewriteDDL translates a generated Postgres statement into T-SQL:
// identity surrogate keys, DATETIME2 timestamps (TIMESTAMP means rowversion
// here), BIT booleans, NVARCHAR(MAX) for unbounded text, and OBJECT_ID /
// sys.indexes existence guards.
func rewriteDDL(stmt string) string {
	stmt = strings.ReplaceAll(stmt, " SERIAL PRIMARY KEY", " INT IDENTITY(1,1) PRIMARY KEY")
	stmt = strings.ReplaceAll(stmt, " TIMESTAMP", " DATETIME2")
	stmt = strings.ReplaceAll(stmt, " BOOLEAN", " BIT")
	stmt = strings.ReplaceAll(stmt, " TEXT", " NVARCHAR(MAX)")

	if rest, ok := strings.CutPrefix(stmt, "CREATE TABLE "); ok {
		name, _, found := strings.Cut(rest, " (")
		if found {
			return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN %s END;", name, stmt)
		}
	}
	if rest, ok := strings.CutPrefix(stmt, "CREATE INDEX "); ok {
		name, tail, found := strings.Cut(rest, " ON ")
		if found {
			table, _, _ := strings.Cut(tail, "(")
			return fmt.Sprintf(
				"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) BEGIN %s END;",
				name, table, stmt)
		}
	}
	return stmt
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func buildUniqueIndexSQL(table, column string) string {
	name := "uq_" + table + "_" + column
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s'))"+
			" BEGIN CREATE UNIQUE INDEX %s ON %s (%s); END;",
		name, table, mssqlIdent(name), mssqlIdent(table), mssqlIdent(column))
}

func buildInsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// buildInsertOutputSQL uses an OUTPUT clause to surface the generated
// identity value; SCOPE_IDENTITY would need a second round trip.
func buildInsertOutputSQL(table, idColumn string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") OUTPUT INSERTED.")
	b.WriteString(mssqlIdent(idColumn))
	b.WriteString(" VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

// buildUpsertIgnoreSQL materializes the incoming row as a derived table and
// inserts it only when no row with the same conflict key exists.
func buildUpsertIgnoreSQL(table string, columns []string, conflictColumn string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")) AS v(")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" t WHERE t.")
	b.WriteString(mssqlIdent(conflictColumn))
	b.WriteString(" = v.")
	b.WriteString(mssqlIdent(conflictColumn))
	b.WriteString(")")
	return b.String()
}

func buildLookupSelectSQL(table, idColumn, keyColumn string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = @p1",
		mssqlIdent(idColumn), mssqlIdent(table), mssqlIdent(keyColumn))
}

// buildLookupUpdateSQL refreshes companion columns for an existing key.
// Args are the extra values in order, then the key.
func buildLookupUpdateSQL(table, keyColumn string, extraColumns []string) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlIdent(table))
	b.WriteString(" SET ")
	for i, c := range extraColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(c), i+1)
	}
	fmt.Fprintf(&b, " WHERE %s = @p%d", mssqlIdent(keyColumn), len(extraColumns)+1)
	return b.String()
}

func buildExistsSQL(table, column string) string {
	return fmt.Sprintf("SELECT TOP 1 1 FROM %s WHERE %s = @p1",
		mssqlIdent(table), mssqlIdent(column))
}

// buildExceptionUpdateSQL increments an existing tally. Args: last_seen,
// then key.
func buildExceptionUpdateSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"UPDATE %s SET occurrence_count = occurrence_count + 1, last_seen = @p1 WHERE %s = @p2",
		mssqlIdent(table), mssqlIdent(keyColumn))
}

// buildExceptionInsertSQL opens a tally for a first sighting. Args: key,
// first_seen, last_seen.
func buildExceptionInsertSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, occurrence_count, first_seen, last_seen) VALUES (@p1, 1, @p2, @p3)",
		mssqlIdent(table), mssqlIdent(keyColumn))
}

func buildTopExceptionsSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"SELECT TOP (@p1) %s, occurrence_count, first_seen, last_seen FROM %s"+
			" ORDER BY occurrence_count DESC, %s ASC",
		mssqlIdent(keyColumn), mssqlIdent(table), mssqlIdent(keyColumn))
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB so the transactional upsert
// paths are testable without a server.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

type rowScanner interface {
	Scan(dest ...any) error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn        = (*sqlDB)(nil)
	_ txConn        = (*sqlTx)(nil)
	_ storage.Store = (*Store)(nil)
)
