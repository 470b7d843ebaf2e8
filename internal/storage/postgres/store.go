package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dwetl/internal/storage"
)

// Store implements storage.Store for Postgres on a pgxpool connection
// pool. All SQL is built by pure functions so statement shapes are unit
// tested without a server.
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New opens a pool and verifies connectivity. An unreachable server fails
// here rather than on the first statement of a load.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) ExecDDL(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, rewriteDDL(stmt)); err != nil {
			return fmt.Errorf("postgres: apply ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) EnsureUniqueIndex(ctx context.Context, table, column string) error {
	if _, err := s.pool.Exec(ctx, buildUniqueIndexSQL(table, column)); err != nil {
		return fmt.Errorf("postgres: unique index on %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if _, err := s.pool.Exec(ctx, buildInsertSQL(table, columns), values...); err != nil {
		return fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) InsertReturningID(ctx context.Context, table, idColumn string, columns []string, values []any) (int64, error) {
	var id int64
	sql := buildInsertReturningSQL(table, idColumn, columns)
	if err := s.pool.QueryRow(ctx, sql, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: insert into %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) UpsertIgnore(ctx context.Context, table string, columns []string, values []any, conflictColumn string) error {
	if _, err := s.pool.Exec(ctx, buildUpsertIgnoreSQL(table, columns, conflictColumn), values...); err != nil {
		return fmt.Errorf("postgres: upsert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) UpsertLookup(ctx context.Context, table, idColumn, keyColumn string, key any, extraColumns []string, extraValues []any) (int64, error) {
	sql := buildLookupUpsertSQL(table, idColumn, keyColumn, extraColumns)
	args := append([]any{key}, extraValues...)

	var id int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: lookup upsert into %s: %w", table, err)
	}
	return id, nil
}

func (s *Store) Exists(ctx context.Context, table, column string, value any) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, buildExistsSQL(table, column), value).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: exists %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (s *Store) RecordException(ctx context.Context, table, keyColumn string, key any, at time.Time) error {
	if _, err := s.pool.Exec(ctx, buildExceptionUpsertSQL(table, keyColumn), key, at, at); err != nil {
		return fmt.Errorf("postgres: ledger upsert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, buildCountSQL(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) TopExceptions(ctx context.Context, table, keyColumn string, limit int) ([]storage.ExceptionTally, error) {
	rows, err := s.pool.Query(ctx, buildTopExceptionsSQL(table, keyColumn), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: top exceptions from %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.ExceptionTally
	for rows.Next() {
		var t storage.ExceptionTally
		if err := rows.Scan(&t.Key, &t.Occurrences, &t.FirstSeen, &t.LastSeen); err != nil {
			return nil, fmt.Errorf("postgres: scan exception row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// rewriteDDL makes a generated statement idempotent so a rerun against an
// existing schema succeeds. Generated statements are already in Postgres
// dialect; only the guards are added.
func rewriteDDL(stmt string) string {
	if rest, ok := strings.CutPrefix(stmt, "CREATE TABLE "); ok {
		return "CREATE TABLE IF NOT EXISTS " + rest
	}
	if rest, ok := strings.CutPrefix(stmt, "CREATE INDEX "); ok {
		return "CREATE INDEX IF NOT EXISTS " + rest
	}
	return stmt
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildUniqueIndexSQL(table, column string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent("uq_"+table+"_"+column), pgIdent(table), pgIdent(column))
}

func buildInsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

func buildInsertReturningSQL(table, idColumn string, columns []string) string {
	return buildInsertSQL(table, columns) + " RETURNING " + pgIdent(idColumn)
}

func buildUpsertIgnoreSQL(table string, columns []string, conflictColumn string) string {
	return buildInsertSQL(table, columns) +
		" ON CONFLICT (" + pgIdent(conflictColumn) + ") DO NOTHING"
}

// buildLookupUpsertSQL returns a single-statement ensure-and-return: on
// conflict the companion columns are refreshed from the incoming row, and
// RETURNING always yields the surrogate key. With no companions the key
// column is reassigned to itself; DO NOTHING would suppress the RETURNING
// row on conflict.
func buildLookupUpsertSQL(table, idColumn, keyColumn string, extraColumns []string) string {
	cols := append([]string{keyColumn}, extraColumns...)
	var b strings.Builder
	b.WriteString(buildInsertSQL(table, cols))
	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(keyColumn))
	b.WriteString(") DO UPDATE SET ")
	if len(extraColumns) == 0 {
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(keyColumn), pgIdent(keyColumn))
	} else {
		for i, c := range extraColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
		}
	}
	b.WriteString(" RETURNING ")
	b.WriteString(pgIdent(idColumn))
	return b.String()
}

func buildExistsSQL(table, column string) string {
	return fmt.Sprintf("SELECT 1 FROM %s WHERE %s = $1 LIMIT 1",
		pgIdent(table), pgIdent(column))
}

// buildExceptionUpsertSQL is the ledger upsert: $1 key, $2 first_seen,
// $3 last_seen. The conflict path increments the counter and refreshes
// last_seen in one indivisible statement, so concurrent loaders never lose
// a sighting.
func buildExceptionUpsertSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s, occurrence_count, first_seen, last_seen) VALUES ($1, 1, $2, $3)"+
			" ON CONFLICT (%s) DO UPDATE SET"+
			" occurrence_count = %s.occurrence_count + 1,"+
			" last_seen = EXCLUDED.last_seen",
		pgIdent(table), pgIdent(keyColumn), pgIdent(keyColumn), pgIdent(table))
}

func buildCountSQL(table string) string {
	return "SELECT COUNT(*) FROM " + pgIdent(table)
}

func buildTopExceptionsSQL(table, keyColumn string) string {
	return fmt.Sprintf(
		"SELECT %s, occurrence_count, first_seen, last_seen FROM %s"+
			" ORDER BY occurrence_count DESC, %s ASC LIMIT $1",
		pgIdent(keyColumn), pgIdent(table), pgIdent(keyColumn))
}

var _ storage.Store = (*Store)(nil)
