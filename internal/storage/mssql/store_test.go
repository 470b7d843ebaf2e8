package mssql

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestRewriteDDL_WrapsTablesInObjectIDGuard(t *testing.T) {
	t.Parallel()

	in := "CREATE TABLE brands (\n    brands_id SERIAL PRIMARY KEY,\n    topbrand BOOLEAN NULL\n);"
	got := rewriteDDL(in)

	want := "IF OBJECT_ID(N'brands', N'U') IS NULL BEGIN CREATE TABLE brands (\n" +
		"    brands_id INT IDENTITY(1,1) PRIMARY KEY,\n" +
		"    topbrand BIT NULL\n" +
		"); END;"
	if got != want {
		t.Fatalf("rewriteDDL got=%q, want %q", got, want)
	}
}

func TestRewriteDDL_TranslatesColumnTypes(t *testing.T) {
	t.Parallel()

	in := "CREATE TABLE missing_users (\n" +
		"    missing_users_id SERIAL PRIMARY KEY,\n" +
		"    user_id VARCHAR(24) UNIQUE,\n" +
		"    occurrence_count INTEGER,\n" +
		"    first_seen TIMESTAMP,\n" +
		"    last_seen TIMESTAMP\n" +
		");"
	got := rewriteDDL(in)

	for _, unwanted := range []string{" TIMESTAMP", " SERIAL", " BOOLEAN", " TEXT"} {
		if strings.Contains(got, unwanted) {
			t.Fatalf("rewriteDDL left untranslated %q in %q", unwanted, got)
		}
	}
	if !strings.Contains(got, "first_seen DATETIME2") || !strings.Contains(got, "last_seen DATETIME2") {
		t.Fatalf("timestamps not rewritten to DATETIME2: %q", got)
	}
}

func TestRewriteDDL_WrapsIndexesInSysIndexesGuard(t *testing.T) {
	t.Parallel()

	in := "CREATE INDEX idx_missing_brands_brandcode ON missing_brands(brandcode);"
	got := rewriteDDL(in)

	want := "IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_missing_brands_brandcode'" +
		" AND object_id = OBJECT_ID(N'missing_brands'))" +
		" BEGIN CREATE INDEX idx_missing_brands_brandcode ON missing_brands(brandcode); END;"
	if got != want {
		t.Fatalf("rewriteDDL got=%q, want %q", got, want)
	}
}

func TestBuildInsertSQL_UsesOrdinalParameters(t *testing.T) {
	t.Parallel()

	got := buildInsertSQL("receipts", []string{"_id", "userid"})
	want := "INSERT INTO [receipts] ([_id], [userid]) VALUES (@p1, @p2)"
	if got != want {
		t.Fatalf("buildInsertSQL got=%q, want %q", got, want)
	}
}

func TestBuildInsertOutputSQL_SurfacesIdentityValue(t *testing.T) {
	t.Parallel()

	got := buildInsertOutputSQL("receipts", "receipts_id", []string{"_id"})
	want := "INSERT INTO [receipts] ([_id]) OUTPUT INSERTED.[receipts_id] VALUES (@p1)"
	if got != want {
		t.Fatalf("buildInsertOutputSQL got=%q, want %q", got, want)
	}
}

func TestBuildUpsertIgnoreSQL_GuardsWithNotExists(t *testing.T) {
	t.Parallel()

	got := buildUpsertIgnoreSQL("users", []string{"_id", "state"}, "_id")
	want := "INSERT INTO [users] ([_id], [state])" +
		" SELECT v.[_id], v.[state] FROM (VALUES (@p1, @p2)) AS v([_id], [state])" +
		" WHERE NOT EXISTS (SELECT 1 FROM [users] t WHERE t.[_id] = v.[_id])"
	if got != want {
		t.Fatalf("buildUpsertIgnoreSQL got=%q, want %q", got, want)
	}
}

func TestBuildLookupUpdateSQL_OrdersParametersExtrasFirst(t *testing.T) {
	t.Parallel()

	got := buildLookupUpdateSQL("categories", "category", []string{"categorycode"})
	want := "UPDATE [categories] SET [categorycode] = @p1 WHERE [category] = @p2"
	if got != want {
		t.Fatalf("buildLookupUpdateSQL got=%q, want %q", got, want)
	}
}

func TestBuildExceptionStatements_MatchLedgerShape(t *testing.T) {
	t.Parallel()

	gotUpdate := buildExceptionUpdateSQL("missing_brands", "brandcode")
	wantUpdate := "UPDATE [missing_brands] SET occurrence_count = occurrence_count + 1," +
		" last_seen = @p1 WHERE [brandcode] = @p2"
	if gotUpdate != wantUpdate {
		t.Fatalf("update got=%q, want %q", gotUpdate, wantUpdate)
	}

	gotInsert := buildExceptionInsertSQL("missing_brands", "brandcode")
	wantInsert := "INSERT INTO [missing_brands] ([brandcode], occurrence_count, first_seen, last_seen)" +
		" VALUES (@p1, 1, @p2, @p3)"
	if gotInsert != wantInsert {
		t.Fatalf("insert got=%q, want %q", gotInsert, wantInsert)
	}
}

func TestBuildTopExceptionsSQL_UsesParameterizedTop(t *testing.T) {
	t.Parallel()

	got := buildTopExceptionsSQL("missing_users", "user_id")
	want := "SELECT TOP (@p1) [user_id], occurrence_count, first_seen, last_seen FROM [missing_users]" +
		" ORDER BY occurrence_count DESC, [user_id] ASC"
	if got != want {
		t.Fatalf("buildTopExceptionsSQL got=%q, want %q", got, want)
	}
}

func TestMssqlIdent_EscapesClosingBracket(t *testing.T) {
	t.Parallel()

	if got, want := mssqlIdent("we]ird"), "[we]]ird]"; got != want {
		t.Fatalf("mssqlIdent got=%q, want %q", got, want)
	}
}

// ---- transactional flow tests over the seam ----

type fakeResult struct {
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

// fakeRow scans a scripted id into the first destination, or fails.
type fakeRow struct {
	id  int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.id
	return nil
}

type execCall struct {
	query string
	args  []any
}

type fakeTx struct {
	rows      []fakeRow // consumed by QueryRowContext in order
	execs     []execCall
	queries   []string
	affected  int64
	committed bool
	rolledBck bool
}

func (f *fakeTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, execCall{query: query, args: args})
	return fakeResult{affected: f.affected}, nil
}

func (f *fakeTx) QueryRowContext(_ context.Context, query string, _ ...any) rowScanner {
	f.queries = append(f.queries, query)
	if len(f.rows) == 0 {
		return fakeRow{err: sql.ErrNoRows}
	}
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func (f *fakeTx) Commit() error   { f.committed = true; return nil }
func (f *fakeTx) Rollback() error { f.rolledBck = true; return nil }

type fakeConn struct {
	tx *fakeTx
}

func (f *fakeConn) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return fakeResult{}, nil
}

func (f *fakeConn) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}

func (f *fakeConn) QueryRowContext(context.Context, string, ...any) rowScanner {
	return fakeRow{err: sql.ErrNoRows}
}

func (f *fakeConn) BeginTx(context.Context, *sql.TxOptions) (txConn, error) {
	return f.tx, nil
}

func (f *fakeConn) Close() error { return nil }

func TestUpsertLookup_InsertsWhenKeyIsMissing(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{rows: []fakeRow{
		{err: sql.ErrNoRows}, // keyed select misses
		{id: 7},              // insert OUTPUT yields the new identity
	}}
	st := &Store{db: &fakeConn{tx: tx}}

	id, err := st.UpsertLookup(context.Background(), "categories", "categories_id", "category",
		"Baking", []string{"categorycode"}, []any{"BAKE"})
	if err != nil {
		t.Fatalf("UpsertLookup: %v", err)
	}
	if id != 7 {
		t.Fatalf("id got=%d, want 7", id)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
	if len(tx.queries) != 2 || !strings.Contains(tx.queries[1], "OUTPUT INSERTED.[categories_id]") {
		t.Fatalf("missing key must take the insert path, queries=%v", tx.queries)
	}
	if len(tx.execs) != 0 {
		t.Fatalf("no update should run for a fresh key, got %v", tx.execs)
	}
}

func TestUpsertLookup_RefreshesCompanionsWhenKeyExists(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{rows: []fakeRow{{id: 3}}}
	st := &Store{db: &fakeConn{tx: tx}}

	id, err := st.UpsertLookup(context.Background(), "categories", "categories_id", "category",
		"Baking", []string{"categorycode"}, []any{"BAKE"})
	if err != nil {
		t.Fatalf("UpsertLookup: %v", err)
	}
	if id != 3 {
		t.Fatalf("id got=%d, want 3", id)
	}
	if len(tx.execs) != 1 || !strings.HasPrefix(tx.execs[0].query, "UPDATE [categories]") {
		t.Fatalf("existing key must take the update path, execs=%v", tx.execs)
	}
	if want := []any{"BAKE", "Baking"}; !reflect.DeepEqual(tx.execs[0].args, want) {
		t.Fatalf("update args got=%v, want %v", tx.execs[0].args, want)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
}

func TestUpsertLookup_KeyOnlySkipsUpdate(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{rows: []fakeRow{{id: 3}}}
	st := &Store{db: &fakeConn{tx: tx}}

	id, err := st.UpsertLookup(context.Background(), "categories", "categories_id", "category",
		"Baking", nil, nil)
	if err != nil {
		t.Fatalf("UpsertLookup: %v", err)
	}
	if id != 3 {
		t.Fatalf("id got=%d, want 3", id)
	}
	if len(tx.execs) != 0 {
		t.Fatalf("key-only lookup must not issue an update, got %v", tx.execs)
	}
}

func TestRecordException_IncrementsExistingTally(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{affected: 1}
	st := &Store{db: &fakeConn{tx: tx}}

	at := time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)
	if err := st.RecordException(context.Background(), "missing_brands", "brandcode", "BRAND007", at); err != nil {
		t.Fatalf("RecordException: %v", err)
	}
	if len(tx.execs) != 1 || !strings.HasPrefix(tx.execs[0].query, "UPDATE [missing_brands]") {
		t.Fatalf("existing tally must take the update path, execs=%v", tx.execs)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
}

func TestRecordException_OpensTallyOnFirstSighting(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{affected: 0}
	st := &Store{db: &fakeConn{tx: tx}}

	at := time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)
	if err := st.RecordException(context.Background(), "missing_brands", "brandcode", "BRAND007", at); err != nil {
		t.Fatalf("RecordException: %v", err)
	}
	if len(tx.execs) != 2 {
		t.Fatalf("first sighting needs update then insert, execs=%v", tx.execs)
	}
	if !strings.HasPrefix(tx.execs[1].query, "INSERT INTO [missing_brands]") {
		t.Fatalf("second statement must open the tally, got %q", tx.execs[1].query)
	}
	if want := []any{"BRAND007", at, at}; !reflect.DeepEqual(tx.execs[1].args, want) {
		t.Fatalf("insert args got=%v, want %v", tx.execs[1].args, want)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
}
