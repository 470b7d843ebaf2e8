package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dwetl/internal/document"
	"dwetl/internal/schema"
	"dwetl/internal/storage"

	_ "dwetl/internal/storage/sqlite"
)

// setupTestStore opens a file-backed sqlite store through the driver
// registry, the same way a run wired from config would.
func setupTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "loader_test.db")
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

// analyzeAll runs the analyzer over every collection and renders DDL, the
// way the ingest path prepares a load.
func analyzeAll(collections []Collection) (*schema.Model, []string) {
	a := schema.NewAnalyzer(nil)
	for _, c := range collections {
		a.AnalyzeCollection(c.Name, c.Docs)
	}
	g := &schema.Generator{}
	return a.Model(), g.Generate(a.Model())
}

func runLoader(t *testing.T, l *Loader, collections []Collection) *Summary {
	t.Helper()
	model, ddl := analyzeAll(collections)
	sum, err := l.Run(context.Background(), model, ddl, collections)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return sum
}

func oid(s string) map[string]any { return map[string]any{"$oid": s} }

func msdate(at time.Time) map[string]any {
	return map[string]any{"$date": json.Number(strconv.FormatInt(at.UnixMilli(), 10))}
}

// captureLogger records loader output for assertions.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, v ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func (c *captureLogger) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

// stepClock hands out strictly increasing timestamps, one per call.
type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	cur := c.t
	c.t = c.t.Add(c.step)
	return cur
}

func tableCount(t *testing.T, sum *Summary, table string) TableCount {
	t.Helper()
	for _, tc := range sum.Tables {
		if tc.Table == table {
			return tc
		}
	}
	t.Fatalf("summary has no table %q: %+v", table, sum.Tables)
	return TableCount{}
}

func ledger(t *testing.T, sum *Summary, table string) LedgerSummary {
	t.Helper()
	for _, l := range sum.Ledgers {
		if l.Table == table {
			return l
		}
	}
	t.Fatalf("summary has no ledger %q", table)
	return LedgerSummary{}
}

// TestRun_OrdersParentsBeforeChildren hands collections over child-first and
// expects the loader to reorder them: if receipts loaded before users, the
// reference check would miss and the ledger would fill up.
func TestRun_OrdersParentsBeforeChildren(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	lg := &captureLogger{}

	userID := "5ff1e194b6a9d73a3a9f1052"
	collections := []Collection{
		{Name: "receipts", Docs: []document.Document{
			{"_id": oid("603cc0630a720fde100003e6"), "userId": userID, "totalSpent": "26.00"},
		}},
		{Name: "users", Docs: []document.Document{
			{"_id": oid(userID), "state": "WI", "active": true},
		}},
	}

	l := &Loader{Store: st, Logger: lg}
	sum := runLoader(t, l, collections)

	if got := ledger(t, sum, "missing_users"); got.Recorded != 0 || got.DistinctKeys != 0 {
		t.Fatalf("missing_users recorded=%d distinct=%d, want 0/0", got.Recorded, got.DistinctKeys)
	}
	if got := tableCount(t, sum, "receipts"); got.Inserted != 1 || got.Failed != 0 {
		t.Fatalf("receipts count=%+v, want 1 inserted", got)
	}
	if got := tableCount(t, sum, "users"); got.Inserted != 1 {
		t.Fatalf("users count=%+v, want 1 inserted", got)
	}

	out := lg.joined()
	for _, want := range []string{"stage=ddl ok", "stage=indexes ok", "stage=load table=users", "stage=load table=receipts"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
	// users must appear before receipts in the log.
	if strings.Index(out, "table=users") > strings.Index(out, "table=receipts") {
		t.Fatalf("users loaded after receipts:\n%s", out)
	}
}

// TestRun_RecordsDanglingUserReferences checks the ledger contract: every
// sighting counts, first_seen keeps the first sighting, last_seen the last,
// and a dangling reference never fails the record that carried it.
func TestRun_RecordsDanglingUserReferences(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)

	t0 := time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)
	clk := &stepClock{t: t0, step: time.Hour}

	known := "cccccccccccccccccccccccc"
	ghostA := "aaaaaaaaaaaaaaaaaaaaaaaa"
	ghostB := "bbbbbbbbbbbbbbbbbbbbbbbb"

	collections := []Collection{
		{Name: "users", Docs: []document.Document{
			{"_id": oid(known), "state": "WI"},
		}},
		{Name: "receipts", Docs: []document.Document{
			{"_id": oid("603cc0630a720fde10000001"), "userId": ghostA},
			{"_id": oid("603cc0630a720fde10000002"), "userId": known},
			{"_id": oid("603cc0630a720fde10000003"), "userId": ghostB},
			{"_id": oid("603cc0630a720fde10000004"), "userId": ghostA},
		}},
	}

	l := &Loader{Store: st, Now: clk.Now}
	sum := runLoader(t, l, collections)

	if got := tableCount(t, sum, "receipts"); got.Inserted != 4 || got.Failed != 0 {
		t.Fatalf("receipts count=%+v, want 4 inserted, 0 failed", got)
	}

	led := ledger(t, sum, "missing_users")
	if led.Recorded != 3 {
		t.Fatalf("recorded sightings=%d, want 3", led.Recorded)
	}
	if led.DistinctKeys != 2 {
		t.Fatalf("distinct keys=%d, want 2", led.DistinctKeys)
	}

	if len(led.Top) != 2 {
		t.Fatalf("top offenders=%d, want 2: %+v", len(led.Top), led.Top)
	}
	lead := led.Top[0]
	if lead.Key != ghostA || lead.Occurrences != 2 {
		t.Fatalf("lead offender=%+v, want %s with 2 sightings", lead, ghostA)
	}
	if !lead.FirstSeen.Equal(t0) {
		t.Fatalf("first_seen=%v, want %v", lead.FirstSeen, t0)
	}
	if !lead.LastSeen.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("last_seen=%v, want %v", lead.LastSeen, t0.Add(2*time.Hour))
	}
	if led.Top[1].Key != ghostB || led.Top[1].Occurrences != 1 {
		t.Fatalf("second offender=%+v, want %s with 1 sighting", led.Top[1], ghostB)
	}
}

// TestRun_UpsertsLookupRowsOnce loads brands sharing a category and expects
// exactly one lookup row per distinct key, companions refreshed by the
// latest sighting that carried one.
func TestRun_UpsertsLookupRowsOnce(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	ctx := context.Background()

	collections := []Collection{
		{Name: "brands", Docs: []document.Document{
			{"_id": oid("601ac115be37ce2ead437551"), "brandCode": "STARBUCKS", "name": "Starbucks", "category": "SNACKS",
				"cpg": map[string]any{"$id": oid("601ac114be37ce2ead437550"), "$ref": "Cogs"}},
			{"_id": oid("601ac115be37ce2ead437552"), "brandCode": "OREO", "name": "Oreo", "category": "SNACKS", "categoryCode": "SNACKS_CODE"},
			{"_id": oid("601ac115be37ce2ead437553"), "brandCode": "KING_ARTHUR", "name": "King Arthur", "category": "BAKING", "categoryCode": "BAKING_CODE"},
		}},
	}

	l := &Loader{Store: st}
	sum := runLoader(t, l, collections)

	if got := tableCount(t, sum, "brands"); got.Inserted != 3 {
		t.Fatalf("brands count=%+v, want 3 inserted", got)
	}

	n, err := st.CountRows(ctx, "categories")
	if err != nil {
		t.Fatalf("count categories: %v", err)
	}
	if n != 2 {
		t.Fatalf("categories rows=%d, want 2", n)
	}

	for _, cat := range []string{"SNACKS", "BAKING"} {
		ok, err := st.Exists(ctx, "categories", "category", cat)
		if err != nil {
			t.Fatalf("exists %s: %v", cat, err)
		}
		if !ok {
			t.Fatalf("category %q missing from lookup table", cat)
		}
	}

	// The second SNACKS sighting carried the code; the refresh keeps it.
	ok, err := st.Exists(ctx, "categories", "categorycode", "SNACKS_CODE")
	if err != nil {
		t.Fatalf("exists categorycode: %v", err)
	}
	if !ok {
		t.Fatalf("companion categorycode not refreshed to SNACKS_CODE")
	}
}

// TestRun_LoadsEveryChildItemAndTracksDanglingBrands covers the child-list
// path: analysis samples only the first element, loading persists them all,
// and item-level brand references hit the ledger per sighting.
func TestRun_LoadsEveryChildItemAndTracksDanglingBrands(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	ctx := context.Background()

	purchased := time.Date(2021, 1, 3, 15, 4, 5, 0, time.UTC)
	collections := []Collection{
		{Name: "brands", Docs: []document.Document{
			{"_id": oid("601ac115be37ce2ead437551"), "brandCode": "KNORR", "name": "Knorr"},
		}},
		{Name: "receipts", Docs: []document.Document{
			{
				"_id":          oid("603cc0630a720fde10000001"),
				"purchaseDate": msdate(purchased),
				"rewardsReceiptItemList": []any{
					map[string]any{"barcode": "4011", "brandCode": "KNORR", "finalPrice": "26.00", "quantityPurchased": json.Number("5")},
					map[string]any{"barcode": "4012", "brandCode": "MYSTERY"},
					map[string]any{"barcode": "4013"},
				},
			},
			{
				"_id": oid("603cc0630a720fde10000002"),
				"rewardsReceiptItemList": []any{
					map[string]any{"barcode": "4014", "brandCode": "MYSTERY"},
				},
			},
		}},
	}

	l := &Loader{Store: st}
	sum := runLoader(t, l, collections)

	if got := tableCount(t, sum, "receipts"); got.Inserted != 2 || got.Failed != 0 {
		t.Fatalf("receipts count=%+v, want 2 inserted", got)
	}
	if got := tableCount(t, sum, "rewardsreceiptitemlist"); got.Inserted != 4 || got.Failed != 0 {
		t.Fatalf("item count=%+v, want 4 inserted", got)
	}

	rows, err := st.CountRows(ctx, "rewardsreceiptitemlist")
	if err != nil {
		t.Fatalf("count items: %v", err)
	}
	if rows != 4 {
		t.Fatalf("item rows=%d, want 4 (every list element, not the sampled first)", rows)
	}

	led := ledger(t, sum, "missing_brands")
	if led.Recorded != 2 || led.DistinctKeys != 1 {
		t.Fatalf("missing_brands recorded=%d distinct=%d, want 2/1", led.Recorded, led.DistinctKeys)
	}
	if len(led.Top) != 1 || led.Top[0].Key != "MYSTERY" || led.Top[0].Occurrences != 2 {
		t.Fatalf("offenders=%+v, want MYSTERY with 2 sightings", led.Top)
	}
}

// TestRun_NaturalKeyDuplicatesCollapse feeds the same user twice; the
// duplicate is processed without error but only one row lands.
func TestRun_NaturalKeyDuplicatesCollapse(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	ctx := context.Background()

	id := "5ff1e194b6a9d73a3a9f1052"
	collections := []Collection{
		{Name: "users", Docs: []document.Document{
			{"_id": oid(id), "state": "WI"},
			{"_id": oid(id), "state": "AL"},
		}},
	}

	l := &Loader{Store: st}
	sum := runLoader(t, l, collections)

	if got := tableCount(t, sum, "users"); got.Inserted != 2 || got.Failed != 0 {
		t.Fatalf("users count=%+v, want both records processed", got)
	}
	rows, err := st.CountRows(ctx, "users")
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if rows != 1 {
		t.Fatalf("users rows=%d, want 1 after duplicate collapse", rows)
	}
}

// TestRun_RecordFailureKeepsBatchMoving analyzes one population, then loads
// a different one containing a record that violates the inferred shape. The
// bad record is counted and logged; its siblings still land.
func TestRun_RecordFailureKeepsBatchMoving(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)
	ctx := context.Background()
	lg := &captureLogger{}

	analyzed := []Collection{
		{Name: "events", Docs: []document.Document{
			{"kind": "click", "count": json.Number("1")},
			{"kind": "view", "count": json.Number("2")},
		}},
	}
	model, ddl := analyzeAll(analyzed)

	loadDocs := []Collection{
		{Name: "events", Docs: []document.Document{
			{"kind": "click", "count": json.Number("1")},
			{"count": json.Number("9")}, // missing kind violates NOT NULL
			{"kind": "view", "count": json.Number("3")},
		}},
	}

	l := &Loader{Store: st, Logger: lg}
	sum, err := l.Run(ctx, model, ddl, loadDocs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tableCount(t, sum, "events"); got.Inserted != 2 || got.Failed != 1 {
		t.Fatalf("events count=%+v, want 2 inserted, 1 failed", got)
	}
	if sum.TotalFailed() != 1 {
		t.Fatalf("TotalFailed=%d, want 1", sum.TotalFailed())
	}
	rows, err := st.CountRows(ctx, "events")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if rows != 2 {
		t.Fatalf("events rows=%d, want 2", rows)
	}
	if !strings.Contains(lg.joined(), "record table=events status=failed") {
		t.Fatalf("failure not logged:\n%s", lg.joined())
	}
}

// TestRun_EmptyReferencesBypassLedger: an absent or empty reference stores
// NULL without a ledger sighting; only dangling values are exceptions.
func TestRun_EmptyReferencesBypassLedger(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)

	collections := []Collection{
		{Name: "receipts", Docs: []document.Document{
			{"_id": oid("603cc0630a720fde10000001"), "userId": ""},
			{"_id": oid("603cc0630a720fde10000002")},
		}},
	}

	l := &Loader{Store: st}
	sum := runLoader(t, l, collections)

	if got := tableCount(t, sum, "receipts"); got.Inserted != 2 || got.Failed != 0 {
		t.Fatalf("receipts count=%+v, want 2 inserted", got)
	}
	led := ledger(t, sum, "missing_users")
	if led.Recorded != 0 || led.DistinctKeys != 0 {
		t.Fatalf("missing_users recorded=%d distinct=%d, want 0/0", led.Recorded, led.DistinctKeys)
	}
}

// TestRun_ProgressReportsEveryRecord wires the progress callback and expects
// one call per top-level record with a running done count.
func TestRun_ProgressReportsEveryRecord(t *testing.T) {
	t.Parallel()
	st := setupTestStore(t)

	type tick struct {
		table       string
		done, total int
	}
	var ticks []tick

	collections := []Collection{
		{Name: "users", Docs: []document.Document{
			{"_id": oid("5ff1e194b6a9d73a3a9f1001"), "state": "WI"},
			{"_id": oid("5ff1e194b6a9d73a3a9f1002"), "state": "AL"},
			{"_id": oid("5ff1e194b6a9d73a3a9f1003"), "state": "CO"},
		}},
	}

	l := &Loader{
		Store: st,
		Progress: func(table string, done, total int) {
			ticks = append(ticks, tick{table, done, total})
		},
	}
	runLoader(t, l, collections)

	want := []tick{{"users", 1, 3}, {"users", 2, 3}, {"users", 3, 3}}
	if len(ticks) != len(want) {
		t.Fatalf("ticks=%+v, want %+v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick[%d]=%+v, want %+v", i, ticks[i], want[i])
		}
	}
}

// TestSortCollections_RanksLookupsParentsChildren pins the dependency order
// for the default rule set: lookups, then plain tables alphabetically, then
// reference-holding tables.
func TestSortCollections_RanksLookupsParentsChildren(t *testing.T) {
	t.Parallel()

	in := []Collection{
		{Name: "receipts"},
		{Name: "users"},
		{Name: "categories"},
		{Name: "brands"},
	}
	got := sortCollections(schema.DefaultRules(), in)

	want := []string{"categories", "brands", "users", "receipts"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("order[%d]=%q, want %q (full: %+v)", i, got[i].Name, name, got)
		}
	}
}

func TestConvertValue_BindsDriverFriendlyTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{name: "integer_number", in: json.Number("42"), want: int64(42)},
		{name: "decimal_number", in: json.Number("26.5"), want: 26.5},
		{name: "string_passthrough", in: "KNORR", want: "KNORR"},
		{name: "bool_passthrough", in: true, want: true},
		{name: "scalar_list_becomes_json", in: []any{json.Number("1"), "a"}, want: `[1,"a"]`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := convertValue(tc.in); got != tc.want {
				t.Fatalf("convertValue(%v)=%v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
			}
		})
	}
}
