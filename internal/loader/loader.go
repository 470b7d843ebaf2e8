// Package loader persists analyzed document populations into a storage
// backend and keeps the referential-integrity ledger while doing it.
//
// A run has three phases: generated table definitions are executed (backends
// make them idempotent), unique indexes are ensured for every upsert key,
// then collections load parents before children. Records flatten exactly the
// way the analyzer walked them: the same name cleaning, the same rule table,
// the same wrapper unwrapping, so a column inferred at analysis time is the
// column written at load time.
//
// Failure isolation: one bad record is logged and counted, and the batch
// continues. Only store setup (DDL, indexes) aborts a run.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"dwetl/internal/document"
	"dwetl/internal/metrics"
	"dwetl/internal/schema"
	"dwetl/internal/storage"
)

// Logger is the minimal logging interface used by the loader.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ProgressFn receives per-record progress while a collection loads: done of
// total top-level records attempted so far.
type ProgressFn func(table string, done, total int)

// Collection is one named document population, usually one input file. The
// cleaned name becomes the target table.
type Collection struct {
	Name string
	Docs []document.Document
}

// Loader drives the load phase against a Store.
//
// Rules must be the same rule set the analyzer applied; nil selects
// DefaultRules. Now is a seam for deterministic ledger timestamps in tests;
// nil selects time.Now.
type Loader struct {
	Store storage.Store
	Rules *schema.Rules

	Logger   Logger
	Progress ProgressFn

	Now func() time.Time
}

// Run executes ddl, ensures the upsert indexes, then loads every collection
// in dependency order: lookup tables first, then plain tables, then tables
// holding hard-wired references, alphabetical within a rank.
//
// The returned Summary covers per-table record counts and the ledger state.
// Record-level failures never surface as an error; setup failures do.
func (l *Loader) Run(ctx context.Context, model *schema.Model, ddl []string, collections []Collection) (*Summary, error) {
	if l.Store == nil {
		return nil, fmt.Errorf("loader: Store is required")
	}
	if model == nil {
		return nil, fmt.Errorf("loader: model is required")
	}

	rules := l.Rules
	if rules == nil {
		rules = schema.DefaultRules()
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}

	r := &run{
		store:    l.Store,
		rules:    rules,
		model:    model,
		logf:     l.logger(),
		progress: l.Progress,
		now:      now,
		inserted: make(map[string]int64),
		failed:   make(map[string]int64),
		recorded: make(map[string]int64),
	}

	ddlStart := time.Now()
	if err := r.store.ExecDDL(ctx, ddl); err != nil {
		metrics.ObserveStage("ddl", "failed", time.Since(ddlStart).Seconds())
		return nil, fmt.Errorf("loader: exec ddl: %w", err)
	}
	r.logf("stage=ddl ok duration=%s", durMS(ddlStart))
	metrics.ObserveStage("ddl", "ok", time.Since(ddlStart).Seconds())

	idxStart := time.Now()
	if err := r.ensureIndexes(ctx); err != nil {
		metrics.ObserveStage("indexes", "failed", time.Since(idxStart).Seconds())
		return nil, err
	}
	r.logf("stage=indexes ok duration=%s", durMS(idxStart))
	metrics.ObserveStage("indexes", "ok", time.Since(idxStart).Seconds())

	for _, c := range sortCollections(rules, collections) {
		r.loadCollection(ctx, c)
	}

	return r.summarize(ctx)
}

func (l *Loader) logger() func(format string, v ...any) {
	if l.Logger == nil {
		d := log.New(discardWriter{}, "", 0)
		return d.Printf
	}
	return l.Logger.Printf
}

// run is the per-invocation state: resolved seams plus the counters the
// Summary is built from.
type run struct {
	store    storage.Store
	rules    *schema.Rules
	model    *schema.Model
	logf     func(format string, v ...any)
	progress ProgressFn
	now      func() time.Time

	inserted map[string]int64
	failed   map[string]int64
	recorded map[string]int64 // ledger sightings this run, by exception table
}

// ensureIndexes creates the unique index behind every upsert conflict
// target, in table order.
func (r *run) ensureIndexes(ctx context.Context) error {
	keys := r.rules.UpsertKeys()
	tables := make([]string, 0, len(keys))
	for t := range keys {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, t := range tables {
		if _, ok := r.model.Lookup(t); !ok {
			// Not every run sees every rule table; index only what exists.
			continue
		}
		if err := r.store.EnsureUniqueIndex(ctx, t, keys[t]); err != nil {
			return fmt.Errorf("loader: unique index %s(%s): %w", t, keys[t], err)
		}
	}
	return nil
}

func (r *run) loadCollection(ctx context.Context, c Collection) {
	table := schema.CleanName(c.Name)
	start := time.Now()

	for i, doc := range c.Docs {
		r.loadOne(ctx, table, doc, "", nil)
		if r.progress != nil {
			r.progress(table, i+1, len(c.Docs))
		}
	}

	status := "ok"
	if r.failed[table] > 0 {
		status = "failed"
	}
	r.logf("stage=load table=%s inserted=%d failed=%d duration=%s",
		table, r.inserted[table], r.failed[table], durMS(start))
	metrics.ObserveStage("load", status, time.Since(start).Seconds())
}

// loadOne attempts a single record and settles its outcome: success and
// failure are both counted, a failure is logged, and neither stops the batch.
func (r *run) loadOne(ctx context.Context, table string, rec map[string]any, fkColumn string, fkValue any) {
	if err := r.loadRecord(ctx, table, rec, fkColumn, fkValue); err != nil {
		r.failed[table]++
		metrics.RecordLoad(table, metrics.StatusFailed, 1)
		r.logf("record table=%s status=failed err=%v", table, err)
		return
	}
	r.inserted[table]++
	metrics.RecordLoad(table, metrics.StatusLoaded, 1)
}

// loadRecord persists one record and everything hanging off it: the row
// itself, rows for nested plain mappings, and one row per child-list element
// carrying the joining column back to this record.
func (r *run) loadRecord(ctx context.Context, table string, rec map[string]any, fkColumn string, fkValue any) error {
	t, ok := r.model.Lookup(table)
	if !ok {
		return fmt.Errorf("table %q not in model", table)
	}

	row, err := r.buildRow(ctx, t, rec)
	if err != nil {
		return err
	}
	if fkColumn != "" {
		row.add(fkColumn, fkValue)
	}

	var parentID int64
	switch {
	case len(row.columns) == 0:
		if len(row.children) > 0 {
			return fmt.Errorf("table %q: record has child rows but no columns", table)
		}
	case len(row.children) > 0:
		// Children need the surrogate key of this row.
		id, err := r.store.InsertReturningID(ctx, table, schema.SurrogateKey(table), row.columns, row.values)
		if err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		parentID = id
	default:
		if key, ok := r.rules.NaturalKey(table); ok {
			if err := r.store.UpsertIgnore(ctx, table, row.columns, row.values, key); err != nil {
				return fmt.Errorf("upsert %s: %w", table, err)
			}
		} else if err := r.store.Insert(ctx, table, row.columns, row.values); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}

	for _, n := range row.nested {
		r.loadOne(ctx, n.table, n.doc, "", nil)
	}

	fk := schema.ChildFKColumn(table)
	for _, cl := range row.children {
		for _, doc := range cl.docs {
			r.loadOne(ctx, cl.table, doc, fk, parentID)
		}
	}
	return nil
}

// builtRow is one record flattened for insertion, plus the structures that
// become rows of their own.
type builtRow struct {
	columns []string
	values  []any

	children []childList
	nested   []nestedRecord
}

func (b *builtRow) add(column string, v any) {
	b.columns = append(b.columns, column)
	b.values = append(b.values, v)
}

type childList struct {
	table string
	docs  []map[string]any
}

type nestedRecord struct {
	table string
	doc   map[string]any
}

// buildRow flattens rec against the rule table, mirroring the analyzer's
// walk. It performs the load-time store round trips the rules call for:
// lookup upserts and reference existence checks.
func (r *run) buildRow(ctx context.Context, t *schema.Table, rec map[string]any) (*builtRow, error) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Cleaned view of the record; sorted source order keeps a cleaned-name
	// collision deterministic (the later source key wins).
	cleaned := make(map[string]any, len(rec))
	names := make([]string, 0, len(rec))
	for _, k := range keys {
		name := schema.CleanName(k)
		if _, dup := cleaned[name]; !dup {
			names = append(names, name)
		}
		cleaned[name] = rec[k]
	}

	row := &builtRow{}
	for _, name := range names {
		v := cleaned[name]

		if r.rules.Dropped(name) {
			continue
		}
		if lr, ok := r.rules.LookupFor(t.Name, name); ok {
			id, err := r.resolveLookup(ctx, lr, v, cleaned)
			if err != nil {
				return nil, err
			}
			row.add(lr.ParentFKColumn, id)
			continue
		}
		if _, ok := r.rules.AbsorbedBy(t.Name, name); ok {
			// Companion value travels with the lookup upsert instead.
			continue
		}
		if fr, ok := r.rules.FieldFor(t.Name, name); ok {
			val, err := r.resolveReference(ctx, fr, v)
			if err != nil {
				return nil, err
			}
			row.add(fr.Column, val)
			continue
		}

		switch val := v.(type) {
		case map[string]any:
			if document.IsWrapper(val) {
				addKnown(t, row, name, document.UnwrapValue(val))
				continue
			}
			row.nested = append(row.nested, nestedRecord{table: name, doc: val})
		case []any:
			if docs := recordElements(val); docs != nil {
				row.children = append(row.children, childList{table: name, docs: docs})
				continue
			}
			addKnown(t, row, name, jsonString(val))
		default:
			addKnown(t, row, name, convertValue(v))
		}
	}
	return row, nil
}

// resolveLookup upserts the lookup row for a rule field and returns the
// surrogate key the parent stores, or nil when the key is absent.
func (r *run) resolveLookup(ctx context.Context, lr *schema.LookupRule, v any, cleaned map[string]any) (any, error) {
	key := document.UnwrapValue(v)
	if isEmptyRef(key) {
		return nil, nil
	}

	// Companion columns are NOT NULL in the lookup's fixed shape; an absent
	// companion stores as the empty string.
	extras := make([]any, len(lr.ExtraColumns))
	for i, col := range lr.ExtraColumns {
		val := document.UnwrapValue(cleaned[col])
		if isEmptyRef(val) {
			extras[i] = ""
			continue
		}
		extras[i] = convertValue(val)
	}

	id, err := r.store.UpsertLookup(ctx, lr.LookupTable, lr.LookupIDColumn, lr.KeyColumn, convertValue(key), lr.ExtraColumns, extras)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", lr.LookupTable, err)
	}
	return id, nil
}

// resolveReference settles a hard-wired reference: present and resolvable
// stores the value, dangling records a ledger sighting and stores NULL,
// absent stores NULL without touching the ledger.
func (r *run) resolveReference(ctx context.Context, fr *schema.FieldRule, v any) (any, error) {
	val := document.UnwrapValue(v)
	if isEmptyRef(val) {
		return nil, nil
	}
	bound := convertValue(val)

	ok, err := r.store.Exists(ctx, fr.ParentTable, fr.ParentColumn, bound)
	if err != nil {
		return nil, fmt.Errorf("check %s.%s: %w", fr.ParentTable, fr.ParentColumn, err)
	}
	if ok {
		return bound, nil
	}

	if err := r.store.RecordException(ctx, fr.ExceptionTable, fr.ExceptionColumn, bound, r.now()); err != nil {
		return nil, fmt.Errorf("record %s: %w", fr.ExceptionTable, err)
	}
	r.recorded[fr.ExceptionTable]++
	metrics.RecordException(fr.ExceptionTable)
	return nil, nil
}

// sortCollections orders collections for loading: by rank, then name.
func sortCollections(rules *schema.Rules, collections []Collection) []Collection {
	out := append([]Collection(nil), collections...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := schema.CleanName(out[i].Name), schema.CleanName(out[j].Name)
		ri, rj := loadRank(rules, ti), loadRank(rules, tj)
		if ri != rj {
			return ri < rj
		}
		return ti < tj
	})
	return out
}

// loadRank orders parents before children: lookup tables first, tables that
// hold hard-wired references to other tables last.
func loadRank(rules *schema.Rules, table string) int {
	if rules.IsLookupTable(table) {
		return 0
	}
	if len(rules.FieldRulesFor(table)) > 0 {
		return 2
	}
	return 1
}

// addKnown appends a column only when analysis produced it. Child-list
// sampling means late list elements can carry fields the model never saw;
// values with no inferred column are dropped.
func addKnown(t *schema.Table, row *builtRow, name string, v any) {
	if _, ok := t.LookupColumn(name); !ok {
		return
	}
	row.add(name, v)
}

// recordElements returns the record-shaped elements of a list, or nil when
// the list holds no records at all. Analysis samples only the first element;
// loading persists every record element.
func recordElements(list []any) []map[string]any {
	var docs []map[string]any
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			docs = append(docs, m)
		}
	}
	return docs
}

// convertValue maps decoded values onto driver-bindable types. json.Number
// becomes int64 or float64; a residual list stores as its JSON text.
func convertValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		return jsonString(val)
	default:
		return v
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// isEmptyRef reports whether a reference value counts as absent rather than
// dangling: nil or the empty string.
func isEmptyRef(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }
