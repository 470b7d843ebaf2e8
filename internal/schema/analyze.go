package schema

import (
	"sort"

	"dwetl/internal/document"
)

// Analyzer accumulates a Model from document populations. Analysis is pure
// and synchronous: no I/O, no shared state outside the model, document keys
// visited in sorted order so repeated runs over the same population produce
// identical type sets and relationship sets.
type Analyzer struct {
	rules *Rules
	model *Model
}

// NewAnalyzer returns an analyzer over an empty model. A nil rules argument
// selects DefaultRules.
func NewAnalyzer(rules *Rules) *Analyzer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Analyzer{rules: rules, model: NewModel()}
}

// Model returns the model accumulated so far.
func (a *Analyzer) Model() *Model { return a.model }

// Rules returns the rule set the analyzer applies.
func (a *Analyzer) Rules() *Rules { return a.rules }

// AnalyzeCollection merges every document of a named collection into the
// model. The cleaned collection name (usually the source file stem) becomes
// the table name.
func (a *Analyzer) AnalyzeCollection(name string, docs []document.Document) {
	table := CleanName(name)
	for _, d := range docs {
		a.analyzeRecord(table, d)
	}
}

// AnalyzeDocument merges a single document into the named table.
func (a *Analyzer) AnalyzeDocument(table string, doc document.Document) {
	a.analyzeRecord(CleanName(table), doc)
}

// analyzeRecord walks one record into the named table, then settles
// presence: a known column this record did not contribute becomes nullable,
// as does a column first seen after earlier records omitted it.
func (a *Analyzer) analyzeRecord(tableName string, rec map[string]any) {
	t := a.model.Table(tableName)
	contributed := make(map[string]bool)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		a.analyzeField(t, CleanName(k), rec[k], contributed)
	}

	a.settlePresence(t, contributed)
	t.docs++
}

func (a *Analyzer) analyzeField(t *Table, name string, v any, contributed map[string]bool) {
	if a.rules.Dropped(name) {
		return
	}
	if lr, ok := a.rules.LookupFor(t.Name, name); ok {
		a.applyLookupRule(t, lr)
		return
	}
	if lr, ok := a.rules.AbsorbedBy(t.Name, name); ok {
		// Companion field lives on the lookup table, not the parent.
		a.ensureLookupTable(lr)
		return
	}
	if fr, ok := a.rules.FieldFor(t.Name, name); ok {
		a.applyFieldRule(t, fr, contributed)
		return
	}

	switch val := v.(type) {
	case map[string]any:
		if document.IsWrapper(val) {
			a.noteColumn(t, name, ClassifyValue(name, val), contributed)
			return
		}
		// A nested plain mapping becomes its own table named after the
		// field, not a column on the parent.
		a.analyzeRecord(name, val)
	case []any:
		if first, ok := firstRecord(val); ok {
			a.noteChildList(t, name, first)
			return
		}
		a.noteColumn(t, name, TypeArray, contributed)
	default:
		a.noteColumn(t, name, ClassifyValue(name, val), contributed)
	}
}

// noteChildList handles a list-of-records field: the field becomes a child
// table carrying a synthesized joining column back to the parent, and only
// the first element is walked as a structural sample. Columns present only
// in later elements are never observed; that is the accepted trade-off of
// sampling, kept intentionally.
func (a *Analyzer) noteChildList(parent *Table, name string, first map[string]any) {
	child := a.model.Table(name)
	fk := ChildFKColumn(parent.Name)
	a.ensureSyntheticColumn(child, fk)
	parent.AddRelationship(Relationship{
		Kind:      RelOneToMany,
		FromTable: parent.Name,
		ToTable:   name,
		ToColumn:  fk,
	})
	a.analyzeRecord(name, first)
}

func (a *Analyzer) applyLookupRule(t *Table, lr *LookupRule) {
	a.ensureLookupTable(lr)
	a.ensureSyntheticColumn(t, lr.ParentFKColumn)
	t.AddRelationship(Relationship{
		Kind:       RelForeignKey,
		FromTable:  t.Name,
		FromColumn: lr.ParentFKColumn,
		ToTable:    lr.LookupTable,
		ToColumn:   lr.RelTargetName,
	})
}

// ensureLookupTable creates (or merges) the fixed-shape lookup table a rule
// spawns: natural key plus companion columns, all short text, and a
// one-to-many descriptor pointing back at the parent.
func (a *Analyzer) ensureLookupTable(lr *LookupRule) *Table {
	lt := a.model.Table(lr.LookupTable)
	lt.fixedShape = true
	lt.Column(lr.KeyColumn).AddType(TypeVarchar)
	for _, extra := range lr.ExtraColumns {
		lt.Column(extra).AddType(TypeVarchar)
	}
	lt.AddRelationship(Relationship{
		Kind:      RelOneToMany,
		FromTable: lr.LookupTable,
		ToTable:   lr.Table,
		ToColumn:  lr.ParentFKColumn,
	})
	return lt
}

func (a *Analyzer) applyFieldRule(t *Table, fr *FieldRule, contributed map[string]bool) {
	c := t.Column(fr.Column)
	c.AddType(fr.StorageType)
	// The loader nulls this reference when the parent is missing, so the
	// column must accept NULL regardless of observed values.
	c.AddType(TypeNull)
	contributed[fr.Column] = true
	t.AddRelationship(Relationship{
		Kind:       RelForeignKey,
		FromTable:  t.Name,
		FromColumn: fr.Column,
		ToTable:    fr.ParentTable,
		ToColumn:   fr.ParentColumn,
	})
	t.AddRelationship(Relationship{
		Kind:       RelExceptionTracking,
		FromTable:  t.Name,
		FromColumn: fr.Column,
		ToTable:    fr.ExceptionTable,
	})
}

// ensureSyntheticColumn registers a load-side joining column: nullable
// integer, exempt from presence accounting because no document ever
// contributes it.
func (a *Analyzer) ensureSyntheticColumn(t *Table, name string) {
	c := t.Column(name)
	if c.synthetic {
		return
	}
	c.synthetic = true
	c.AddType(TypeInteger)
	c.AddType(TypeNull)
}

func (a *Analyzer) noteColumn(t *Table, name, cls string, contributed map[string]bool) {
	c, existed := t.LookupColumn(name)
	if !existed {
		c = t.Column(name)
		if t.docs > 0 {
			// Earlier records omitted this field entirely.
			c.AddType(TypeNull)
		}
	}
	c.AddType(cls)
	contributed[name] = true
}

func (a *Analyzer) settlePresence(t *Table, contributed map[string]bool) {
	if t.fixedShape {
		return
	}
	for _, c := range t.Columns() {
		if c.synthetic || contributed[c.Name] {
			continue
		}
		c.AddType(TypeNull)
	}
}

func firstRecord(list []any) (map[string]any, bool) {
	if len(list) == 0 {
		return nil, false
	}
	m, ok := list[0].(map[string]any)
	return m, ok
}
