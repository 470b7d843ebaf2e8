// Package schema infers a relational model from semi-structured document
// populations and renders it as executable DDL.
//
// The pipeline inside this package is pure and synchronous:
//
//	Analyzer (structure walk) -> type-set model -> Unify (one storage type
//	per column) -> Generator (CREATE TABLE statements).
//
// Analysis accumulates, per logical table, the set of column names seen and,
// per column, the set of type classifications observed across every
// contributing document. Special-cased fields are driven by an explicit rule
// table (see rules.go) so the traversal itself stays generic.
//
// Determinism: tables and columns keep first-seen order, document keys are
// visited in sorted order, and relationship sets render sorted, so repeated
// runs over the same population produce identical output.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Storage type classifications. The concrete values double as the emitted
// SQL types, with three internal markers that never survive unification:
// TypeNull (nullability), TypeNested and TypeArray (structural fallbacks).
const (
	TypeVarchar    = "VARCHAR(255)"
	TypeText       = "TEXT"
	TypeIdentifier = "VARCHAR(24)"
	TypeInteger    = "INTEGER"
	TypeDecimal    = "DECIMAL(10,2)"
	TypeBoolean    = "BOOLEAN"
	TypeTimestamp  = "TIMESTAMP"
	TypeNull       = "NULL"
	TypeNested     = "NESTED"
	TypeArray      = "ARRAY"
)

// maxNameBytes caps cleaned identifiers at the common relational limit.
const maxNameBytes = 63

// Column is one inferred scalar attribute of a Table. Types is the union of
// classifications observed across all contributing documents; TypeNull in
// the set makes the column nullable.
type Column struct {
	Name  string
	Types map[string]bool

	// synthetic marks load-side joining columns (category_id, receipt_id)
	// that are created by rules rather than observed in documents. They are
	// exempt from presence accounting.
	synthetic bool
}

// AddType merges one observed classification into the column's set.
func (c *Column) AddType(t string) {
	if t == "" {
		return
	}
	c.Types[t] = true
}

// TypeList returns the observed classifications in sorted order.
func (c *Column) TypeList() []string {
	out := make([]string, 0, len(c.Types))
	for t := range c.Types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RelKind discriminates relationship descriptors.
type RelKind int

const (
	RelForeignKey RelKind = iota
	RelOneToMany
	RelExceptionTracking
	RelPotential
)

// Relationship is a directional descriptor between two tables. Exactly which
// fields are meaningful depends on Kind; String renders the human-readable
// form used for dedupe and display.
type Relationship struct {
	Kind       RelKind
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

func (r Relationship) String() string {
	switch r.Kind {
	case RelForeignKey:
		return fmt.Sprintf("foreign key: %s.%s -> %s.%s", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
	case RelOneToMany:
		return fmt.Sprintf("one to many: %s -> %s (%s)", r.FromTable, r.ToTable, r.ToColumn)
	case RelExceptionTracking:
		return fmt.Sprintf("exception tracking: %s.%s recorded in %s", r.FromTable, r.FromColumn, r.ToTable)
	case RelPotential:
		return fmt.Sprintf("potential foreign key: %s.%s -> %s", r.FromTable, r.FromColumn, r.ToTable)
	default:
		return fmt.Sprintf("relationship(%d): %s.%s -> %s.%s", r.Kind, r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
	}
}

// Table is one inferred relational entity: a top-level document kind or a
// nested list-of-records field.
type Table struct {
	Name string

	cols     map[string]*Column
	colOrder []string

	rels map[string]Relationship

	// docs counts the documents that have contributed to this table; used
	// by the analyzer's presence accounting (a column missing from a
	// contributing document becomes nullable).
	docs int

	// fixedShape tables (spawned lookup tables) carry a hand-specified
	// column list and are exempt from presence accounting.
	fixedShape bool
}

func newTable(name string) *Table {
	return &Table{
		Name: name,
		cols: make(map[string]*Column),
		rels: make(map[string]Relationship),
	}
}

// Column returns the named column, creating it on first use.
func (t *Table) Column(name string) *Column {
	if c, ok := t.cols[name]; ok {
		return c
	}
	c := &Column{Name: name, Types: make(map[string]bool)}
	t.cols[name] = c
	t.colOrder = append(t.colOrder, name)
	return c
}

// LookupColumn returns the named column without creating it.
func (t *Table) LookupColumn(name string) (*Column, bool) {
	c, ok := t.cols[name]
	return c, ok
}

// Columns returns the table's columns in first-seen order.
func (t *Table) Columns() []*Column {
	out := make([]*Column, 0, len(t.colOrder))
	for _, name := range t.colOrder {
		out = append(out, t.cols[name])
	}
	return out
}

// AddRelationship records r once; duplicates are suppressed by rendered form.
func (t *Table) AddRelationship(r Relationship) {
	t.rels[r.String()] = r
}

// Relationships returns the table's relationship descriptors sorted by
// rendered form.
func (t *Table) Relationships() []Relationship {
	keys := make([]string, 0, len(t.rels))
	for k := range t.rels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Relationship, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.rels[k])
	}
	return out
}

// RelationshipStrings returns the sorted rendered relationship set.
func (t *Table) RelationshipStrings() []string {
	out := make([]string, 0, len(t.rels))
	for k := range t.rels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Model is the full inferred table set for one analysis run.
type Model struct {
	tables map[string]*Table
	order  []string
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{tables: make(map[string]*Table)}
}

// Table returns the named table, creating it on first encounter.
func (m *Model) Table(name string) *Table {
	if t, ok := m.tables[name]; ok {
		return t
	}
	t := newTable(name)
	m.tables[name] = t
	m.order = append(m.order, name)
	return t
}

// Lookup returns the named table without creating it.
func (m *Model) Lookup(name string) (*Table, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// Tables returns all tables in first-seen order.
func (m *Model) Tables() []*Table {
	out := make([]*Table, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.tables[name])
	}
	return out
}

// Len returns the number of tables in the model.
func (m *Model) Len() int { return len(m.order) }

// CleanName normalizes a source field name into a column identifier:
// "$" removed, "." mapped to "_", lower-cased, truncated to the common
// 63-byte identifier limit on a rune boundary.
func CleanName(name string) string {
	s := strings.ReplaceAll(name, "$", "")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ToLower(s)
	return truncateName(s, maxNameBytes)
}

// truncateName shortens s to at most max bytes without splitting a rune.
func truncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	b := []byte(s)
	cut := max
	for cut > 0 && (b[cut]&0xC0) == 0x80 {
		cut--
	}
	return string(b[:cut])
}
