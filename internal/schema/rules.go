package schema

import (
	"sort"
	"strings"
)

// The analyzer's special cases are data, not code: a small rule table keyed
// by (table, column) over cleaned names. The loader consults the same rules,
// so analysis-time decisions (hard-wired types, spawned lookup tables,
// synthesized joining columns) and load-time behavior (existence checks,
// exception recording, lookup upserts) cannot drift apart.

// FieldRule hard-wires a reference column: fixed storage type, a foreign-key
// relationship to the parent, and exception tracking when the parent is
// missing at load time.
type FieldRule struct {
	Table  string
	Column string

	StorageType  string
	ParentTable  string
	ParentColumn string

	ExceptionTable  string
	ExceptionColumn string
}

// LookupRule extracts a field (plus companions) into a separate lookup
// table and joins the parent to it through a synthesized id column.
type LookupRule struct {
	Table  string
	Column string

	LookupTable    string
	LookupIDColumn string   // surrogate key, returned by the load-time upsert
	KeyColumn      string   // natural key inside the lookup table
	ExtraColumns   []string // companion fields absorbed from the parent

	ParentFKColumn string // synthesized on the parent, filled by the loader
	RelTargetName  string // column name rendered in the relationship descriptor
}

type ruleKey struct{ table, column string }

// Rules bundles every special case the analyzer and loader share.
type Rules struct {
	fields   map[ruleKey]*FieldRule
	lookups  map[ruleKey]*LookupRule
	absorbed map[ruleKey]*LookupRule
	dropped  map[string]bool

	// naturalKeys maps a table to the unique column the loader upserts on.
	naturalKeys map[string]string
}

// NewRules builds a rule set from its parts. Lookup extra columns are
// registered as absorbed on the lookup's parent table.
func NewRules(fields []FieldRule, lookups []LookupRule, dropped []string, naturalKeys map[string]string) *Rules {
	r := &Rules{
		fields:      make(map[ruleKey]*FieldRule),
		lookups:     make(map[ruleKey]*LookupRule),
		absorbed:    make(map[ruleKey]*LookupRule),
		dropped:     make(map[string]bool),
		naturalKeys: make(map[string]string),
	}
	for i := range fields {
		f := fields[i]
		r.fields[ruleKey{f.Table, f.Column}] = &f
	}
	for i := range lookups {
		l := lookups[i]
		r.lookups[ruleKey{l.Table, l.Column}] = &l
		for _, extra := range l.ExtraColumns {
			r.absorbed[ruleKey{l.Table, extra}] = &l
		}
	}
	for _, d := range dropped {
		r.dropped[d] = true
	}
	for t, k := range naturalKeys {
		r.naturalKeys[t] = k
	}
	return r
}

// DefaultRules returns the rule set for the receipts/users/brands corpus:
//
//   - receipts.userid references users._id, tracked in missing_users;
//   - line-item brandcode references brands.brandcode, tracked in
//     missing_brands;
//   - brands.category (with companion categorycode) spawns the categories
//     lookup table, joined through brands.category_id;
//   - cpg is a third-party linking object and never becomes a column.
func DefaultRules() *Rules {
	return NewRules(
		[]FieldRule{
			{
				Table:           "receipts",
				Column:          "userid",
				StorageType:     TypeIdentifier,
				ParentTable:     "users",
				ParentColumn:    "_id",
				ExceptionTable:  "missing_users",
				ExceptionColumn: "user_id",
			},
			{
				Table:           "rewardsreceiptitemlist",
				Column:          "brandcode",
				StorageType:     TypeVarchar,
				ParentTable:     "brands",
				ParentColumn:    "brandcode",
				ExceptionTable:  "missing_brands",
				ExceptionColumn: "brandcode",
			},
		},
		[]LookupRule{
			{
				Table:          "brands",
				Column:         "category",
				LookupTable:    "categories",
				LookupIDColumn: "categories_id",
				KeyColumn:      "category",
				ExtraColumns:   []string{"categorycode"},
				ParentFKColumn: "category_id",
				RelTargetName:  "category_id",
			},
		},
		[]string{"cpg"},
		map[string]string{
			"users":      "_id",
			"brands":     "brandcode",
			"categories": "category",
		},
	)
}

// FieldFor returns the hard-wired reference rule for (table, column).
func (r *Rules) FieldFor(table, column string) (*FieldRule, bool) {
	f, ok := r.fields[ruleKey{table, column}]
	return f, ok
}

// LookupFor returns the lookup-spawning rule for (table, column).
func (r *Rules) LookupFor(table, column string) (*LookupRule, bool) {
	l, ok := r.lookups[ruleKey{table, column}]
	return l, ok
}

// AbsorbedBy returns the lookup rule that consumes (table, column) as a
// companion field, if any.
func (r *Rules) AbsorbedBy(table, column string) (*LookupRule, bool) {
	l, ok := r.absorbed[ruleKey{table, column}]
	return l, ok
}

// Dropped reports whether the cleaned column name is dropped everywhere.
func (r *Rules) Dropped(column string) bool { return r.dropped[column] }

// NaturalKey returns the load-side unique column for table, if one exists.
func (r *Rules) NaturalKey(table string) (string, bool) {
	k, ok := r.naturalKeys[table]
	return k, ok
}

// UpsertKeys returns a copy of the table -> unique-column map, covering
// every table the loader upserts into.
func (r *Rules) UpsertKeys() map[string]string {
	out := make(map[string]string, len(r.naturalKeys))
	for t, k := range r.naturalKeys {
		out[t] = k
	}
	return out
}

// FieldRulesFor returns every hard-wired reference rule on table, in
// column order.
func (r *Rules) FieldRulesFor(table string) []*FieldRule {
	var out []*FieldRule
	for k, f := range r.fields {
		if k.table == table {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

// LookupRulesFor returns every lookup rule on table, in column order.
func (r *Rules) LookupRulesFor(table string) []*LookupRule {
	var out []*LookupRule
	for k, l := range r.lookups {
		if k.table == table {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out
}

// IsLookupTable reports whether table is spawned by some lookup rule.
func (r *Rules) IsLookupTable(table string) bool {
	for _, l := range r.lookups {
		if l.LookupTable == table {
			return true
		}
	}
	return false
}

// ChildFKColumn names the synthesized joining column a nested child table
// carries back to its parent: the parent name minus a plural "s", plus
// "_id" (receipts -> receipt_id).
func ChildFKColumn(parentTable string) string {
	base := strings.TrimSuffix(parentTable, "s")
	if base == "" {
		base = parentTable
	}
	return base + "_id"
}
