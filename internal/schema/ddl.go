package schema

import (
	"fmt"
	"strings"
)

// ExceptionTable is the fixed shape of one referential-integrity ledger
// table. These shapes are hand-specified and never inferred.
type ExceptionTable struct {
	Name      string
	KeyColumn string // unique natural key the ledger upserts on
	KeyType   string
	IndexName string
}

// ExceptionTables returns the ledger tables in emission order.
func ExceptionTables() []ExceptionTable {
	return []ExceptionTable{
		{
			Name:      "missing_brands",
			KeyColumn: "brandcode",
			KeyType:   TypeVarchar,
			IndexName: "idx_missing_brands_brandcode",
		},
		{
			Name:      "missing_users",
			KeyColumn: "user_id",
			KeyType:   TypeIdentifier,
			IndexName: "idx_missing_users_user_id",
		},
	}
}

// SurrogateKey names the synthetic auto-incrementing primary key column a
// table receives in generated DDL.
func SurrogateKey(table string) string { return table + "_id" }

// Generator renders a Model into table-definition statements.
//
// ExceptionsEmitted is explicit one-shot state: the ledger tables are
// appended the first time a non-empty model is rendered and never again
// through the same generator value, no matter how often generation runs.
// Callers that want them again construct a fresh Generator.
type Generator struct {
	ExceptionsEmitted bool
}

// Generate renders one CREATE TABLE statement per table in first-seen
// order, followed (once) by the ledger tables and their index statements.
// An empty model yields no statements at all.
func (g *Generator) Generate(m *Model) []string {
	if m == nil || m.Len() == 0 {
		return nil
	}

	var stmts []string
	for _, t := range m.Tables() {
		stmts = append(stmts, tableStatement(t))
	}

	if !g.ExceptionsEmitted {
		g.ExceptionsEmitted = true
		for _, ex := range ExceptionTables() {
			stmts = append(stmts, exceptionStatement(ex), exceptionIndexStatement(ex))
		}
	}
	return stmts
}

// GenerateSQL renders the model as one script, statements separated by a
// blank line.
func (g *Generator) GenerateSQL(m *Model) string {
	return strings.Join(g.Generate(m), "\n\n")
}

func tableStatement(t *Table) string {
	cols := []string{SurrogateKey(t.Name) + " SERIAL PRIMARY KEY"}
	for _, c := range t.Columns() {
		storage, nullable := c.Unified()
		mod := " NOT NULL"
		if nullable {
			mod = " NULL"
		}
		cols = append(cols, c.Name+" "+storage+mod)
	}
	return "CREATE TABLE " + t.Name + " (\n    " + strings.Join(cols, ",\n    ") + "\n);"
}

func exceptionStatement(ex ExceptionTable) string {
	cols := []string{
		SurrogateKey(ex.Name) + " SERIAL PRIMARY KEY",
		ex.KeyColumn + " " + ex.KeyType + " UNIQUE",
		"occurrence_count " + TypeInteger,
		"first_seen " + TypeTimestamp,
		"last_seen " + TypeTimestamp,
	}
	return "CREATE TABLE " + ex.Name + " (\n    " + strings.Join(cols, ",\n    ") + "\n);"
}

func exceptionIndexStatement(ex ExceptionTable) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s(%s);", ex.IndexName, ex.Name, ex.KeyColumn)
}
