package schema

import (
	"sort"
	"strings"
)

// PotentialForeignKeys scans finalized models for naming-convention hints:
// a column whose name ends in an identifier suffix and whose base matches
// another table's name (case-insensitively) suggests a cross-population
// foreign key. The output is advisory; missed links and coincidental name
// matches are both acceptable. Models are only read, never mutated.
func PotentialForeignKeys(models ...*Model) []Relationship {
	var all []*Table
	for _, m := range models {
		if m == nil {
			continue
		}
		all = append(all, m.Tables()...)
	}

	seen := make(map[string]Relationship)
	for _, from := range all {
		for _, c := range from.Columns() {
			base, ok := stripIDSuffix(c.Name)
			if !ok {
				continue
			}
			for _, to := range all {
				if to.Name == from.Name {
					continue
				}
				if strings.EqualFold(base, to.Name) {
					r := Relationship{
						Kind:       RelPotential,
						FromTable:  from.Name,
						FromColumn: c.Name,
						ToTable:    to.Name,
					}
					seen[r.String()] = r
				}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Relationship, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func stripIDSuffix(col string) (string, bool) {
	if s := strings.TrimSuffix(col, "_id"); s != col && s != "" {
		return s, true
	}
	if s := strings.TrimSuffix(col, "Id"); s != col && s != "" {
		return s, true
	}
	return "", false
}
