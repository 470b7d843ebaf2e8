package loader

import (
	"context"
	"fmt"
	"sort"

	"dwetl/internal/schema"
	"dwetl/internal/storage"
)

// topOffenders caps the per-ledger offender list in the Summary.
const topOffenders = 5

// TableCount is the record outcome tally for one table, children and nested
// tables included.
type TableCount struct {
	Table    string
	Inserted int64
	Failed   int64
}

// LedgerSummary is the state of one exception table after a run. Recorded
// counts the sightings this run wrote; DistinctKeys and Top read the table
// itself, so they include sightings from earlier runs.
type LedgerSummary struct {
	Table     string
	KeyColumn string

	Recorded     int64
	DistinctKeys int64
	Top          []storage.ExceptionTally
}

// Summary is the result of one load run.
type Summary struct {
	Tables  []TableCount
	Ledgers []LedgerSummary
}

// TotalInserted sums inserted records across all tables.
func (s *Summary) TotalInserted() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Inserted
	}
	return n
}

// TotalFailed sums failed records across all tables.
func (s *Summary) TotalFailed() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Failed
	}
	return n
}

// summarize assembles the run summary: counter snapshots plus a read-back of
// every ledger table.
func (r *run) summarize(ctx context.Context) (*Summary, error) {
	names := make(map[string]bool, len(r.inserted))
	for t := range r.inserted {
		names[t] = true
	}
	for t := range r.failed {
		names[t] = true
	}
	sorted := make([]string, 0, len(names))
	for t := range names {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	s := &Summary{}
	for _, t := range sorted {
		s.Tables = append(s.Tables, TableCount{
			Table:    t,
			Inserted: r.inserted[t],
			Failed:   r.failed[t],
		})
	}

	for _, ex := range schema.ExceptionTables() {
		distinct, err := r.store.CountRows(ctx, ex.Name)
		if err != nil {
			return nil, fmt.Errorf("loader: count %s: %w", ex.Name, err)
		}
		top, err := r.store.TopExceptions(ctx, ex.Name, ex.KeyColumn, topOffenders)
		if err != nil {
			return nil, fmt.Errorf("loader: top offenders %s: %w", ex.Name, err)
		}
		s.Ledgers = append(s.Ledgers, LedgerSummary{
			Table:        ex.Name,
			KeyColumn:    ex.KeyColumn,
			Recorded:     r.recorded[ex.Name],
			DistinctKeys: distinct,
			Top:          top,
		})
	}
	return s, nil
}
