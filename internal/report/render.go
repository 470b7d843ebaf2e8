package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"dwetl/internal/document"
)

// Suite holds the three source populations the report sections read.
// Any of them may be empty; the affected sections degrade to explicit
// "(no ...)" lines instead of vanishing.
type Suite struct {
	Receipts []document.Document
	Users    []document.Document
	Brands   []document.Document
}

// Render writes every report section to w: completeness profiles for the
// three tables, the FINISHED versus REJECTED comparison, the monthly brand
// leaderboard and the brand-code coverage summary.
func (s *Suite) Render(w io.Writer) {
	p := message.NewPrinter(language.English)
	title := cases.Title(language.English)

	heading(w, "Field Completeness")
	for _, pop := range []struct {
		name string
		docs []document.Document
	}{
		{"receipts", s.Receipts},
		{"users", s.Users},
		{"brands", s.Brands},
	} {
		prof := Profile(pop.name, pop.docs)
		_, _ = fmt.Fprintf(w, "%s: %s records\n", title.String(prof.Table), p.Sprintf("%d", prof.Records))
		if len(prof.Columns) == 0 {
			_, _ = fmt.Fprintln(w, "(no fields)")
			continue
		}
		t := newTable(w)
		t.AppendHeader(table.Row{"column", "present", "missing", "complete"})
		for _, col := range prof.Columns {
			t.AppendRow(table.Row{
				col.Column,
				p.Sprintf("%d", col.Present),
				p.Sprintf("%d", col.Missing),
				fmt.Sprintf("%.1f%%", col.Percent),
			})
		}
		t.Render()
	}

	heading(w, "Receipt Status")
	t := newTable(w)
	t.AppendHeader(table.Row{"status", "receipts", "avg spend", "total items"})
	for _, m := range ByStatus(s.Receipts) {
		t.AppendRow(table.Row{
			m.Status,
			p.Sprintf("%d", m.Receipts),
			fmt.Sprintf("$%.2f", m.AvgSpend),
			p.Sprintf("%d", m.TotalItems),
		})
	}
	t.Render()

	board := TopBrands(s.Receipts, s.Brands)
	if board.Latest.IsZero() {
		heading(w, "Top Brands")
		_, _ = fmt.Fprintln(w, "(no dated receipts)")
	} else {
		heading(w, fmt.Sprintf("Top Brands: %s vs %s",
			board.Latest.Format("January 2006"), board.Previous.Format("January 2006")))
		if len(board.Top) == 0 {
			_, _ = fmt.Fprintln(w, "(no brand codes in the latest month)")
		} else {
			t := newTable(w)
			t.AppendHeader(table.Row{"rank", "brand", "scans", "prev scans", "movement"})
			for _, b := range board.Top {
				t.AppendRow(table.Row{
					b.Rank,
					b.Name,
					p.Sprintf("%d", b.Scans),
					p.Sprintf("%d", b.PrevScans),
					b.MovementLabel(),
				})
			}
			t.Render()
		}
	}

	overlap := CodeOverlap(s.Receipts, s.Brands)
	heading(w, "Brand Code Coverage")
	_, _ = fmt.Fprintf(w, "codes in master: %s\n", p.Sprintf("%d", overlap.MasterCodes))
	_, _ = fmt.Fprintf(w, "codes on item lines: %s\n", p.Sprintf("%d", overlap.ReceiptCodes))
	_, _ = fmt.Fprintf(w, "matched: %s\n", p.Sprintf("%d", overlap.Matched))
	_, _ = fmt.Fprintf(w, "missing from master: %s\n", p.Sprintf("%d", overlap.MissingFromMaster))
	_, _ = fmt.Fprintf(w, "unused in master: %s\n", p.Sprintf("%d", overlap.UnusedInMaster))
	_, _ = fmt.Fprintf(w, "item lines: %s (%s with a brand code)\n",
		p.Sprintf("%d", overlap.TotalItems), p.Sprintf("%d", overlap.ItemsWithCode))
	if len(overlap.MissingSamples) > 0 {
		_, _ = fmt.Fprintln(w, "most frequent missing codes:")
		t := newTable(w)
		t.AppendHeader(table.Row{"code", "occurrences"})
		for _, m := range overlap.MissingSamples {
			t.AppendRow(table.Row{m.Code, p.Sprintf("%d", m.Occurrences)})
		}
		t.Render()
	}
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func heading(w io.Writer, s string) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, s)
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 60))
}
