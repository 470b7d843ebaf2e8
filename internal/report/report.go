// Package report answers the analyst questions the warehouse was built for:
// field completeness per source table, spend by receipt status, brand
// rankings month over month, and brand-code coverage against the brand
// master.
//
// Every computation here is a pure pass over decoded documents; nothing
// touches a store. Rendering lives in a separate layer so tests assert on
// numbers, not terminal layout. Values are parsed tolerantly: the source
// files carry numbers as strings, json.Number and wrapped timestamps
// interchangeably, and a malformed value drops the record from the affected
// metric instead of failing the report.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dwetl/internal/document"
)

// Source field names as they appear in the raw export files. Reports read
// documents before any name cleaning, so the keys keep their camel case.
const (
	fieldStatus    = "rewardsReceiptStatus"
	fieldSpent     = "totalSpent"
	fieldItemCount = "purchasedItemCount"
	fieldScanned   = "dateScanned"
	fieldItemList  = "rewardsReceiptItemList"
	fieldBrandCode = "brandCode"
	fieldBrandName = "name"
)

// Receipt statuses the spend report compares. The export has no ACCEPTED
// status; FINISHED is the accepted terminal state.
const (
	StatusFinished = "FINISHED"
	StatusRejected = "REJECTED"
)

const (
	topBrandCount     = 5
	missingCodeSample = 10
)

// ColumnCompleteness reports how often one top-level field carries a value.
// A field counts as present when the key exists and the value is not null.
type ColumnCompleteness struct {
	Column  string
	Present int
	Missing int
	Percent float64
}

// Completeness is the per-table field profile, columns sorted by name.
type Completeness struct {
	Table   string
	Records int
	Columns []ColumnCompleteness
}

// Profile computes field completeness for one document population.
func Profile(table string, docs []document.Document) Completeness {
	present := make(map[string]int)
	for _, doc := range docs {
		for key, val := range doc {
			if _, ok := present[key]; !ok {
				present[key] = 0
			}
			if val != nil {
				present[key]++
			}
		}
	}

	names := make([]string, 0, len(present))
	for key := range present {
		names = append(names, key)
	}
	sort.Strings(names)

	out := Completeness{Table: table, Records: len(docs)}
	for _, key := range names {
		n := present[key]
		col := ColumnCompleteness{
			Column:  key,
			Present: n,
			Missing: len(docs) - n,
		}
		if len(docs) > 0 {
			col.Percent = float64(n) / float64(len(docs)) * 100
		}
		out.Columns = append(out.Columns, col)
	}
	return out
}

// StatusMetrics aggregates receipts sharing one terminal status.
type StatusMetrics struct {
	Status     string
	Receipts   int
	AvgSpend   float64
	TotalSpend float64
	TotalItems int
}

// ByStatus compares FINISHED and REJECTED receipts: how many, what they
// spent on average, and how many items they purchased in total. A receipt
// with a malformed spend or item count is skipped; a missing value counts
// as zero.
func ByStatus(receipts []document.Document) []StatusMetrics {
	byStatus := map[string]*StatusMetrics{
		StatusFinished: {Status: StatusFinished},
		StatusRejected: {Status: StatusRejected},
	}

	for _, r := range receipts {
		status, _ := stringField(r, fieldStatus)
		m, ok := byStatus[status]
		if !ok {
			continue
		}
		spent, ok := floatField(r, fieldSpent)
		if !ok {
			continue
		}
		items, ok := intField(r, fieldItemCount)
		if !ok {
			continue
		}
		m.Receipts++
		m.TotalSpend += spent
		m.TotalItems += items
	}

	out := []StatusMetrics{*byStatus[StatusFinished], *byStatus[StatusRejected]}
	for i := range out {
		if out[i].Receipts > 0 {
			out[i].AvgSpend = out[i].TotalSpend / float64(out[i].Receipts)
		}
	}
	return out
}

// BrandRank is one row of the monthly brand leaderboard.
//
// Scans counts item lines naming the brand, not distinct receipts: a
// receipt with three KNORR lines contributes three. PrevRank is the brand's
// 1-based position in the previous month, 0 when the brand had no sightings
// then.
type BrandRank struct {
	Rank      int
	Code      string
	Name      string
	Scans     int
	PrevScans int
	PrevRank  int
}

// MovementLabel renders the rank change against the previous month:
// "new" for a brand absent then, "=" for an unchanged rank, otherwise the
// signed number of places gained or lost.
func (b BrandRank) MovementLabel() string {
	switch {
	case b.PrevRank == 0:
		return "new"
	case b.PrevRank == b.Rank:
		return "="
	default:
		return fmt.Sprintf("%+d", b.PrevRank-b.Rank)
	}
}

// Leaderboard ranks brands by item-line sightings in the latest calendar
// month the data covers, compared against the month before it. Months are
// first-of-month instants in UTC. Zero Latest means no receipt carried a
// usable scan date.
type Leaderboard struct {
	Latest   time.Time
	Previous time.Time
	Top      []BrandRank
}

// TopBrands builds the monthly leaderboard from receipts, resolving display
// names through the brand master. Brands missing from the master keep their
// code as the name.
func TopBrands(receipts, brands []document.Document) Leaderboard {
	var latest time.Time
	scanned := make([]time.Time, len(receipts))
	for i, r := range receipts {
		t, ok := timeField(r, fieldScanned)
		if !ok {
			continue
		}
		scanned[i] = t
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return Leaderboard{}
	}

	latestMonth := monthStart(latest)
	previousMonth := latestMonth.AddDate(0, -1, 0)

	current := make(map[string]int)
	previous := make(map[string]int)
	for i, r := range receipts {
		if scanned[i].IsZero() {
			continue
		}
		var bucket map[string]int
		switch monthStart(scanned[i]) {
		case latestMonth:
			bucket = current
		case previousMonth:
			bucket = previous
		default:
			continue
		}
		for _, item := range itemLines(r) {
			if code, ok := stringField(item, fieldBrandCode); ok {
				bucket[code]++
			}
		}
	}

	prevRank := make(map[string]int)
	for i, code := range rankCodes(previous) {
		prevRank[code] = i + 1
	}
	names := brandNames(brands)

	top := rankCodes(current)
	if len(top) > topBrandCount {
		top = top[:topBrandCount]
	}

	board := Leaderboard{Latest: latestMonth, Previous: previousMonth}
	for i, code := range top {
		rank := BrandRank{
			Rank:      i + 1,
			Code:      code,
			Name:      code,
			Scans:     current[code],
			PrevScans: previous[code],
			PrevRank:  prevRank[code],
		}
		if name, ok := names[code]; ok {
			rank.Name = name
		}
		board.Top = append(board.Top, rank)
	}
	return board
}

// rankCodes orders brand codes by count descending, code ascending on ties.
func rankCodes(counts map[string]int) []string {
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})
	return codes
}

func brandNames(brands []document.Document) map[string]string {
	names := make(map[string]string, len(brands))
	for _, b := range brands {
		code, ok := stringField(b, fieldBrandCode)
		if !ok {
			continue
		}
		if name, ok := stringField(b, fieldBrandName); ok {
			names[code] = name
		}
	}
	return names
}

// MissingCode is an item-line brand code absent from the brand master.
type MissingCode struct {
	Code        string
	Occurrences int
}

// Overlap measures how well the brand master covers the codes item lines
// actually reference.
type Overlap struct {
	MasterCodes       int
	ReceiptCodes      int
	Matched           int
	MissingFromMaster int
	UnusedInMaster    int
	TotalItems        int
	ItemsWithCode     int
	MissingSamples    []MissingCode
}

// CodeOverlap intersects item-line brand codes with the brand master and
// samples the most frequent codes the master lacks, occurrence descending
// then code ascending, capped at ten.
func CodeOverlap(receipts, brands []document.Document) Overlap {
	master := make(map[string]bool)
	for _, b := range brands {
		if code, ok := stringField(b, fieldBrandCode); ok {
			master[code] = true
		}
	}

	freq := make(map[string]int)
	var out Overlap
	for _, r := range receipts {
		for _, item := range itemLines(r) {
			out.TotalItems++
			code, ok := stringField(item, fieldBrandCode)
			if !ok {
				continue
			}
			out.ItemsWithCode++
			freq[code]++
		}
	}

	out.MasterCodes = len(master)
	out.ReceiptCodes = len(freq)

	missing := make(map[string]int)
	for code, n := range freq {
		if master[code] {
			out.Matched++
		} else {
			out.MissingFromMaster++
			missing[code] = n
		}
	}
	out.UnusedInMaster = out.MasterCodes - out.Matched

	for _, code := range rankCodes(missing) {
		if len(out.MissingSamples) >= missingCodeSample {
			break
		}
		out.MissingSamples = append(out.MissingSamples, MissingCode{
			Code:        code,
			Occurrences: missing[code],
		})
	}
	return out
}

// itemLines returns the record-shaped elements of a receipt's item list.
func itemLines(r document.Document) []document.Document {
	list, ok := r[fieldItemList].([]any)
	if !ok {
		return nil
	}
	items := make([]document.Document, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// stringField extracts a non-empty string value, unwrapping identifier
// markers on the way.
func stringField(doc document.Document, key string) (string, bool) {
	s, ok := document.UnwrapValue(doc[key]).(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// floatField parses a numeric field that may arrive as json.Number or as a
// string. A missing value reads as zero; a malformed one reports !ok.
func floatField(doc document.Document, key string) (float64, bool) {
	val, ok := doc[key]
	if !ok || val == nil {
		return 0, true
	}
	switch n := val.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// intField is floatField for whole numbers; fractional values report !ok.
func intField(doc document.Document, key string) (int, bool) {
	f, ok := floatField(doc, key)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

// timeField extracts a wrapped {"$date": ms} timestamp.
func timeField(doc document.Document, key string) (time.Time, bool) {
	t, ok := document.UnwrapValue(doc[key]).(time.Time)
	return t, ok
}
