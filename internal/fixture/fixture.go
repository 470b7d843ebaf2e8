// Package fixture generates sample input files in the export conventions
// the pipeline ingests: line-delimited JSON, {"$oid": hex24} identifiers,
// {"$date": ms} timestamps, receipts nesting a rewardsReceiptItemList.
//
// Surface values (names, prices, barcodes) come from a seeded faker, so one
// seed reproduces one dataset byte for byte. Structural gaps follow fixed
// index cycles instead of random draws: every generated dataset contains
// missing fields, dangling user references and dangling brand codes, which
// keeps the referential ledger exercised no matter which seed is chosen.
package fixture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"dwetl/internal/document"
)

// Options size the generated dataset. Zero counts fall back to defaults.
// Seed follows gofakeit semantics: zero draws a random seed, any other
// value reproduces the same dataset.
type Options struct {
	Seed     int64
	Users    int
	Brands   int
	Receipts int
}

const (
	defaultUsers    = 40
	defaultBrands   = 25
	defaultReceipts = 150

	ghostUserCount    = 3
	danglingCodeCount = 4
)

// Fixed generation window so datasets are reproducible and the monthly
// brand report always has a latest and a previous month to compare.
var (
	scanStart   = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	scanEnd     = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	signupStart = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Dataset is one generated trio of populations.
type Dataset struct {
	Receipts []document.Document
	Users    []document.Document
	Brands   []document.Document
}

// Generate builds a dataset: brands first, then users, then receipts that
// reference both pools. Some receipts point at users that were never
// generated and some item lines carry brand codes absent from the master.
func Generate(opt Options) Dataset {
	if opt.Users <= 0 {
		opt.Users = defaultUsers
	}
	if opt.Brands <= 0 {
		opt.Brands = defaultBrands
	}
	if opt.Receipts <= 0 {
		opt.Receipts = defaultReceipts
	}

	s := &seeder{f: gofakeit.New(opt.Seed)}

	var out Dataset
	out.Brands = s.brands(opt.Brands)
	out.Users = s.users(opt.Users)
	out.Receipts = s.receipts(opt.Receipts)
	return out
}

type seeder struct {
	f *gofakeit.Faker

	masterCodes   []string
	danglingCodes []string
	userIDs       []string
	ghostIDs      []string
}

func (s *seeder) brands(n int) []document.Document {
	seen := make(map[string]bool)
	docs := make([]document.Document, 0, n)
	for i := 0; i < n; i++ {
		name := s.f.Company()
		code := s.uniqueCode(name, seen)

		doc := document.Document{
			"_id":     oidWrap(s.oid()),
			"barcode": s.f.DigitN(12),
			"cpg": map[string]any{
				"$id":  oidWrap(s.oid()),
				"$ref": "Cogs",
			},
			"name": name,
		}
		// Fixed cycles leave holes the inference layer has to cope with.
		if i%8 != 6 {
			doc["brandCode"] = code
			s.masterCodes = append(s.masterCodes, code)
		}
		if i%5 != 4 {
			category := s.f.ProductCategory()
			doc["category"] = category
			if i%2 == 0 {
				doc["categoryCode"] = codeFrom(category)
			}
		}
		if i%3 != 2 {
			doc["topBrand"] = s.f.Bool()
		}
		docs = append(docs, doc)
	}

	// Codes referenced by item lines but absent from the master. Drawn after
	// the master so collisions can be rejected deterministically.
	for len(s.danglingCodes) < danglingCodeCount {
		code := s.uniqueCode(s.f.Company(), seen)
		s.danglingCodes = append(s.danglingCodes, code)
	}
	return docs
}

func (s *seeder) users(n int) []document.Document {
	docs := make([]document.Document, 0, n)
	for i := 0; i < n; i++ {
		id := s.oid()
		s.userIDs = append(s.userIDs, id)

		created := s.f.DateRange(signupStart, scanEnd)
		doc := document.Document{
			"_id":         oidWrap(id),
			"active":      s.f.Bool(),
			"createdDate": msWrap(created),
		}
		if i%5 != 2 {
			doc["lastLogin"] = msWrap(s.f.DateRange(created, scanEnd))
		}
		if i%10 == 9 {
			doc["role"] = "fetch-staff"
		} else {
			doc["role"] = "consumer"
		}
		if i%7 != 5 {
			doc["signUpSource"] = s.f.RandomString([]string{"Email", "Google", "Apple"})
		}
		if i%6 != 3 {
			doc["state"] = s.f.StateAbr()
		}
		docs = append(docs, doc)
	}

	for i := 0; i < ghostUserCount; i++ {
		s.ghostIDs = append(s.ghostIDs, s.oid())
	}
	return docs
}

var statusCycle = []string{
	"FINISHED", "FINISHED", "FINISHED", "REJECTED", "FLAGGED",
	"SUBMITTED", "FINISHED", "REJECTED", "PENDING", "FINISHED",
}

func (s *seeder) receipts(n int) []document.Document {
	docs := make([]document.Document, 0, n)
	for i := 0; i < n; i++ {
		scanned := s.f.DateRange(scanStart, scanEnd)
		status := statusCycle[i%len(statusCycle)]

		items := s.itemLines(i)
		doc := document.Document{
			"_id":                    oidWrap(s.oid()),
			"createDate":             msWrap(scanned),
			"dateScanned":            msWrap(scanned),
			"modifyDate":             msWrap(scanned.Add(time.Duration(s.f.Number(1, 72)) * time.Hour)),
			"purchasedItemCount":     len(items),
			"rewardsReceiptItemList": items,
			"rewardsReceiptStatus":   status,
			"totalSpent":             price(s.f.Price(5, 120)),
		}

		// Every seventh receipt minus a few references a user that does not
		// exist; every nineteenth omits the reference entirely.
		switch {
		case i%19 == 11:
		case i%7 == 3:
			doc["userId"] = s.ghostIDs[i%ghostUserCount]
		default:
			doc["userId"] = s.userIDs[s.f.Number(0, len(s.userIDs)-1)]
		}

		if status == "FINISHED" {
			doc["finishedDate"] = msWrap(scanned.Add(24 * time.Hour))
			doc["pointsEarned"] = strconv.Itoa(s.f.Number(5, 750))
			if i%2 == 0 {
				doc["pointsAwardedDate"] = msWrap(scanned.Add(24 * time.Hour))
			}
		}
		if i%4 == 0 {
			doc["bonusPointsEarned"] = s.f.Number(5, 500)
			doc["bonusPointsEarnedReason"] = "Receipt number " + strconv.Itoa(i+1) + " completed"
		}
		if i%3 != 1 {
			doc["purchaseDate"] = msWrap(scanned.Add(-time.Duration(s.f.Number(1, 96)) * time.Hour))
		}
		docs = append(docs, doc)
	}
	return docs
}

func (s *seeder) itemLines(receipt int) []any {
	count := 1 + receipt%4
	items := make([]any, 0, count)
	for j := 0; j < count; j++ {
		unit := s.f.Price(0.99, 35)
		qty := s.f.Number(1, 5)
		item := map[string]any{
			"barcode":           s.f.DigitN(12),
			"description":       s.f.ProductName(),
			"finalPrice":        price(unit * float64(qty)),
			"itemPrice":         price(unit),
			"partnerItemId":     strconv.Itoa(j + 1),
			"quantityPurchased": qty,
		}
		// Item lines cycle through coded, uncoded and dangling-coded states.
		switch {
		case (receipt+j)%4 == 1:
		case (receipt+j)%9 == 5 || len(s.masterCodes) == 0:
			item["brandCode"] = s.danglingCodes[(receipt+j)%len(s.danglingCodes)]
		default:
			item["brandCode"] = s.masterCodes[s.f.Number(0, len(s.masterCodes)-1)]
		}
		if (receipt+j)%6 == 2 {
			item["needsFetchReview"] = s.f.Bool()
		}
		items = append(items, item)
	}
	return items
}

// WriteDir writes the dataset as receipts.json, users.json and brands.json
// under dir, one JSON object per line. The file names are the collection
// names the ingest rules key on. Returns the written paths sorted.
func (d Dataset) WriteDir(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fixture: %w", err)
	}

	files := map[string][]document.Document{
		"receipts.json": d.Receipts,
		"users.json":    d.Users,
		"brands.json":   d.Brands,
	}
	paths := make([]string, 0, len(files))
	for name := range files {
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := writeLines(path, files[filepath.Base(path)]); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func writeLines(path string, docs []document.Document) error {
	var buf bytes.Buffer
	for _, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("fixture: marshal %s: %w", filepath.Base(path), err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("fixture: %w", err)
	}
	return nil
}

const hexAlphabet = "0123456789abcdef"

func (s *seeder) oid() string {
	b := make([]byte, 24)
	for i := range b {
		b[i] = hexAlphabet[s.f.Number(0, 15)]
	}
	return string(b)
}

// uniqueCode derives a brand code from a company name, retrying with a
// numeric suffix until it differs from every code issued so far.
func (s *seeder) uniqueCode(name string, seen map[string]bool) string {
	code := codeFrom(name)
	for seen[code] {
		code = codeFrom(name) + strconv.Itoa(s.f.Number(2, 99))
	}
	seen[code] = true
	return code
}

// codeFrom upper-cases a name and collapses punctuation runs to single
// spaces, the shape real brand codes use.
func codeFrom(name string) string {
	up := strings.ToUpper(name)
	var b strings.Builder
	pendingSpace := false
	for _, r := range up {
		switch {
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		default:
			pendingSpace = true
		}
	}
	return b.String()
}

func oidWrap(id string) map[string]any {
	return map[string]any{"$oid": id}
}

func msWrap(t time.Time) map[string]any {
	return map[string]any{"$date": t.UnixMilli()}
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
