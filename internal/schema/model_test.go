package schema

import (
	"reflect"
	"strings"
	"testing"
)

func TestCleanName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases", in: "brandCode", want: "brandcode"},
		{name: "strips_dollar", in: "$oid", want: "oid"},
		{name: "dot_to_underscore", in: "cpg.ref", want: "cpg_ref"},
		{name: "combined", in: "$Meta.CreatedAt", want: "meta_createdat"},
		{name: "already_clean", in: "userid", want: "userid"},
		{name: "empty", in: "", want: ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CleanName(tc.in); got != tc.want {
				t.Fatalf("CleanName(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanName_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 63 bytes is the identifier cap. A multi-byte rune straddling the cap
	// must be dropped whole, never split into invalid UTF-8.
	long := strings.Repeat("a", 70)
	if got := CleanName(long); len(got) != 63 {
		t.Fatalf("len(CleanName(70*a))=%d, want 63", len(got))
	}

	// 62 ASCII bytes followed by a 2-byte rune: the rune would end at byte
	// 64, so it must be cut entirely.
	mixed := strings.Repeat("a", 62) + "é" + "zzz"
	got := CleanName(mixed)
	if len(got) > 63 {
		t.Fatalf("len=%d, want <= 63", len(got))
	}
	if got != strings.Repeat("a", 62) {
		t.Fatalf("CleanName did not cut the straddling rune whole: %q", got)
	}
}

func TestRelationshipString_Renderings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rel  Relationship
		want string
	}{
		{
			name: "foreign_key",
			rel:  Relationship{Kind: RelForeignKey, FromTable: "receipts", FromColumn: "userid", ToTable: "users", ToColumn: "_id"},
			want: "foreign key: receipts.userid -> users._id",
		},
		{
			name: "one_to_many",
			rel:  Relationship{Kind: RelOneToMany, FromTable: "receipts", ToTable: "rewardsreceiptitemlist", ToColumn: "receipt_id"},
			want: "one to many: receipts -> rewardsreceiptitemlist (receipt_id)",
		},
		{
			name: "exception_tracking",
			rel:  Relationship{Kind: RelExceptionTracking, FromTable: "receipts", FromColumn: "userid", ToTable: "missing_users"},
			want: "exception tracking: receipts.userid recorded in missing_users",
		},
		{
			name: "potential",
			rel:  Relationship{Kind: RelPotential, FromTable: "orders", FromColumn: "brands_id", ToTable: "brands"},
			want: "potential foreign key: orders.brands_id -> brands",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rel.String(); got != tc.want {
				t.Fatalf("String()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestTable_RelationshipsDeduplicateByRenderedForm(t *testing.T) {
	t.Parallel()

	tb := NewModel().Table("receipts")
	rel := Relationship{Kind: RelForeignKey, FromTable: "receipts", FromColumn: "userid", ToTable: "users", ToColumn: "_id"}
	tb.AddRelationship(rel)
	tb.AddRelationship(rel)
	tb.AddRelationship(rel)

	if got := tb.RelationshipStrings(); len(got) != 1 {
		t.Fatalf("relationships=%v, want exactly one", got)
	}
}

func TestModel_TablesKeepFirstSeenOrder(t *testing.T) {
	t.Parallel()

	m := NewModel()
	for _, name := range []string{"receipts", "rewardsreceiptitemlist", "users", "brands"} {
		m.Table(name)
	}
	// Re-requesting a table must not reorder it.
	m.Table("users")
	m.Table("receipts")

	var got []string
	for _, tb := range m.Tables() {
		got = append(got, tb.Name)
	}
	want := []string{"receipts", "rewardsreceiptitemlist", "users", "brands"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("table order=%v, want %v", got, want)
	}
}

func TestTable_ColumnsKeepFirstSeenOrder(t *testing.T) {
	t.Parallel()

	tb := NewModel().Table("users")
	for _, name := range []string{"_id", "active", "createddate", "role"} {
		tb.Column(name)
	}
	tb.Column("active") // existing lookup, no reorder

	var got []string
	for _, c := range tb.Columns() {
		got = append(got, c.Name)
	}
	want := []string{"_id", "active", "createddate", "role"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("column order=%v, want %v", got, want)
	}
}
