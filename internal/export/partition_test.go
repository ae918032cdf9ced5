package export

import (
	"math"
	"regexp"
	"strconv"
	"testing"
)

func TestPartitionProducesDisjointCoveringRanges(t *testing.T) {
	spec := PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  3,
		LowerBound:  1,
		UpperBound:  10,
	}
	queries, err := RangePartitioner{}.Partition(spec)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if len(queries) != 3 {
		t.Fatalf("len(queries) = %d", len(queries))
	}

	// Replaying every predicate over the full bound range must select each
	// value exactly once.
	seen := make(map[int64]int)
	for i, q := range queries {
		if q.Index != i {
			t.Fatalf("queries[%d].Index = %d", i, q.Index)
		}
		lo, hi, closed := parseRange(t, q.SQL)
		for v := lo; v < hi || (closed && v <= hi); v++ {
			seen[v]++
		}
	}
	for v := spec.LowerBound; v <= spec.UpperBound; v++ {
		if seen[v] != 1 {
			t.Fatalf("value %d covered %d times", v, seen[v])
		}
	}
}

func TestPartitionIsDeterministic(t *testing.T) {
	spec := PartitionSpec{
		Table:       "orders",
		Columns:     "id,total",
		SplitColumn: "id",
		Partitions:  5,
		LowerBound:  0,
		UpperBound:  999,
		Where:       "status = 'shipped'",
	}
	first, err := RangePartitioner{}.Partition(spec)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	second, err := RangePartitioner{}.Partition(spec)
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("queries[%d] differ: %q vs %q", i, first[i].SQL, second[i].SQL)
		}
	}
}

func TestPartitionSingleQueryFallbacks(t *testing.T) {
	cases := []PartitionSpec{
		{Table: "orders", Partitions: 1, SplitColumn: "id", LowerBound: 1, UpperBound: 100},
		{Table: "orders", Partitions: 8},
		{Table: "orders"},
	}
	for _, spec := range cases {
		queries, err := RangePartitioner{}.Partition(spec)
		if err != nil {
			t.Fatalf("Partition(%+v) error = %v", spec, err)
		}
		if len(queries) != 1 {
			t.Fatalf("Partition(%+v) = %d queries", spec, len(queries))
		}
		if queries[0].SQL != "SELECT * FROM orders" {
			t.Fatalf("SQL = %q", queries[0].SQL)
		}
	}
}

func TestPartitionAppliesWherePredicate(t *testing.T) {
	queries, err := RangePartitioner{}.Partition(PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  2,
		LowerBound:  1,
		UpperBound:  10,
		Where:       "region = 'eu'",
	})
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	want := "SELECT * FROM orders WHERE (region = 'eu') AND id >= 1 AND id < 6"
	if queries[0].SQL != want {
		t.Fatalf("queries[0].SQL = %q, want %q", queries[0].SQL, want)
	}
}

func TestPartitionClampsCountToSpan(t *testing.T) {
	queries, err := RangePartitioner{}.Partition(PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  10,
		LowerBound:  5,
		UpperBound:  7,
	})
	if err != nil {
		t.Fatalf("Partition() error = %v", err)
	}
	if len(queries) != 3 {
		t.Fatalf("len(queries) = %d", len(queries))
	}
}

func TestPartitionRejectsOverflowingSpan(t *testing.T) {
	_, err := RangePartitioner{}.Partition(PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  4,
		LowerBound:  math.MinInt64,
		UpperBound:  math.MaxInt64,
	})
	if err == nil {
		t.Fatal("expected span overflow error")
	}
	if _, err := (RangePartitioner{}).Partition(PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  4,
		LowerBound:  -2,
		UpperBound:  math.MaxInt64 - 3,
	}); err != nil {
		t.Fatalf("Partition() error = %v for span just under the limit", err)
	}
}

func TestPartitionRejectsInvertedBounds(t *testing.T) {
	_, err := RangePartitioner{}.Partition(PartitionSpec{
		Table:       "orders",
		SplitColumn: "id",
		Partitions:  2,
		LowerBound:  10,
		UpperBound:  1,
	})
	if err == nil {
		t.Fatal("expected inverted bounds error")
	}
}

var rangePattern = regexp.MustCompile(`id >= (-?\d+) AND id (<=?) (-?\d+)$`)

func parseRange(t *testing.T, sql string) (lo, hi int64, closed bool) {
	t.Helper()
	match := rangePattern.FindStringSubmatch(sql)
	if match == nil {
		t.Fatalf("query %q does not contain a range predicate", sql)
	}
	lo, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		t.Fatalf("parse lower bound: %v", err)
	}
	hi, err = strconv.ParseInt(match[3], 10, 64)
	if err != nil {
		t.Fatalf("parse upper bound: %v", err)
	}
	return lo, hi, match[2] == "<="
}
