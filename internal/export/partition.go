package export

import (
	"fmt"
	"math"
	"strings"
)

// Query is one bounded slice of the full-table extraction. Index is the
// stable identity used for query files and shard names.
type Query struct {
	Index int
	SQL   string
}

// PartitionSpec is the pure input of a Partitioner. Identical specs must
// yield identical, identically ordered query texts across runs: persisted
// query files serve as an audit record and have to be reproducible.
type PartitionSpec struct {
	Table       string
	Columns     string
	SplitColumn string
	Partitions  int
	LowerBound  int64
	UpperBound  int64
	Where       string
}

type Partitioner interface {
	Partition(spec PartitionSpec) ([]Query, error)
}

// RangePartitioner splits [LowerBound, UpperBound] on an integer split
// column into half-open ranges with no gap and no overlap; the final range
// is closed at the upper bound. Degenerate specs (no split column, one
// partition, collapsed bounds) fall back to a single full-table query.
type RangePartitioner struct{}

func (RangePartitioner) Partition(spec PartitionSpec) ([]Query, error) {
	if strings.TrimSpace(spec.Table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	columns := strings.TrimSpace(spec.Columns)
	if columns == "" {
		columns = "*"
	}

	if spec.Partitions <= 1 || strings.TrimSpace(spec.SplitColumn) == "" {
		return []Query{{Index: 0, SQL: selectSQL(columns, spec.Table, spec.Where)}}, nil
	}
	if spec.UpperBound < spec.LowerBound {
		return nil, fmt.Errorf("upper bound %d is below lower bound %d", spec.UpperBound, spec.LowerBound)
	}

	// The unsigned difference is exact for any int64 pair; reject spans
	// that would overflow the signed arithmetic below.
	if uint64(spec.UpperBound)-uint64(spec.LowerBound) >= math.MaxInt64 {
		return nil, fmt.Errorf("bound span [%d, %d] is too large to partition", spec.LowerBound, spec.UpperBound)
	}
	span := spec.UpperBound - spec.LowerBound + 1
	count := int64(spec.Partitions)
	if count > span {
		count = span
	}
	step := span / count
	remainder := span % count

	queries := make([]Query, 0, count)
	lo := spec.LowerBound
	for i := int64(0); i < count; i++ {
		width := step
		if i < remainder {
			width++
		}
		hi := lo + width
		var predicate string
		if i == count-1 {
			predicate = fmt.Sprintf("%s >= %d AND %s <= %d", spec.SplitColumn, lo, spec.SplitColumn, spec.UpperBound)
		} else {
			predicate = fmt.Sprintf("%s >= %d AND %s < %d", spec.SplitColumn, lo, spec.SplitColumn, hi)
		}
		if where := strings.TrimSpace(spec.Where); where != "" {
			predicate = fmt.Sprintf("(%s) AND %s", where, predicate)
		}
		queries = append(queries, Query{
			Index: int(i),
			SQL:   fmt.Sprintf("SELECT %s FROM %s WHERE %s", columns, spec.Table, predicate),
		})
		lo = hi
	}
	return queries, nil
}

func selectSQL(columns, table, where string) string {
	if where = strings.TrimSpace(where); where != "" {
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s", columns, table, where)
	}
	return fmt.Sprintf("SELECT %s FROM %s", columns, table)
}
