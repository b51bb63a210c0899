// Package aggregate holds the aggregate data model and the merge
// operations defined over it: the streaming rollup fold, timer tree and
// histogram merging, profile tree reduction, and query statement merging.
//
// All capture times are epoch milliseconds and mark the close of a bucket,
// never its open. Totals are monotonic and never negative. Values of the
// exported aggregate types are immutable once built; merges always produce
// new values.
package aggregate

import (
	"fmt"
	"sort"
)

// Aggregate represents one rollup bucket for one transaction type and,
// optionally, one transaction name (empty name means "overall").
type Aggregate struct {
	TransactionType string
	TransactionName string // empty for overall

	// CaptureTime is the close of the bucket, epoch milliseconds.
	CaptureTime int64

	TotalMicros         int64
	ErrorCount          int64
	TransactionCount    int64
	TotalCPUMicros      int64
	TotalBlockedMicros  int64
	TotalWaitedMicros   int64
	TotalAllocatedBytes int64
	TraceCount          int64

	Timers    *TimerNode
	Histogram *Histogram
}

// TransactionSummary is the roll-up of one transaction name (or of the
// whole transaction type when TransactionName is empty).
type TransactionSummary struct {
	TransactionName  string // empty only for the overall summary
	TotalMicros      int64
	TransactionCount int64
}

// Combine returns the field-wise sum of two summaries under the given name.
func Combine(transactionName string, a, b TransactionSummary) TransactionSummary {
	return TransactionSummary{
		TransactionName:  transactionName,
		TotalMicros:      a.TotalMicros + b.TotalMicros,
		TransactionCount: a.TransactionCount + b.TransactionCount,
	}
}

// SortOrder selects the ranking applied to transaction summaries.
type SortOrder int

const (
	// SortByTotalTime orders by total duration, descending.
	SortByTotalTime SortOrder = iota

	// SortByAverageTime orders by average duration, descending.
	SortByAverageTime

	// SortByThroughput orders by transaction count, descending.
	SortByThroughput
)

// String returns the string representation of the sort order.
func (o SortOrder) String() string {
	switch o {
	case SortByTotalTime:
		return "total-time"
	case SortByAverageTime:
		return "average-time"
	case SortByThroughput:
		return "throughput"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// ParseSortOrder parses a string into a SortOrder.
func ParseSortOrder(s string) (SortOrder, error) {
	switch s {
	case "total-time":
		return SortByTotalTime, nil
	case "average-time":
		return SortByAverageTime, nil
	case "throughput":
		return SortByThroughput, nil
	default:
		return SortByTotalTime, fmt.Errorf("unknown sort order: %s", s)
	}
}

// SortSummaries sorts summaries by the given order, descending. Ties are
// broken by transaction name so the ordering is deterministic.
func SortSummaries(summaries []TransactionSummary, order SortOrder) {
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		switch order {
		case SortByAverageTime:
			if aa, bb := averageMicros(a), averageMicros(b); aa != bb {
				return aa > bb
			}
		case SortByThroughput:
			if a.TransactionCount != b.TransactionCount {
				return a.TransactionCount > b.TransactionCount
			}
		default:
			if a.TotalMicros != b.TotalMicros {
				return a.TotalMicros > b.TotalMicros
			}
		}
		return a.TransactionName < b.TransactionName
	})
}

func averageMicros(s TransactionSummary) float64 {
	if s.TransactionCount == 0 {
		return 0
	}
	return float64(s.TotalMicros) / float64(s.TransactionCount)
}
