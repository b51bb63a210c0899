package aggregate

import (
	"testing"
	"time"
)

func TestBucketCloseTime_Boundary(t *testing.T) {
	// A capture time exactly on a boundary belongs to the bucket ending
	// there, not the next one.
	if got := BucketCloseTime(120000, 60000); got != 120000 {
		t.Errorf("expected 120000, got %d", got)
	}
	if got := BucketCloseTime(120001, 60000); got != 180000 {
		t.Errorf("expected 180000, got %d", got)
	}
	if got := BucketCloseTime(1, 60000); got != 60000 {
		t.Errorf("expected 60000, got %d", got)
	}
}

func TestAccumulator_EmitsOnBucketChange(t *testing.T) {
	acc := NewAccumulator("Web", "", time.Minute)

	acc.Add(Aggregate{CaptureTime: 30000, TotalMicros: 10, TransactionCount: 1})
	acc.Add(Aggregate{CaptureTime: 60000, TotalMicros: 20, TransactionCount: 2})
	acc.Add(Aggregate{CaptureTime: 90000, TotalMicros: 5, TransactionCount: 1})

	closed := acc.Drain()
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed bucket, got %d", len(closed))
	}
	if closed[0].TotalMicros != 30 || closed[0].TransactionCount != 3 {
		t.Errorf("bucket totals = (%d, %d), want (30, 3)",
			closed[0].TotalMicros, closed[0].TransactionCount)
	}
	if closed[0].CaptureTime != 60000 {
		t.Errorf("bucket capture time = %d, want latest contributor 60000", closed[0].CaptureTime)
	}

	rest := acc.Flush()
	if len(rest) != 1 {
		t.Fatalf("expected 1 open bucket flushed, got %d", len(rest))
	}
	if rest[0].TotalMicros != 5 {
		t.Errorf("open bucket total = %d, want 5", rest[0].TotalMicros)
	}
}

func TestAccumulator_SameBucketOrderIndependent(t *testing.T) {
	inputs := []Aggregate{
		{CaptureTime: 10000, TotalMicros: 1, TransactionCount: 1, ErrorCount: 1},
		{CaptureTime: 30000, TotalMicros: 2, TransactionCount: 2},
		{CaptureTime: 50000, TotalMicros: 4, TransactionCount: 4},
	}
	perms := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}

	var results []Aggregate
	for _, p := range perms {
		acc := NewAccumulator("Web", "", time.Minute)
		for _, i := range p {
			acc.Add(inputs[i])
		}
		out := acc.Flush()
		if len(out) != 1 {
			t.Fatalf("expected a single bucket, got %d", len(out))
		}
		results = append(results, out[0])
	}

	for i := 1; i < len(results); i++ {
		a, b := results[0], results[i]
		if a.TotalMicros != b.TotalMicros || a.TransactionCount != b.TransactionCount ||
			a.ErrorCount != b.ErrorCount || a.CaptureTime != b.CaptureTime {
			t.Errorf("permutation %d differs: %+v vs %+v", i, a, b)
		}
	}
	if results[0].CaptureTime != 50000 {
		t.Errorf("capture time = %d, want latest contributor 50000", results[0].CaptureTime)
	}
}

func TestAccumulator_NeverEmitsEmptyBuckets(t *testing.T) {
	acc := NewAccumulator("Web", "", time.Minute)

	// Two inputs several bucket widths apart; the gap buckets must not
	// appear in the output.
	acc.Add(Aggregate{CaptureTime: 60000, TransactionCount: 1})
	acc.Add(Aggregate{CaptureTime: 600000, TransactionCount: 1})

	out := acc.Flush()
	if len(out) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(out))
	}
	for _, agg := range out {
		if agg.TransactionCount == 0 {
			t.Errorf("empty bucket emitted at capture time %d", agg.CaptureTime)
		}
	}
}

func TestAccumulator_FlushResets(t *testing.T) {
	acc := NewAccumulator("Web", "api", time.Minute)
	acc.Add(Aggregate{CaptureTime: 1000, TransactionCount: 1})
	if got := len(acc.Flush()); got != 1 {
		t.Fatalf("expected 1 bucket, got %d", got)
	}
	if got := len(acc.Flush()); got != 0 {
		t.Errorf("expected empty flush after reset, got %d", got)
	}
}

func TestAccumulator_MergesTimersAndHistograms(t *testing.T) {
	acc := NewAccumulator("Web", "", time.Minute)

	h1 := NewHistogram()
	h1.Add(100)
	h2 := NewHistogram()
	h2.Add(300)

	acc.Add(Aggregate{
		CaptureTime: 10000, TransactionCount: 1, Histogram: h1,
		Timers: &TimerNode{Name: "root", TotalMicros: 100, Count: 1},
	})
	acc.Add(Aggregate{
		CaptureTime: 20000, TransactionCount: 1, Histogram: h2,
		Timers: &TimerNode{Name: "root", TotalMicros: 300, Count: 1},
	})

	out := acc.Flush()
	if len(out) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(out))
	}
	if out[0].Timers == nil || out[0].Timers.TotalMicros != 400 || out[0].Timers.Count != 2 {
		t.Errorf("merged timers = %+v, want total 400 count 2", out[0].Timers)
	}
	if out[0].Histogram.Count() != 2 {
		t.Errorf("merged histogram count = %d, want 2", out[0].Histogram.Count())
	}
}

func TestQueryAccumulator_MergesByStatement(t *testing.T) {
	acc := NewQueryAccumulator("Web", "", time.Minute)
	acc.Add(QueryAggregate{
		CaptureTime: 10000,
		Queries:     []QueryStats{{QueryType: "SQL", QueryText: "select 1", TotalMicros: 5, ExecutionCount: 1}},
	})
	acc.Add(QueryAggregate{
		CaptureTime: 20000,
		Queries:     []QueryStats{{QueryType: "SQL", QueryText: "select 1", TotalMicros: 7, ExecutionCount: 2}},
	})

	out := acc.Flush()
	if len(out) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(out))
	}
	if len(out[0].Queries) != 1 {
		t.Fatalf("expected merged statement, got %d", len(out[0].Queries))
	}
	q := out[0].Queries[0]
	if q.TotalMicros != 12 || q.ExecutionCount != 3 {
		t.Errorf("merged stats = %+v, want total 12 executions 3", q)
	}
}

func TestProfileAccumulator_MergesTrees(t *testing.T) {
	acc := NewProfileAccumulator("Web", "", time.Minute)
	acc.Add(ProfileAggregate{
		CaptureTime: 10000,
		Profile:     &ProfileNode{SampleCount: 2, Children: []*ProfileNode{{Label: "a", SampleCount: 2}}},
	})
	acc.Add(ProfileAggregate{
		CaptureTime: 20000,
		Profile:     &ProfileNode{SampleCount: 3, Children: []*ProfileNode{{Label: "a", SampleCount: 3}}},
	})

	out := acc.Flush()
	if len(out) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(out))
	}
	root := out[0].Profile
	if root.SampleCount != 5 {
		t.Errorf("root sample count = %d, want 5", root.SampleCount)
	}
	if len(root.Children) != 1 || root.Children[0].SampleCount != 5 {
		t.Errorf("child merge wrong: %+v", root.Children)
	}
}
