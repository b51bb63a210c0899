package live

import (
	"testing"

	"github.com/xtxerr/beacon/internal/aggregate"
	errs "github.com/xtxerr/beacon/internal/errors"
)

func interval(t *testing.T, endTime int64, txs ...Transaction) *Interval {
	t.Helper()
	c := NewCollector(endTime)
	for _, tx := range txs {
		if err := c.AddTransaction(tx); err != nil {
			t.Fatalf("add transaction: %v", err)
		}
	}
	return c.Build()
}

func TestCollector_FoldsOverallAndNamed(t *testing.T) {
	iv := interval(t, 60000,
		Transaction{TransactionType: "Web", TransactionName: "/users", DurationMicros: 100},
		Transaction{TransactionType: "Web", TransactionName: "/orders", DurationMicros: 50, Error: true},
		Transaction{TransactionType: "Web", TransactionName: "/users", DurationMicros: 20},
	)

	overall, ok := iv.LiveOverallSummary("Web")
	if !ok {
		t.Fatal("expected overall summary")
	}
	if overall.TotalMicros != 170 || overall.TransactionCount != 3 {
		t.Errorf("overall = %+v, want total 170 count 3", overall)
	}

	agg, ok := iv.LiveAggregate("Web", "/users")
	if !ok {
		t.Fatal("expected /users aggregate")
	}
	if agg.TotalMicros != 120 || agg.TransactionCount != 2 {
		t.Errorf("/users = %+v", agg)
	}
	if agg.CaptureTime != 60000 {
		t.Errorf("capture time = %d, want interval end", agg.CaptureTime)
	}

	orders, _ := iv.LiveAggregate("Web", "/orders")
	if orders.ErrorCount != 1 {
		t.Errorf("/orders error count = %d, want 1", orders.ErrorCount)
	}
}

func TestCollector_RequiresTransactionType(t *testing.T) {
	c := NewCollector(1000)
	err := c.AddTransaction(Transaction{TransactionName: "/x"})
	if !errs.IsContractViolation(err) {
		t.Errorf("expected contract violation, got %v", err)
	}
}

func TestCollector_SealedAfterBuild(t *testing.T) {
	c := NewCollector(1000)
	c.Build()
	err := c.AddTransaction(Transaction{TransactionType: "Web"})
	if !errs.Is(err, errs.ErrIntervalSealed) {
		t.Errorf("expected sealed error, got %v", err)
	}
}

func TestCollector_QueriesAndProfiles(t *testing.T) {
	iv := interval(t, 60000,
		Transaction{
			TransactionType: "Web", TransactionName: "/users", DurationMicros: 10,
			Queries: []aggregate.QueryStats{{QueryType: "SQL", QueryText: "select 1", TotalMicros: 3, ExecutionCount: 1}},
			Profile: &aggregate.ProfileNode{SampleCount: 2, Children: []*aggregate.ProfileNode{{Label: "main", SampleCount: 2}}},
		},
	)

	q, ok := iv.LiveQueryAggregate("Web", "/users")
	if !ok || len(q.Queries) != 1 {
		t.Fatalf("query aggregate = %+v, ok=%v", q, ok)
	}
	p, ok := iv.LiveProfileAggregate("Web", "/users")
	if !ok || p.Profile.SampleCount != 2 {
		t.Fatalf("profile aggregate = %+v, ok=%v", p, ok)
	}
	if _, ok := iv.LiveQueryAggregate("Web", "/none"); ok {
		t.Error("unexpected query aggregate for unknown name")
	}
}

func TestBuffer_RangeAndEviction(t *testing.T) {
	b := NewBuffer(0)
	for _, end := range []int64{60000, 120000, 180000} {
		b.Add(interval(t, end, Transaction{TransactionType: "Web", DurationMicros: 1}))
	}

	got := b.OrderedIntervalCollectorsInRange(60000, 120000)
	if len(got) != 2 {
		t.Fatalf("expected 2 intervals in range, got %d", len(got))
	}
	if got[0].EndTime() != 60000 || got[1].EndTime() != 120000 {
		t.Errorf("range order wrong: %d, %d", got[0].EndTime(), got[1].EndTime())
	}

	b.RemoveThrough(120000)
	if b.Len() != 1 {
		t.Errorf("expected 1 interval after eviction, got %d", b.Len())
	}
	if rest := b.OrderedIntervalCollectorsInRange(0, 1<<62); rest[0].EndTime() != 180000 {
		t.Errorf("survivor = %d, want 180000", rest[0].EndTime())
	}
}

func TestBuffer_OutOfOrderAddKeepsOrder(t *testing.T) {
	b := NewBuffer(0)
	b.Add(interval(t, 120000, Transaction{TransactionType: "Web"}))
	b.Add(interval(t, 60000, Transaction{TransactionType: "Web"}))

	got := b.OrderedIntervalCollectorsInRange(0, 1<<62)
	if got[0].EndTime() != 60000 || got[1].EndTime() != 120000 {
		t.Errorf("order = %d, %d", got[0].EndTime(), got[1].EndTime())
	}
}

func TestBuffer_CapacityDropsOldest(t *testing.T) {
	b := NewBuffer(2)
	for _, end := range []int64{60000, 120000, 180000} {
		b.Add(interval(t, end, Transaction{TransactionType: "Web"}))
	}
	got := b.OrderedIntervalCollectorsInRange(0, 1<<62)
	if len(got) != 2 || got[0].EndTime() != 120000 {
		t.Errorf("expected the two newest intervals, got %d starting at %d", len(got), got[0].EndTime())
	}
}

func TestBufferSet_FansOutToAncestors(t *testing.T) {
	s := NewBufferSet(0)
	iv := interval(t, 60000, Transaction{TransactionType: "Web", DurationMicros: 5})
	s.Add([]string{"a/b/c", "a/b", "a"}, iv)

	for _, id := range []string{"a/b/c", "a/b", "a"} {
		got := s.OrderedIntervalCollectorsInRange(id, 0, 1<<62)
		if len(got) != 1 {
			t.Errorf("agent %q: expected 1 interval, got %d", id, len(got))
		}
	}
	if got := s.OrderedIntervalCollectorsInRange("other", 0, 1<<62); got != nil {
		t.Errorf("unknown agent should yield nil, got %d", len(got))
	}

	ids := s.AgentRollupIDs()
	if len(ids) != 3 || ids[0] != "a" {
		t.Errorf("ids = %v", ids)
	}
}

func TestInterval_AggregatesOrdered(t *testing.T) {
	iv := interval(t, 60000,
		Transaction{TransactionType: "Web", TransactionName: "/b", DurationMicros: 1},
		Transaction{TransactionType: "Web", TransactionName: "/a", DurationMicros: 1},
		Transaction{TransactionType: "Background", TransactionName: "job", DurationMicros: 1},
	)

	aggs := iv.Aggregates()
	// Two overall rows plus three named rows: Background overall,
	// Background job, Web overall, Web /a, Web /b.
	if len(aggs) != 5 {
		t.Fatalf("expected 5 aggregates, got %d", len(aggs))
	}
	if aggs[0].TransactionType != "Background" || aggs[0].TransactionName != "" {
		t.Errorf("first aggregate = %+v, want Background overall", aggs[0])
	}
	if aggs[3].TransactionName != "/a" || aggs[4].TransactionName != "/b" {
		t.Errorf("named order wrong: %q then %q", aggs[3].TransactionName, aggs[4].TransactionName)
	}
}
