package query

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/beacon/internal/aggregate"
	errs "github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/live"
	"github.com/xtxerr/beacon/internal/storage"
)

// fakeStore is a scripted RollupStore that records the ranges it was
// asked for, so tests can observe the live/durable boundary.
type fakeStore struct {
	threshold time.Duration

	overallSummary  aggregate.TransactionSummary
	summaries       storage.SummaryResult
	aggregates      map[int][]aggregate.Aggregate // by rollup level
	queryAggregates map[int][]aggregate.QueryAggregate
	profileAggs     map[int][]aggregate.ProfileAggregate
	haveTraces      bool
	haveErrorTraces bool

	calls []readCall
}

type readCall struct {
	op    string
	from  int64
	to    int64
	level int
}

func (s *fakeStore) record(op string, from, to int64, level int) {
	s.calls = append(s.calls, readCall{op, from, to, level})
}

func (s *fakeStore) inRange(from, to, t int64) bool { return t >= from && t <= to }

func (s *fakeStore) ReadOverallSummary(_ context.Context, _, _ string, from, to int64) (aggregate.TransactionSummary, error) {
	s.record("overall-summary", from, to, 0)
	return s.overallSummary, nil
}

func (s *fakeStore) ReadTransactionSummaries(_ context.Context, q storage.SummaryQuery) (storage.SummaryResult, error) {
	s.record("transaction-summaries", q.From, q.To, 0)
	return s.summaries, nil
}

func (s *fakeStore) ReadOverallAggregates(_ context.Context, _, _ string, from, to int64, level int) ([]aggregate.Aggregate, error) {
	s.record("overall-aggregates", from, to, level)
	var out []aggregate.Aggregate
	for _, a := range s.aggregates[level] {
		if s.inRange(from, to, a.CaptureTime) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ReadTransactionAggregates(_ context.Context, _, _, name string, from, to int64, level int) ([]aggregate.Aggregate, error) {
	if name == "" {
		return nil, errs.NewContractViolation("transaction name required")
	}
	return s.ReadOverallAggregates(nil, "", "", from, to, level)
}

func (s *fakeStore) ReadQueryAggregates(_ context.Context, _, _, _ string, from, to int64, level int) ([]aggregate.QueryAggregate, error) {
	s.record("query-aggregates", from, to, level)
	var out []aggregate.QueryAggregate
	for _, a := range s.queryAggregates[level] {
		if s.inRange(from, to, a.CaptureTime) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ReadProfileAggregates(_ context.Context, _, _, _ string, from, to int64, level int) ([]aggregate.ProfileAggregate, error) {
	s.record("profile-aggregates", from, to, level)
	var out []aggregate.ProfileAggregate
	for _, a := range s.profileAggs[level] {
		if s.inRange(from, to, a.CaptureTime) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) ShouldHaveTraces(_ context.Context, _, _, _ string, from, to int64) (bool, error) {
	s.record("should-have-traces", from, to, 0)
	return s.haveTraces, nil
}

func (s *fakeStore) ShouldHaveErrorTraces(_ context.Context, _, _, _ string, from, to int64) (bool, error) {
	s.record("should-have-error-traces", from, to, 0)
	return s.haveErrorTraces, nil
}

func (s *fakeStore) RollupThreshold() time.Duration {
	if s.threshold == 0 {
		return time.Hour
	}
	return s.threshold
}

func liveInterval(t *testing.T, endTime int64, txs ...live.Transaction) *live.Interval {
	t.Helper()
	c := live.NewCollector(endTime)
	for _, tx := range txs {
		if err := c.AddTransaction(tx); err != nil {
			t.Fatalf("add transaction: %v", err)
		}
	}
	return c.Build()
}

func newTestEngine(store *fakeStore) (*Engine, *live.BufferSet) {
	buffers := live.NewBufferSet(0)
	engine := NewEngine(store, buffers, Config{
		RollupInterval:     5 * time.Minute,
		MaxQueryAggregates: 2,
	})
	return engine, buffers
}

func TestOverallSummary_CombinesTiers(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{overallSummary: aggregate.TransactionSummary{TotalMicros: 100, TransactionCount: 10}}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 600000,
		live.Transaction{TransactionType: "Web", TransactionName: "/x", DurationMicros: 50},
	))

	got, err := engine.OverallSummary(ctx, "a", "Web", 0, 600000)
	if err != nil {
		t.Fatalf("overall summary: %v", err)
	}
	if got.TotalMicros != 150 || got.TransactionCount != 11 {
		t.Errorf("summary = %+v, want total 150 count 11", got)
	}
}

func TestOverallSummary_RevisesDurableBound(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 540000,
		live.Transaction{TransactionType: "Web", DurationMicros: 1}))
	buffers.Add([]string{"a"}, liveInterval(t, 600000,
		live.Transaction{TransactionType: "Web", DurationMicros: 1}))

	if _, err := engine.OverallSummary(ctx, "a", "Web", 0, 600000); err != nil {
		t.Fatalf("overall summary: %v", err)
	}

	if len(store.calls) != 1 {
		t.Fatalf("expected 1 store read, got %d", len(store.calls))
	}
	// Durable read must stop one millisecond before the earliest live
	// interval so nothing is counted twice.
	if store.calls[0].to != 539999 {
		t.Errorf("durable read to = %d, want 539999", store.calls[0].to)
	}
}

func TestOverallSummary_NoLiveReadsFullRange(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	engine, _ := newTestEngine(store)

	if _, err := engine.OverallSummary(ctx, "a", "Web", 100, 200); err != nil {
		t.Fatalf("overall summary: %v", err)
	}
	if store.calls[0].from != 100 || store.calls[0].to != 200 {
		t.Errorf("durable range = [%d, %d], want [100, 200]", store.calls[0].from, store.calls[0].to)
	}
}

func TestTransactionSummaries_MergesAndRanks(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{summaries: storage.SummaryResult{Records: []aggregate.TransactionSummary{
		{TransactionName: "/slow", TotalMicros: 500, TransactionCount: 1},
		{TransactionName: "/shared", TotalMicros: 100, TransactionCount: 2},
	}}}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 600000,
		live.Transaction{TransactionType: "Web", TransactionName: "/shared", DurationMicros: 450},
		live.Transaction{TransactionType: "Web", TransactionName: "/live-only", DurationMicros: 10},
	))

	got, err := engine.TransactionSummaries(ctx, storage.SummaryQuery{
		AgentRollupID: "a", TransactionType: "Web",
		From: 0, To: 600000, SortOrder: aggregate.SortByTotalTime,
	})
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(got.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(got.Records))
	}
	// /shared merges both tiers: 100+450 = 550, ahead of /slow's 500.
	if got.Records[0].TransactionName != "/shared" || got.Records[0].TotalMicros != 550 {
		t.Errorf("first record = %+v, want merged /shared at 550", got.Records[0])
	}
	if got.Records[1].TransactionName != "/slow" {
		t.Errorf("second record = %+v", got.Records[1])
	}
	if got.MoreAvailable {
		t.Error("nothing was truncated")
	}
}

func TestTransactionSummaries_TruncationForcesMoreAvailable(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{summaries: storage.SummaryResult{Records: []aggregate.TransactionSummary{
		{TransactionName: "/a", TotalMicros: 300, TransactionCount: 1},
		{TransactionName: "/b", TotalMicros: 200, TransactionCount: 1},
	}}}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 600000,
		live.Transaction{TransactionType: "Web", TransactionName: "/c", DurationMicros: 100},
	))

	got, err := engine.TransactionSummaries(ctx, storage.SummaryQuery{
		AgentRollupID: "a", TransactionType: "Web",
		From: 0, To: 600000, SortOrder: aggregate.SortByTotalTime, Limit: 2,
	})
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(got.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(got.Records))
	}
	if !got.MoreAvailable {
		t.Error("truncation must force MoreAvailable even when the store reported none")
	}
}

func TestAggregates_LevelZeroAppendsLive(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{aggregates: map[int][]aggregate.Aggregate{
		0: {{CaptureTime: 60000, TotalMicros: 10, TransactionCount: 1}},
	}}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 120000,
		live.Transaction{TransactionType: "Web", DurationMicros: 7}))

	// Range well inside the one hour threshold: level 0, no folding.
	got, err := engine.Aggregates(ctx, "a", "Web", "", 0, 120000)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("aggregates = %d, want durable + live", len(got))
	}
	if got[0].CaptureTime != 60000 || got[1].CaptureTime != 120000 {
		t.Errorf("capture order = %d, %d", got[0].CaptureTime, got[1].CaptureTime)
	}
	if got[1].TotalMicros != 7 {
		t.Errorf("live aggregate total = %d, want 7", got[1].TotalMicros)
	}
	for _, c := range store.calls {
		if c.level != 0 {
			t.Errorf("unexpected level %d read", c.level)
		}
	}
}

func TestAggregates_LiveOnlyRangeReturnsLiveUnmodified(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 60000,
		live.Transaction{TransactionType: "Web", TransactionName: "/x", DurationMicros: 42, Error: true}))
	buffers.Add([]string{"a"}, liveInterval(t, 120000,
		live.Transaction{TransactionType: "Web", TransactionName: "/x", DurationMicros: 8}))

	got, err := engine.Aggregates(ctx, "a", "Web", "/x", 60000, 120000)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("aggregates = %d, want exactly the live intervals", len(got))
	}
	if got[0].CaptureTime != 60000 || got[0].TotalMicros != 42 || got[0].ErrorCount != 1 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].CaptureTime != 120000 || got[1].TotalMicros != 8 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestAggregates_LevelOneFoldsTail(t *testing.T) {
	ctx := context.Background()
	const hour = int64(3600000)
	store := &fakeStore{
		aggregates: map[int][]aggregate.Aggregate{
			1: {{CaptureTime: hour, TotalMicros: 100, TransactionCount: 10}},
			0: {
				// Two level-0 buckets past the last stored rollup,
				// inside the same five minute level-1 bucket.
				{CaptureTime: hour + 60000, TotalMicros: 5, TransactionCount: 1},
				{CaptureTime: hour + 120000, TotalMicros: 6, TransactionCount: 1},
			},
		},
	}
	engine, _ := newTestEngine(store)

	// Two hour range: above the threshold, so level 1 serves it.
	got, err := engine.Aggregates(ctx, "a", "Web", "", 0, 2*hour)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("aggregates = %d, want stored rollup + folded tail", len(got))
	}
	tail := got[1]
	if tail.TotalMicros != 11 || tail.TransactionCount != 2 {
		t.Errorf("folded tail = %+v, want total 11 count 2", tail)
	}
	if tail.CaptureTime != hour+120000 {
		t.Errorf("tail capture time = %d, want latest contributor", tail.CaptureTime)
	}

	// The tail read must start right after the last stored rollup.
	last := store.calls[len(store.calls)-1]
	if last.level != 0 || last.from != hour+1 {
		t.Errorf("tail read = %+v, want level 0 from %d", last, hour+1)
	}
}

func TestAggregates_LevelOneFoldsLiveIntervals(t *testing.T) {
	ctx := context.Background()
	const hour = int64(3600000)
	store := &fakeStore{aggregates: map[int][]aggregate.Aggregate{
		1: {{CaptureTime: hour, TotalMicros: 100, TransactionCount: 10}},
	}}
	engine, buffers := newTestEngine(store)

	// Two live intervals inside the same five minute bucket.
	buffers.Add([]string{"a"}, liveInterval(t, hour+60000,
		live.Transaction{TransactionType: "Web", DurationMicros: 5}))
	buffers.Add([]string{"a"}, liveInterval(t, hour+120000,
		live.Transaction{TransactionType: "Web", DurationMicros: 6}))

	got, err := engine.Aggregates(ctx, "a", "Web", "", 0, 2*hour)
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	// A level-1 series must not mix bucket widths: the two live minutes
	// fold into a single level-1 bucket behind the stored rollup.
	if len(got) != 2 {
		t.Fatalf("aggregates = %d, want stored rollup + one folded live bucket", len(got))
	}
	folded := got[1]
	if folded.TotalMicros != 11 || folded.TransactionCount != 2 {
		t.Errorf("folded bucket = %+v, want total 11 count 2", folded)
	}
	if folded.CaptureTime != hour+120000 {
		t.Errorf("folded capture time = %d, want latest contributor %d", folded.CaptureTime, hour+120000)
	}
}

func TestMergedQueries_TruncatesToConfiguredMax(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{queryAggregates: map[int][]aggregate.QueryAggregate{
		0: {{CaptureTime: 60000, Queries: []aggregate.QueryStats{
			{QueryType: "SQL", QueryText: "q1", TotalMicros: 30},
			{QueryType: "SQL", QueryText: "q2", TotalMicros: 20},
			{QueryType: "SQL", QueryText: "q3", TotalMicros: 10},
		}}},
	}}
	engine, _ := newTestEngine(store)

	byType, truncated, err := engine.MergedQueries(ctx, "a", "Web", "", 0, 120000)
	if err != nil {
		t.Fatalf("merged queries: %v", err)
	}
	if !truncated {
		t.Error("expected truncation at the configured max of 2")
	}
	if len(byType["SQL"]) != 2 || byType["SQL"][0].QueryText != "q1" {
		t.Errorf("SQL statements = %+v", byType["SQL"])
	}
}

func TestMergedQueries_CombinesTiers(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{queryAggregates: map[int][]aggregate.QueryAggregate{
		0: {{CaptureTime: 60000, Queries: []aggregate.QueryStats{
			{QueryType: "SQL", QueryText: "select 1", TotalMicros: 5, ExecutionCount: 1},
		}}},
	}}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 120000, live.Transaction{
		TransactionType: "Web", TransactionName: "/x", DurationMicros: 1,
		Queries: []aggregate.QueryStats{{QueryType: "SQL", QueryText: "select 1", TotalMicros: 3, ExecutionCount: 2}},
	}))

	byType, _, err := engine.MergedQueries(ctx, "a", "Web", "", 0, 120000)
	if err != nil {
		t.Fatalf("merged queries: %v", err)
	}
	q := byType["SQL"][0]
	if q.TotalMicros != 8 || q.ExecutionCount != 3 {
		t.Errorf("merged statement = %+v, want total 8 executions 3", q)
	}
}

func TestProfile_MergesAndTruncates(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{profileAggs: map[int][]aggregate.ProfileAggregate{
		0: {{CaptureTime: 60000, Profile: &aggregate.ProfileNode{
			SampleCount: 100,
			Children: []*aggregate.ProfileNode{{Label: "main", SampleCount: 100, Children: []*aggregate.ProfileNode{
				{Label: "hot", SampleCount: 95},
				{Label: "cold", SampleCount: 5},
			}}},
		}}},
	}}
	engine, _ := newTestEngine(store)

	root, err := engine.Profile(ctx, "a", "Web", "", 0, 120000, 0.1)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if root.SampleCount != 100 {
		t.Errorf("root samples = %d", root.SampleCount)
	}
	main := root.Children[0]
	if len(main.Children) != 1 || main.Children[0].Label != "hot" {
		t.Errorf("pruning failed: %+v", main.Children)
	}
	if !main.Ellipsed {
		t.Error("pruned parent must be flagged ellipsed")
	}
}

func TestShouldHaveTraces_LiveShortCircuit(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{haveTraces: false}
	engine, buffers := newTestEngine(store)

	buffers.Add([]string{"a"}, liveInterval(t, 60000, live.Transaction{
		TransactionType: "Web", DurationMicros: 1, TraceStored: true,
	}))

	ok, err := engine.ShouldHaveTraces(ctx, "a", "Web", "", 0, 60000)
	if err != nil {
		t.Fatalf("should have traces: %v", err)
	}
	if !ok {
		t.Error("live trace count must satisfy the check without a durable row")
	}
	if len(store.calls) != 0 {
		t.Errorf("store consulted despite live hit: %+v", store.calls)
	}
}

func TestShouldHaveErrorTraces_Passthrough(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{haveErrorTraces: true}
	engine, _ := newTestEngine(store)

	ok, err := engine.ShouldHaveErrorTraces(ctx, "a", "Web", "/x", 0, 60000)
	if err != nil || !ok {
		t.Errorf("got (%v, %v), want durable answer", ok, err)
	}
}
