package live

import (
	"sort"
	"sync"

	"github.com/xtxerr/beacon/internal/aggregate"
)

// Interval is one completed live interval: the sealed aggregates of a
// short fixed bucket that has closed but is not yet durable. Immutable.
type Interval struct {
	endTime     int64
	aggregates  map[entryKey]aggregate.Aggregate
	queryAggs   map[entryKey]aggregate.QueryAggregate
	profileAggs map[entryKey]aggregate.ProfileAggregate
}

// EndTime returns the close of the interval, epoch milliseconds.
func (iv *Interval) EndTime() int64 {
	return iv.endTime
}

// LiveOverallSummary returns the overall summary of a transaction type,
// or false if the interval saw no such transactions.
func (iv *Interval) LiveOverallSummary(transactionType string) (aggregate.TransactionSummary, bool) {
	agg, ok := iv.aggregates[entryKey{transactionType, ""}]
	if !ok {
		return aggregate.TransactionSummary{}, false
	}
	return aggregate.TransactionSummary{
		TotalMicros:      agg.TotalMicros,
		TransactionCount: agg.TransactionCount,
	}, true
}

// LiveTransactionSummaries returns the per-name summaries of a transaction
// type, unordered.
func (iv *Interval) LiveTransactionSummaries(transactionType string) []aggregate.TransactionSummary {
	var summaries []aggregate.TransactionSummary
	for key, agg := range iv.aggregates {
		if key.transactionType != transactionType || key.transactionName == "" {
			continue
		}
		summaries = append(summaries, aggregate.TransactionSummary{
			TransactionName:  key.transactionName,
			TotalMicros:      agg.TotalMicros,
			TransactionCount: agg.TransactionCount,
		})
	}
	return summaries
}

// LiveAggregate returns the interval's aggregate for a transaction type
// and name (empty name for overall), or false if absent.
func (iv *Interval) LiveAggregate(transactionType, transactionName string) (aggregate.Aggregate, bool) {
	agg, ok := iv.aggregates[entryKey{transactionType, transactionName}]
	return agg, ok
}

// LiveQueryAggregate returns the interval's query aggregate, or false if
// the interval recorded no query statements for the pair.
func (iv *Interval) LiveQueryAggregate(transactionType, transactionName string) (aggregate.QueryAggregate, bool) {
	agg, ok := iv.queryAggs[entryKey{transactionType, transactionName}]
	return agg, ok
}

// LiveProfileAggregate returns the interval's profile aggregate, or false
// if the interval recorded no profile samples for the pair.
func (iv *Interval) LiveProfileAggregate(transactionType, transactionName string) (aggregate.ProfileAggregate, bool) {
	agg, ok := iv.profileAggs[entryKey{transactionType, transactionName}]
	return agg, ok
}

// Aggregates returns every aggregate of the interval, ordered by
// transaction type then name. Overall aggregates have an empty name.
func (iv *Interval) Aggregates() []aggregate.Aggregate {
	out := make([]aggregate.Aggregate, 0, len(iv.aggregates))
	for _, agg := range iv.aggregates {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionType != out[j].TransactionType {
			return out[i].TransactionType < out[j].TransactionType
		}
		return out[i].TransactionName < out[j].TransactionName
	})
	return out
}

// QueryAggregates returns every query aggregate of the interval, ordered
// by transaction type then name.
func (iv *Interval) QueryAggregates() []aggregate.QueryAggregate {
	out := make([]aggregate.QueryAggregate, 0, len(iv.queryAggs))
	for _, agg := range iv.queryAggs {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionType != out[j].TransactionType {
			return out[i].TransactionType < out[j].TransactionType
		}
		return out[i].TransactionName < out[j].TransactionName
	})
	return out
}

// ProfileAggregates returns every profile aggregate of the interval,
// ordered by transaction type then name.
func (iv *Interval) ProfileAggregates() []aggregate.ProfileAggregate {
	out := make([]aggregate.ProfileAggregate, 0, len(iv.profileAggs))
	for _, agg := range iv.profileAggs {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionType != out[j].TransactionType {
			return out[i].TransactionType < out[j].TransactionType
		}
		return out[i].TransactionName < out[j].TransactionName
	})
	return out
}

// Buffer holds the completed live intervals of one agent rollup. It is
// appended to by ingestion and read concurrently by queries; a reader
// sees a fully completed interval or none of it.
type Buffer struct {
	mu           sync.RWMutex
	intervals    []*Interval // ordered by end time
	maxIntervals int
}

// NewBuffer creates a buffer retaining at most maxIntervals completed
// intervals (zero means unbounded).
func NewBuffer(maxIntervals int) *Buffer {
	return &Buffer{maxIntervals: maxIntervals}
}

// Add appends a completed interval, keeping end time order. The oldest
// interval is dropped if the buffer is at capacity.
func (b *Buffer) Add(iv *Interval) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.intervals)
	if n == 0 || b.intervals[n-1].endTime <= iv.endTime {
		b.intervals = append(b.intervals, iv)
	} else {
		i := sort.Search(n, func(i int) bool {
			return b.intervals[i].endTime > iv.endTime
		})
		b.intervals = append(b.intervals, nil)
		copy(b.intervals[i+1:], b.intervals[i:])
		b.intervals[i] = iv
	}

	if b.maxIntervals > 0 && len(b.intervals) > b.maxIntervals {
		b.intervals = b.intervals[len(b.intervals)-b.maxIntervals:]
	}
}

// OrderedIntervalCollectorsInRange returns the completed intervals whose
// end time falls in [from, to], ordered by end time.
func (b *Buffer) OrderedIntervalCollectorsInRange(from, to int64) []*Interval {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Interval
	for _, iv := range b.intervals {
		if iv.endTime >= from && iv.endTime <= to {
			out = append(out, iv)
		}
	}
	return out
}

// RemoveThrough drops intervals with end time <= endTime; the rollup
// writer calls this once those intervals are durable.
func (b *Buffer) RemoveThrough(endTime int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := 0
	for i < len(b.intervals) && b.intervals[i].endTime <= endTime {
		i++
	}
	if i > 0 {
		b.intervals = append([]*Interval(nil), b.intervals[i:]...)
	}
}

// Len returns the number of retained intervals.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.intervals)
}

// BufferSet maps agent rollup ids to their live buffers. Ingestion adds a
// completed interval under the reporting agent and every ancestor rollup.
type BufferSet struct {
	mu           sync.RWMutex
	buffers      map[string]*Buffer
	maxIntervals int
}

// NewBufferSet creates an empty buffer set; maxIntervals bounds each
// per-agent buffer.
func NewBufferSet(maxIntervals int) *BufferSet {
	return &BufferSet{
		buffers:      make(map[string]*Buffer),
		maxIntervals: maxIntervals,
	}
}

// ForAgent returns the buffer of an agent rollup id, creating it if absent.
func (s *BufferSet) ForAgent(agentRollupID string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[agentRollupID]
	if !ok {
		b = NewBuffer(s.maxIntervals)
		s.buffers[agentRollupID] = b
	}
	return b
}

// Get returns the buffer of an agent rollup id if one exists.
func (s *BufferSet) Get(agentRollupID string) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[agentRollupID]
	return b, ok
}

// Add appends a completed interval under every given agent rollup id.
func (s *BufferSet) Add(agentRollupIDs []string, iv *Interval) {
	for _, id := range agentRollupIDs {
		s.ForAgent(id).Add(iv)
	}
}

// AgentRollupIDs returns the ids with buffers, sorted.
func (s *BufferSet) AgentRollupIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OrderedIntervalCollectorsInRange returns the intervals of one agent
// rollup whose end time falls in [from, to], ordered by end time. A
// missing buffer yields nil; absent live data is not an error.
func (s *BufferSet) OrderedIntervalCollectorsInRange(agentRollupID string, from, to int64) []*Interval {
	b, ok := s.Get(agentRollupID)
	if !ok {
		return nil
	}
	return b.OrderedIntervalCollectorsInRange(from, to)
}
