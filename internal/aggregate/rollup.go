package aggregate

import "time"

// BucketCloseTime returns the close of the fixed-width bucket that
// captureTime falls in. Buckets are right-closed: a capture time exactly
// on a boundary belongs to the bucket ending there, not the next one.
func BucketCloseTime(captureTime, bucketMillis int64) int64 {
	if bucketMillis <= 0 {
		return captureTime
	}
	return ((captureTime + bucketMillis - 1) / bucketMillis) * bucketMillis
}

// Accumulator is a streaming fold that merges an ordered sequence of fine
// aggregates into fixed-width coarse buckets. Inputs must arrive in
// non-decreasing capture time order. On bucket change the previous bucket
// is emitted; the final open bucket is emitted by Flush. Empty buckets are
// never emitted.
//
// Within a bucket, numeric fields are summed and timer trees and
// histograms merged with commutative, associative operations, so the
// result is independent of the order of same-bucket inputs. The bucket's
// capture time is the latest contributing input's capture time.
//
// An Accumulator is mutable fold state threaded through one pass; it is
// not safe for concurrent use.
type Accumulator struct {
	transactionType string
	transactionName string
	bucketMillis    int64

	completed  []Aggregate
	curr       *Aggregate
	currBucket int64
}

// NewAccumulator creates an accumulator producing buckets of the given
// width for one transaction type and optional transaction name.
func NewAccumulator(transactionType, transactionName string, bucketWidth time.Duration) *Accumulator {
	return &Accumulator{
		transactionType: transactionType,
		transactionName: transactionName,
		bucketMillis:    bucketWidth.Milliseconds(),
	}
}

// Add folds one aggregate into the current bucket, emitting the previous
// bucket if agg opens a new one.
func (a *Accumulator) Add(agg Aggregate) {
	bucket := BucketCloseTime(agg.CaptureTime, a.bucketMillis)
	if a.curr != nil && bucket != a.currBucket {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	if a.curr == nil {
		a.curr = &Aggregate{
			TransactionType: a.transactionType,
			TransactionName: a.transactionName,
		}
		a.currBucket = bucket
	}

	if agg.CaptureTime > a.curr.CaptureTime {
		a.curr.CaptureTime = agg.CaptureTime
	}
	a.curr.TotalMicros += agg.TotalMicros
	a.curr.ErrorCount += agg.ErrorCount
	a.curr.TransactionCount += agg.TransactionCount
	a.curr.TotalCPUMicros += agg.TotalCPUMicros
	a.curr.TotalBlockedMicros += agg.TotalBlockedMicros
	a.curr.TotalWaitedMicros += agg.TotalWaitedMicros
	a.curr.TotalAllocatedBytes += agg.TotalAllocatedBytes
	a.curr.TraceCount += agg.TraceCount
	a.curr.Timers = MergeTimers(a.curr.Timers, agg.Timers)
	a.curr.Histogram = a.curr.Histogram.Merge(agg.Histogram)
}

// Flush emits the final open bucket and returns every completed bucket in
// capture time order. The accumulator is reset for reuse.
func (a *Accumulator) Flush() []Aggregate {
	if a.curr != nil {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	out := a.completed
	a.completed = nil
	return out
}

// Drain returns buckets already closed by later inputs without emitting
// the open one. Used by the background writer to persist closed buckets
// while the newest bucket is still filling.
func (a *Accumulator) Drain() []Aggregate {
	out := a.completed
	a.completed = nil
	return out
}

// QueryAccumulator is the streaming fold for query aggregates, with the
// same bucket assignment as Accumulator. Per-statement stats of same-bucket
// inputs are merged by (query type, query text).
type QueryAccumulator struct {
	transactionType string
	transactionName string
	bucketMillis    int64

	completed  []QueryAggregate
	curr       *QueryAggregate
	currBucket int64
}

// NewQueryAccumulator creates a query aggregate accumulator.
func NewQueryAccumulator(transactionType, transactionName string, bucketWidth time.Duration) *QueryAccumulator {
	return &QueryAccumulator{
		transactionType: transactionType,
		transactionName: transactionName,
		bucketMillis:    bucketWidth.Milliseconds(),
	}
}

// Add folds one query aggregate into the current bucket.
func (a *QueryAccumulator) Add(agg QueryAggregate) {
	bucket := BucketCloseTime(agg.CaptureTime, a.bucketMillis)
	if a.curr != nil && bucket != a.currBucket {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	if a.curr == nil {
		a.curr = &QueryAggregate{
			TransactionType: a.transactionType,
			TransactionName: a.transactionName,
		}
		a.currBucket = bucket
	}
	if agg.CaptureTime > a.curr.CaptureTime {
		a.curr.CaptureTime = agg.CaptureTime
	}
	a.curr.Queries = mergeQueryStats(a.curr.Queries, agg.Queries)
}

// Flush emits the final open bucket and returns every completed bucket.
func (a *QueryAccumulator) Flush() []QueryAggregate {
	if a.curr != nil {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	out := a.completed
	a.completed = nil
	return out
}

// Drain returns buckets already closed by later inputs.
func (a *QueryAccumulator) Drain() []QueryAggregate {
	out := a.completed
	a.completed = nil
	return out
}

// ProfileAccumulator is the streaming fold for profile aggregates, with
// the same bucket assignment as Accumulator. Same-bucket profile trees are
// merged node-wise.
type ProfileAccumulator struct {
	transactionType string
	transactionName string
	bucketMillis    int64

	completed  []ProfileAggregate
	curr       *ProfileAggregate
	currBucket int64
}

// NewProfileAccumulator creates a profile aggregate accumulator.
func NewProfileAccumulator(transactionType, transactionName string, bucketWidth time.Duration) *ProfileAccumulator {
	return &ProfileAccumulator{
		transactionType: transactionType,
		transactionName: transactionName,
		bucketMillis:    bucketWidth.Milliseconds(),
	}
}

// Add folds one profile aggregate into the current bucket.
func (a *ProfileAccumulator) Add(agg ProfileAggregate) {
	bucket := BucketCloseTime(agg.CaptureTime, a.bucketMillis)
	if a.curr != nil && bucket != a.currBucket {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	if a.curr == nil {
		a.curr = &ProfileAggregate{
			TransactionType: a.transactionType,
			TransactionName: a.transactionName,
			Profile:         &ProfileNode{},
		}
		a.currBucket = bucket
	}
	if agg.CaptureTime > a.curr.CaptureTime {
		a.curr.CaptureTime = agg.CaptureTime
	}
	if agg.Profile != nil {
		mergeProfileInto(a.curr.Profile, agg.Profile)
	}
}

// Flush emits the final open bucket and returns every completed bucket.
func (a *ProfileAccumulator) Flush() []ProfileAggregate {
	if a.curr != nil {
		a.completed = append(a.completed, *a.curr)
		a.curr = nil
	}
	out := a.completed
	a.completed = nil
	return out
}

// Drain returns buckets already closed by later inputs.
func (a *ProfileAccumulator) Drain() []ProfileAggregate {
	out := a.completed
	a.completed = nil
	return out
}
