// Package live holds the in-memory live tier: completed-but-not-yet-durable
// short-interval aggregates, written by ingestion and read by queries.
package live

import (
	"sync"

	"github.com/xtxerr/beacon/internal/aggregate"
	errs "github.com/xtxerr/beacon/internal/errors"
)

// Transaction is one completed transaction observation reported by an
// agent, as consumed by the live tier.
type Transaction struct {
	TransactionType string
	TransactionName string

	DurationMicros int64
	CPUMicros      int64
	BlockedMicros  int64
	WaitedMicros   int64
	AllocatedBytes int64

	// Error marks a failed transaction.
	Error bool

	// TraceStored marks that a full trace was captured for this
	// transaction.
	TraceStored bool

	Timers  *aggregate.TimerNode
	Queries []aggregate.QueryStats
	Profile *aggregate.ProfileNode
}

type entryKey struct {
	transactionType string
	transactionName string // empty for overall
}

// entry accumulates one (type, name) pair within an open interval.
type entry struct {
	totalMicros         int64
	errorCount          int64
	transactionCount    int64
	totalCPUMicros      int64
	totalBlockedMicros  int64
	totalWaitedMicros   int64
	totalAllocatedBytes int64
	traceCount          int64
	timers              *aggregate.TimerNode
	histogram           *aggregate.Histogram
	queries             []aggregate.QueryStats
	profile             *aggregate.ProfileNode
}

// Collector accumulates the transactions of one open live interval.
// Build seals it into an immutable Interval; a sealed collector rejects
// further writes.
type Collector struct {
	mu      sync.Mutex
	endTime int64
	sealed  bool
	entries map[entryKey]*entry
}

// NewCollector creates a collector for the interval closing at endTime
// (epoch milliseconds).
func NewCollector(endTime int64) *Collector {
	return &Collector{
		endTime: endTime,
		entries: make(map[entryKey]*entry),
	}
}

// EndTime returns the close of the interval being collected.
func (c *Collector) EndTime() int64 {
	return c.endTime
}

// AddTransaction folds one transaction into the interval, contributing to
// both the overall entry of its type and the entry of its name.
func (c *Collector) AddTransaction(tx Transaction) error {
	if tx.TransactionType == "" {
		return errs.NewContractViolation("transaction type required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return errs.ErrIntervalSealed
	}

	c.fold(entryKey{tx.TransactionType, ""}, tx)
	if tx.TransactionName != "" {
		c.fold(entryKey{tx.TransactionType, tx.TransactionName}, tx)
	}
	return nil
}

func (c *Collector) fold(key entryKey, tx Transaction) {
	e := c.entries[key]
	if e == nil {
		e = &entry{histogram: aggregate.NewHistogram()}
		c.entries[key] = e
	}

	e.totalMicros += tx.DurationMicros
	if tx.Error {
		e.errorCount++
	}
	e.transactionCount++
	e.totalCPUMicros += tx.CPUMicros
	e.totalBlockedMicros += tx.BlockedMicros
	e.totalWaitedMicros += tx.WaitedMicros
	e.totalAllocatedBytes += tx.AllocatedBytes
	if tx.TraceStored {
		e.traceCount++
	}
	e.histogram.Add(float64(tx.DurationMicros))
	e.timers = aggregate.MergeTimers(e.timers, tx.Timers)
	e.queries = mergeQueries(e.queries, tx.Queries)
	if tx.Profile != nil {
		merged := aggregate.MergeProfiles([]aggregate.ProfileAggregate{
			{Profile: e.profile},
			{Profile: tx.Profile},
		})
		e.profile = merged
	}
}

func mergeQueries(dst, src []aggregate.QueryStats) []aggregate.QueryStats {
	if len(src) == 0 {
		return dst
	}
	aggs := []aggregate.QueryAggregate{{Queries: dst}, {Queries: src}}
	byType, _ := aggregate.MergeQueries(aggs, 0)
	var out []aggregate.QueryStats
	for _, queries := range byType {
		out = append(out, queries...)
	}
	return out
}

// Build seals the collector and returns the completed interval.
func (c *Collector) Build() *Interval {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true

	iv := &Interval{
		endTime:     c.endTime,
		aggregates:  make(map[entryKey]aggregate.Aggregate, len(c.entries)),
		queryAggs:   make(map[entryKey]aggregate.QueryAggregate),
		profileAggs: make(map[entryKey]aggregate.ProfileAggregate),
	}
	for key, e := range c.entries {
		iv.aggregates[key] = aggregate.Aggregate{
			TransactionType:     key.transactionType,
			TransactionName:     key.transactionName,
			CaptureTime:         c.endTime,
			TotalMicros:         e.totalMicros,
			ErrorCount:          e.errorCount,
			TransactionCount:    e.transactionCount,
			TotalCPUMicros:      e.totalCPUMicros,
			TotalBlockedMicros:  e.totalBlockedMicros,
			TotalWaitedMicros:   e.totalWaitedMicros,
			TotalAllocatedBytes: e.totalAllocatedBytes,
			TraceCount:          e.traceCount,
			Timers:              e.timers,
			Histogram:           e.histogram,
		}
		if len(e.queries) > 0 {
			iv.queryAggs[key] = aggregate.QueryAggregate{
				TransactionType: key.transactionType,
				TransactionName: key.transactionName,
				CaptureTime:     c.endTime,
				Queries:         e.queries,
			}
		}
		if e.profile != nil && e.profile.SampleCount > 0 {
			iv.profileAggs[key] = aggregate.ProfileAggregate{
				TransactionType: key.transactionType,
				TransactionName: key.transactionName,
				CaptureTime:     c.endTime,
				Profile:         e.profile,
			}
		}
	}
	return iv
}
