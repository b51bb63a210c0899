// Package query merges the live tier and the durable rollup tier into
// single read-side results, so callers never see the tier boundary.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtxerr/beacon/internal/aggregate"
	errs "github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/live"
	"github.com/xtxerr/beacon/internal/logging"
	"github.com/xtxerr/beacon/internal/storage"
)

// Config configures the merge engine.
type Config struct {
	// RollupInterval is the bucket width of rollup level 1, used when
	// folding the non-rolled-up tail of a level-1 read.
	RollupInterval time.Duration

	// MaxQueryAggregates caps the statements retained per query type
	// when merging query aggregates.
	MaxQueryAggregates int
}

// Engine answers read queries by merging durable rollups with the live
// intervals not yet persisted. The boundary between the tiers is revised
// per query: with live intervals present, durable reads stop one
// millisecond before the earliest live interval's end so no datum is
// counted in both tiers.
type Engine struct {
	store   storage.RollupStore
	buffers *live.BufferSet
	cfg     Config
	log     *slog.Logger
}

// NewEngine creates a merge engine over the given tiers.
func NewEngine(store storage.RollupStore, buffers *live.BufferSet, cfg Config) *Engine {
	return &Engine{
		store:   store,
		buffers: buffers,
		cfg:     cfg,
		log:     logging.Component("query"),
	}
}

// revise returns the live intervals overlapping [from, to] and the upper
// bound for durable reads: one millisecond before the earliest live
// interval, or to when nothing is live.
func (e *Engine) revise(agentRollupID string, from, to int64) ([]*live.Interval, int64) {
	intervals := e.buffers.OrderedIntervalCollectorsInRange(agentRollupID, from, to)
	if len(intervals) == 0 {
		return nil, to
	}
	return intervals, intervals[0].EndTime() - 1
}

// OverallSummary returns the summed summary of a transaction type over
// [from, to], combining both tiers. A range with no data yields a zero
// summary.
func (e *Engine) OverallSummary(ctx context.Context, agentRollupID, transactionType string, from, to int64) (aggregate.TransactionSummary, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)

	summary, err := e.store.ReadOverallSummary(ctx, agentRollupID, transactionType, from, revisedTo)
	if err != nil {
		return aggregate.TransactionSummary{}, err
	}
	for _, iv := range intervals {
		if s, ok := iv.LiveOverallSummary(transactionType); ok {
			summary = aggregate.Combine("", summary, s)
		}
	}
	return summary, nil
}

// TransactionSummaries returns ranked per-transaction summaries over the
// query range, merging both tiers by transaction name before ranking.
// Truncation by the limit forces MoreAvailable even when the durable tier
// reported none.
func (e *Engine) TransactionSummaries(ctx context.Context, q storage.SummaryQuery) (storage.SummaryResult, error) {
	intervals, revisedTo := e.revise(q.AgentRollupID, q.From, q.To)

	stored := q
	stored.To = revisedTo
	durable, err := e.store.ReadTransactionSummaries(ctx, stored)
	if err != nil {
		return storage.SummaryResult{}, err
	}

	byName := make(map[string]aggregate.TransactionSummary, len(durable.Records))
	for _, rec := range durable.Records {
		if rec.TransactionName == "" {
			return storage.SummaryResult{}, errs.NewContractViolation("summary record without transaction name")
		}
		byName[rec.TransactionName] = rec
	}
	for _, iv := range intervals {
		for _, s := range iv.LiveTransactionSummaries(q.TransactionType) {
			if s.TransactionName == "" {
				return storage.SummaryResult{}, errs.NewContractViolation("live summary without transaction name")
			}
			byName[s.TransactionName] = aggregate.Combine(s.TransactionName, byName[s.TransactionName], s)
		}
	}

	merged := make([]aggregate.TransactionSummary, 0, len(byName))
	for _, s := range byName {
		merged = append(merged, s)
	}
	aggregate.SortSummaries(merged, q.SortOrder)

	result := storage.SummaryResult{Records: merged, MoreAvailable: durable.MoreAvailable}
	if q.Limit > 0 && len(merged) > q.Limit {
		result.Records = merged[:q.Limit]
		result.MoreAvailable = true
	}
	return result, nil
}

// rollupLevel selects the level serving a range: 0 at or below the
// threshold, 1 above it.
func (e *Engine) rollupLevel(from, to int64) int {
	if to-from <= e.store.RollupThreshold().Milliseconds() {
		return 0
	}
	return 1
}

// tailFrom bounds the level-0 tail read of a level-1 query: after the
// last stored level-1 bucket, and never further back than one threshold
// before the durable bound.
func (e *Engine) tailFrom(from, revisedTo, lastStored int64) int64 {
	tail := revisedTo - e.store.RollupThreshold().Milliseconds()
	if lastStored+1 > tail {
		tail = lastStored + 1
	}
	if from > tail {
		tail = from
	}
	return tail
}

// Aggregates returns the aggregate series of a transaction type (empty
// transactionName) or one named transaction over [from, to], capture-time
// ordered across both tiers. Level-1 reads fold everything past the last
// stored rollup, the durable level-0 tail and the live intervals alike,
// into level-1-width buckets so the whole series has one bucketing.
func (e *Engine) Aggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) ([]aggregate.Aggregate, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)
	level := e.rollupLevel(from, to)

	aggs, err := e.readAggregates(ctx, agentRollupID, transactionType, transactionName, from, revisedTo, level)
	if err != nil {
		return nil, err
	}

	if level == 0 {
		for _, iv := range intervals {
			if agg, ok := iv.LiveAggregate(transactionType, transactionName); ok {
				aggs = append(aggs, agg)
			}
		}
		return aggs, nil
	}

	var lastStored int64
	if len(aggs) > 0 {
		lastStored = aggs[len(aggs)-1].CaptureTime
	}
	tail, err := e.readAggregates(ctx, agentRollupID, transactionType, transactionName,
		e.tailFrom(from, revisedTo, lastStored), revisedTo, 0)
	if err != nil {
		return nil, err
	}
	acc := aggregate.NewAccumulator(transactionType, transactionName, e.cfg.RollupInterval)
	for _, agg := range tail {
		acc.Add(agg)
	}
	for _, iv := range intervals {
		if agg, ok := iv.LiveAggregate(transactionType, transactionName); ok {
			acc.Add(agg)
		}
	}
	return append(aggs, acc.Flush()...), nil
}

func (e *Engine) readAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, level int) ([]aggregate.Aggregate, error) {
	if transactionName == "" {
		return e.store.ReadOverallAggregates(ctx, agentRollupID, transactionType, from, to, level)
	}
	return e.store.ReadTransactionAggregates(ctx, agentRollupID, transactionType, transactionName, from, to, level)
}

// QueryAggregates returns the query aggregate series over [from, to]
// across both tiers. The level-0 tail of a level-1 read is appended
// unfolded; callers reduce the series to a single merged result anyway.
func (e *Engine) QueryAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) ([]aggregate.QueryAggregate, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)
	level := e.rollupLevel(from, to)

	aggs, err := e.store.ReadQueryAggregates(ctx, agentRollupID, transactionType, transactionName, from, revisedTo, level)
	if err != nil {
		return nil, err
	}
	if level > 0 {
		var lastStored int64
		if len(aggs) > 0 {
			lastStored = aggs[len(aggs)-1].CaptureTime
		}
		if lastStored < revisedTo {
			tail, err := e.store.ReadQueryAggregates(ctx, agentRollupID, transactionType, transactionName,
				e.tailFrom(from, revisedTo, lastStored), revisedTo, 0)
			if err != nil {
				return nil, err
			}
			aggs = append(aggs, tail...)
		}
	}

	for _, iv := range intervals {
		if agg, ok := iv.LiveQueryAggregate(transactionType, transactionName); ok {
			aggs = append(aggs, agg)
		}
	}
	return aggs, nil
}

// ProfileAggregates returns the profile aggregate series over [from, to]
// across both tiers, tail unfolded like QueryAggregates.
func (e *Engine) ProfileAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) ([]aggregate.ProfileAggregate, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)
	level := e.rollupLevel(from, to)

	aggs, err := e.store.ReadProfileAggregates(ctx, agentRollupID, transactionType, transactionName, from, revisedTo, level)
	if err != nil {
		return nil, err
	}
	if level > 0 {
		var lastStored int64
		if len(aggs) > 0 {
			lastStored = aggs[len(aggs)-1].CaptureTime
		}
		if lastStored < revisedTo {
			tail, err := e.store.ReadProfileAggregates(ctx, agentRollupID, transactionType, transactionName,
				e.tailFrom(from, revisedTo, lastStored), revisedTo, 0)
			if err != nil {
				return nil, err
			}
			aggs = append(aggs, tail...)
		}
	}

	for _, iv := range intervals {
		if agg, ok := iv.LiveProfileAggregate(transactionType, transactionName); ok {
			aggs = append(aggs, agg)
		}
	}
	return aggs, nil
}

// MergedQueries merges the per-statement stats over [from, to] into one
// result keyed by query type, each type's statements ordered by total
// time and truncated to the configured maximum. The boolean reports
// whether any type was truncated.
func (e *Engine) MergedQueries(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (map[string][]aggregate.QueryStats, bool, error) {
	aggs, err := e.QueryAggregates(ctx, agentRollupID, transactionType, transactionName, from, to)
	if err != nil {
		return nil, false, err
	}
	merged, truncated := aggregate.MergeQueries(aggs, e.cfg.MaxQueryAggregates)
	return merged, truncated, nil
}

// Profile merges the profile trees over [from, to] into a single tree
// under a synthetic root, optionally pruning branches below the given
// fraction of the root sample count (zero disables pruning).
func (e *Engine) Profile(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, truncateLeafFraction float64) (*aggregate.ProfileNode, error) {
	aggs, err := e.ProfileAggregates(ctx, agentRollupID, transactionType, transactionName, from, to)
	if err != nil {
		return nil, err
	}
	root := aggregate.MergeProfiles(aggs)
	if truncateLeafFraction > 0 {
		aggregate.TruncateLeafs(root, truncateLeafFraction)
	}
	return root, nil
}

// ShouldHaveTraces reports whether traces were stored for the selection
// in either tier.
func (e *Engine) ShouldHaveTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)
	for _, iv := range intervals {
		if agg, ok := iv.LiveAggregate(transactionType, transactionName); ok && agg.TraceCount > 0 {
			return true, nil
		}
	}
	return e.store.ShouldHaveTraces(ctx, agentRollupID, transactionType, transactionName, from, revisedTo)
}

// ShouldHaveErrorTraces reports whether traces were stored in buckets
// that also recorded errors, in either tier.
func (e *Engine) ShouldHaveErrorTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error) {
	intervals, revisedTo := e.revise(agentRollupID, from, to)
	for _, iv := range intervals {
		if agg, ok := iv.LiveAggregate(transactionType, transactionName); ok && agg.TraceCount > 0 && agg.ErrorCount > 0 {
			return true, nil
		}
	}
	return e.store.ShouldHaveErrorTraces(ctx, agentRollupID, transactionType, transactionName, from, revisedTo)
}
