// Package storage persists rollup aggregates as Parquet files and reads
// them back through an embedded DuckDB engine.
//
// Layout: one directory per dataset and rollup level under the data
// directory (aggregate-0, aggregate-1, query-0, query-1, profile-0,
// profile-1). Files are immutable once written; the background writer
// appends new files and the retention sweep deletes whole expired files.
package storage

import (
	"context"
	"time"

	"github.com/xtxerr/beacon/internal/aggregate"
)

// SummaryQuery selects per-transaction summaries of one transaction type
// over a capture time range, ranked and truncated.
type SummaryQuery struct {
	AgentRollupID   string
	TransactionType string

	// From and To bound the capture times read, both inclusive, epoch
	// milliseconds.
	From int64
	To   int64

	SortOrder aggregate.SortOrder

	// Limit caps the number of summaries returned; zero means no cap.
	Limit int
}

// SummaryResult carries ranked summaries plus whether the ranking was cut
// short by the query's limit.
type SummaryResult struct {
	Records       []aggregate.TransactionSummary
	MoreAvailable bool
}

// RollupStore is the durable rollup tier. All reads bound capture time by
// [from, to], both inclusive, epoch milliseconds. Absent data yields empty
// results, never an error; errors mean the store itself failed.
type RollupStore interface {
	// ReadOverallSummary returns the summed summary of a transaction
	// type over the range.
	ReadOverallSummary(ctx context.Context, agentRollupID, transactionType string, from, to int64) (aggregate.TransactionSummary, error)

	// ReadTransactionSummaries returns ranked per-transaction summaries.
	ReadTransactionSummaries(ctx context.Context, q SummaryQuery) (SummaryResult, error)

	// ReadOverallAggregates returns the overall aggregates of a
	// transaction type at the given rollup level, ordered by capture time.
	ReadOverallAggregates(ctx context.Context, agentRollupID, transactionType string, from, to int64, rollupLevel int) ([]aggregate.Aggregate, error)

	// ReadTransactionAggregates returns the aggregates of one named
	// transaction at the given rollup level, ordered by capture time.
	ReadTransactionAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.Aggregate, error)

	// ReadQueryAggregates returns query aggregates ordered by capture
	// time. An empty transactionName selects the overall rows.
	ReadQueryAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.QueryAggregate, error)

	// ReadProfileAggregates returns profile aggregates ordered by
	// capture time. An empty transactionName selects the overall rows.
	ReadProfileAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.ProfileAggregate, error)

	// ShouldHaveTraces reports whether any traces were stored for the
	// selection. An empty transactionName selects the overall rows.
	ShouldHaveTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error)

	// ShouldHaveErrorTraces reports whether any traces were stored in
	// buckets that also recorded errors.
	ShouldHaveErrorTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error)

	// RollupThreshold returns the range width at or below which level 0
	// serves a query; wider ranges read level 1.
	RollupThreshold() time.Duration
}
