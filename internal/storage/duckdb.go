package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/beacon/internal/aggregate"
	errs "github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/logging"
)

// Config configures the durable rollup store.
type Config struct {
	// DataDir is the root directory holding the dataset directories.
	DataDir string

	// RollupThreshold is the range width at or below which level 0
	// serves a query.
	RollupThreshold time.Duration

	// MemoryLimit caps the embedded engine's memory, e.g. "1GB".
	// Empty uses the engine default.
	MemoryLimit string
}

// Store reads rollup Parquet files through an embedded DuckDB engine.
// The engine itself holds no data; every query scans the dataset files
// directly, so files published by the writer are visible immediately.
//
// Store is safe for concurrent use.
type Store struct {
	db        *sql.DB
	dataDir   string
	threshold time.Duration
	log       *slog.Logger
}

var _ RollupStore = (*Store)(nil)

// Open creates a rollup store over cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errs.NewMissingField("data dir")
	}
	if cfg.RollupThreshold <= 0 {
		return nil, errs.NewValidation("rollup threshold", "must be positive")
	}

	dsn := ""
	if cfg.MemoryLimit != "" {
		dsn = "?memory_limit=" + cfg.MemoryLimit
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open query engine: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping query engine: %w", err)
	}

	return &Store{
		db:        db,
		dataDir:   cfg.DataDir,
		threshold: cfg.RollupThreshold,
		log:       logging.Component("storage"),
	}, nil
}

// Close closes the embedded engine.
func (s *Store) Close() error {
	return s.db.Close()
}

// RollupThreshold returns the configured level-selection threshold.
func (s *Store) RollupThreshold() time.Duration {
	return s.threshold
}

// glob returns the Parquet glob of a dataset level and whether any files
// exist. Scanning an empty glob is an engine error, so callers short-
// circuit to empty results when ok is false.
func (s *Store) glob(dataset string, level int) (string, bool, error) {
	pattern := filepath.Join(datasetDir(s.dataDir, dataset, level), "*.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", false, err
	}
	return pattern, len(matches) > 0, nil
}

// ReadOverallSummary sums the overall rows of a transaction type over the
// range. Summaries always read level 0; summary queries are bounded by
// the level-0 retention.
func (s *Store) ReadOverallSummary(ctx context.Context, agentRollupID, transactionType string, from, to int64) (aggregate.TransactionSummary, error) {
	pattern, ok, err := s.glob(datasetAggregate, 0)
	if err != nil {
		return aggregate.TransactionSummary{}, errs.NewStorageFailure("overall summary", from, to, err)
	}
	if !ok {
		return aggregate.TransactionSummary{}, nil
	}

	var summary aggregate.TransactionSummary
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(total_micros), 0), coalesce(sum(transaction_count), 0)
		from read_parquet(?)
		where agent_rollup_id = ?
		  and transaction_type = ?
		  and transaction_name = ''
		  and capture_time between ? and ?
	`, pattern, agentRollupID, transactionType, from, to).
		Scan(&summary.TotalMicros, &summary.TransactionCount)
	if err != nil {
		return aggregate.TransactionSummary{}, errs.NewStorageFailure("overall summary", from, to, err)
	}
	return summary, nil
}

// ReadTransactionSummaries groups the named rows of a transaction type by
// transaction name and ranks them. One row beyond the limit is requested
// so the result can report that the ranking was cut short.
func (s *Store) ReadTransactionSummaries(ctx context.Context, q SummaryQuery) (SummaryResult, error) {
	pattern, ok, err := s.glob(datasetAggregate, 0)
	if err != nil {
		return SummaryResult{}, errs.NewStorageFailure("transaction summaries", q.From, q.To, err)
	}
	if !ok {
		return SummaryResult{}, nil
	}

	var rank string
	switch q.SortOrder {
	case aggregate.SortByAverageTime:
		rank = "sum(total_micros) / nullif(sum(transaction_count), 0) desc"
	case aggregate.SortByThroughput:
		rank = "sum(transaction_count) desc"
	default:
		rank = "sum(total_micros) desc"
	}

	query := fmt.Sprintf(`
		select transaction_name, sum(total_micros), sum(transaction_count)
		from read_parquet(?)
		where agent_rollup_id = ?
		  and transaction_type = ?
		  and transaction_name <> ''
		  and capture_time between ? and ?
		group by transaction_name
		order by %s, transaction_name asc
	`, rank)
	args := []any{pattern, q.AgentRollupID, q.TransactionType, q.From, q.To}
	if q.Limit > 0 {
		query += " limit ?"
		args = append(args, q.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return SummaryResult{}, errs.NewStorageFailure("transaction summaries", q.From, q.To, err)
	}
	defer rows.Close()

	var result SummaryResult
	for rows.Next() {
		var rec aggregate.TransactionSummary
		if err := rows.Scan(&rec.TransactionName, &rec.TotalMicros, &rec.TransactionCount); err != nil {
			return SummaryResult{}, errs.NewStorageFailure("transaction summaries", q.From, q.To, err)
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return SummaryResult{}, errs.NewStorageFailure("transaction summaries", q.From, q.To, err)
	}

	if q.Limit > 0 && len(result.Records) > q.Limit {
		result.Records = result.Records[:q.Limit]
		result.MoreAvailable = true
	}
	return result, nil
}

// ReadOverallAggregates returns the overall aggregates of a transaction
// type, ordered by capture time.
func (s *Store) ReadOverallAggregates(ctx context.Context, agentRollupID, transactionType string, from, to int64, rollupLevel int) ([]aggregate.Aggregate, error) {
	return s.readAggregates(ctx, agentRollupID, transactionType, "", from, to, rollupLevel)
}

// ReadTransactionAggregates returns the aggregates of one named
// transaction, ordered by capture time.
func (s *Store) ReadTransactionAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.Aggregate, error) {
	if transactionName == "" {
		return nil, errs.NewContractViolation("transaction name required")
	}
	return s.readAggregates(ctx, agentRollupID, transactionType, transactionName, from, to, rollupLevel)
}

func (s *Store) readAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.Aggregate, error) {
	dataset := fmt.Sprintf("aggregates level %d", rollupLevel)
	pattern, ok, err := s.glob(datasetAggregate, rollupLevel)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		select capture_time, total_micros, error_count, transaction_count,
		       total_cpu_micros, total_blocked_micros, total_waited_micros,
		       total_allocated_bytes, trace_count, timers, histogram
		from read_parquet(?)
		where agent_rollup_id = ?
		  and transaction_type = ?
		  and transaction_name = ?
		  and capture_time between ? and ?
		order by capture_time
	`, pattern, agentRollupID, transactionType, transactionName, from, to)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	defer rows.Close()

	var aggs []aggregate.Aggregate
	for rows.Next() {
		agg := aggregate.Aggregate{
			TransactionType: transactionType,
			TransactionName: transactionName,
		}
		var timers, histogram []byte
		if err := rows.Scan(&agg.CaptureTime, &agg.TotalMicros, &agg.ErrorCount,
			&agg.TransactionCount, &agg.TotalCPUMicros, &agg.TotalBlockedMicros,
			&agg.TotalWaitedMicros, &agg.TotalAllocatedBytes, &agg.TraceCount,
			&timers, &histogram); err != nil {
			return nil, errs.NewStorageFailure(dataset, from, to, err)
		}
		if len(timers) > 0 {
			agg.Timers, err = aggregate.DecodeTimers(timers)
			if err != nil {
				return nil, errs.NewStorageFailure(dataset, from, to, err)
			}
		}
		if len(histogram) > 0 {
			agg.Histogram, err = aggregate.DecodeHistogram(histogram)
			if err != nil {
				return nil, errs.NewStorageFailure(dataset, from, to, err)
			}
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	return aggs, nil
}

// ReadQueryAggregates returns query aggregates ordered by capture time.
// An empty transactionName selects the overall rows.
func (s *Store) ReadQueryAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.QueryAggregate, error) {
	dataset := fmt.Sprintf("query aggregates level %d", rollupLevel)
	pattern, ok, err := s.glob(datasetQuery, rollupLevel)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		select capture_time, queries
		from read_parquet(?)
		where agent_rollup_id = ?
		  and transaction_type = ?
		  and transaction_name = ?
		  and capture_time between ? and ?
		order by capture_time
	`, pattern, agentRollupID, transactionType, transactionName, from, to)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	defer rows.Close()

	var aggs []aggregate.QueryAggregate
	for rows.Next() {
		agg := aggregate.QueryAggregate{
			TransactionType: transactionType,
			TransactionName: transactionName,
		}
		var queries []byte
		if err := rows.Scan(&agg.CaptureTime, &queries); err != nil {
			return nil, errs.NewStorageFailure(dataset, from, to, err)
		}
		agg.Queries, err = aggregate.DecodeQueries(queries)
		if err != nil {
			return nil, errs.NewStorageFailure(dataset, from, to, err)
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	return aggs, nil
}

// ReadProfileAggregates returns profile aggregates ordered by capture
// time. An empty transactionName selects the overall rows.
func (s *Store) ReadProfileAggregates(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, rollupLevel int) ([]aggregate.ProfileAggregate, error) {
	dataset := fmt.Sprintf("profile aggregates level %d", rollupLevel)
	pattern, ok, err := s.glob(datasetProfile, rollupLevel)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	if !ok {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		select capture_time, profile
		from read_parquet(?)
		where agent_rollup_id = ?
		  and transaction_type = ?
		  and transaction_name = ?
		  and capture_time between ? and ?
		order by capture_time
	`, pattern, agentRollupID, transactionType, transactionName, from, to)
	if err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	defer rows.Close()

	var aggs []aggregate.ProfileAggregate
	for rows.Next() {
		agg := aggregate.ProfileAggregate{
			TransactionType: transactionType,
			TransactionName: transactionName,
		}
		var profile []byte
		if err := rows.Scan(&agg.CaptureTime, &profile); err != nil {
			return nil, errs.NewStorageFailure(dataset, from, to, err)
		}
		agg.Profile, err = aggregate.DecodeProfile(profile)
		if err != nil {
			return nil, errs.NewStorageFailure(dataset, from, to, err)
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorageFailure(dataset, from, to, err)
	}
	return aggs, nil
}

// ShouldHaveTraces reports whether any traces were stored for the
// selection, checking level 0 then level 1.
func (s *Store) ShouldHaveTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error) {
	return s.anyTraces(ctx, agentRollupID, transactionType, transactionName, from, to, false)
}

// ShouldHaveErrorTraces reports whether any traces were stored in buckets
// that also recorded errors.
func (s *Store) ShouldHaveErrorTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64) (bool, error) {
	return s.anyTraces(ctx, agentRollupID, transactionType, transactionName, from, to, true)
}

func (s *Store) anyTraces(ctx context.Context, agentRollupID, transactionType, transactionName string, from, to int64, errorsOnly bool) (bool, error) {
	filter := ""
	if errorsOnly {
		filter = " and error_count > 0"
	}
	for level := 0; level <= 1; level++ {
		pattern, ok, err := s.glob(datasetAggregate, level)
		if err != nil {
			return false, errs.NewStorageFailure("trace counts", from, to, err)
		}
		if !ok {
			continue
		}
		var count int64
		err = s.db.QueryRowContext(ctx, `
			select coalesce(sum(trace_count), 0)
			from read_parquet(?)
			where agent_rollup_id = ?
			  and transaction_type = ?
			  and transaction_name = ?
			  and capture_time between ? and ?
		`+filter, pattern, agentRollupID, transactionType, transactionName, from, to).
			Scan(&count)
		if err != nil {
			return false, errs.NewStorageFailure("trace counts", from, to, err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}
