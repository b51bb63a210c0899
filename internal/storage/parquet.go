package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/beacon/internal/aggregate"
)

// Dataset directory names under the data dir, suffixed with the rollup
// level: aggregate-0, query-1, and so on.
const (
	datasetAggregate = "aggregate"
	datasetQuery     = "query"
	datasetProfile   = "profile"
)

func datasetDir(dataDir, dataset string, level int) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s-%d", dataset, level))
}

// aggregateRow is one aggregate bucket in Parquet form. Timer trees are
// JSON, the histogram is an encoded sketch; both empty when absent.
type aggregateRow struct {
	AgentRollupID       string `parquet:"agent_rollup_id,zstd"`
	TransactionType     string `parquet:"transaction_type,zstd"`
	TransactionName     string `parquet:"transaction_name,zstd"`
	CaptureTime         int64  `parquet:"capture_time"`
	TotalMicros         int64  `parquet:"total_micros"`
	ErrorCount          int64  `parquet:"error_count"`
	TransactionCount    int64  `parquet:"transaction_count"`
	TotalCPUMicros      int64  `parquet:"total_cpu_micros"`
	TotalBlockedMicros  int64  `parquet:"total_blocked_micros"`
	TotalWaitedMicros   int64  `parquet:"total_waited_micros"`
	TotalAllocatedBytes int64  `parquet:"total_allocated_bytes"`
	TraceCount          int64  `parquet:"trace_count"`
	Timers              []byte `parquet:"timers,zstd"`
	Histogram           []byte `parquet:"histogram,zstd"`
}

// queryRow is one query aggregate bucket; the per-statement stats are JSON.
type queryRow struct {
	AgentRollupID   string `parquet:"agent_rollup_id,zstd"`
	TransactionType string `parquet:"transaction_type,zstd"`
	TransactionName string `parquet:"transaction_name,zstd"`
	CaptureTime     int64  `parquet:"capture_time"`
	Queries         []byte `parquet:"queries,zstd"`
}

// profileRow is one profile aggregate bucket; the sample tree is JSON.
type profileRow struct {
	AgentRollupID   string `parquet:"agent_rollup_id,zstd"`
	TransactionType string `parquet:"transaction_type,zstd"`
	TransactionName string `parquet:"transaction_name,zstd"`
	CaptureTime     int64  `parquet:"capture_time"`
	Profile         []byte `parquet:"profile,zstd"`
}

func aggregateToRow(agentRollupID string, agg aggregate.Aggregate) (aggregateRow, error) {
	row := aggregateRow{
		AgentRollupID:       agentRollupID,
		TransactionType:     agg.TransactionType,
		TransactionName:     agg.TransactionName,
		CaptureTime:         agg.CaptureTime,
		TotalMicros:         agg.TotalMicros,
		ErrorCount:          agg.ErrorCount,
		TransactionCount:    agg.TransactionCount,
		TotalCPUMicros:      agg.TotalCPUMicros,
		TotalBlockedMicros:  agg.TotalBlockedMicros,
		TotalWaitedMicros:   agg.TotalWaitedMicros,
		TotalAllocatedBytes: agg.TotalAllocatedBytes,
		TraceCount:          agg.TraceCount,
		Histogram:           agg.Histogram.Encode(),
	}
	if agg.Timers != nil {
		timers, err := aggregate.EncodeTimers(agg.Timers)
		if err != nil {
			return aggregateRow{}, fmt.Errorf("encode timers: %w", err)
		}
		row.Timers = timers
	}
	return row, nil
}

func queryToRow(agentRollupID string, agg aggregate.QueryAggregate) (queryRow, error) {
	queries, err := aggregate.EncodeQueries(agg.Queries)
	if err != nil {
		return queryRow{}, fmt.Errorf("encode queries: %w", err)
	}
	return queryRow{
		AgentRollupID:   agentRollupID,
		TransactionType: agg.TransactionType,
		TransactionName: agg.TransactionName,
		CaptureTime:     agg.CaptureTime,
		Queries:         queries,
	}, nil
}

func profileToRow(agentRollupID string, agg aggregate.ProfileAggregate) (profileRow, error) {
	profile, err := aggregate.EncodeProfile(agg.Profile)
	if err != nil {
		return profileRow{}, fmt.Errorf("encode profile: %w", err)
	}
	return profileRow{
		AgentRollupID:   agentRollupID,
		TransactionType: agg.TransactionType,
		TransactionName: agg.TransactionName,
		CaptureTime:     agg.CaptureTime,
		Profile:         profile,
	}, nil
}

// writeRowFile writes one immutable Parquet file into dir. The file name
// leads with the newest capture time in the file so the retention sweep
// can expire files without opening them. The file appears atomically:
// data is written to a temp name and renamed into place.
func writeRowFile[T any](dir string, maxCaptureTime int64, rows []T) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dataset dir: %w", err)
	}

	name := fmt.Sprintf("%d-%s.parquet", maxCaptureTime, uuid.NewString())
	tmp := filepath.Join(dir, name+".tmp")

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create parquet file: %w", err)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close parquet file: %w", err)
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish parquet file: %w", err)
	}
	return final, nil
}

// fileCaptureTime parses the capture time prefix of a rollup file name.
func fileCaptureTime(name string) (int64, bool) {
	i := strings.IndexByte(name, '-')
	if i <= 0 {
		return 0, false
	}
	t, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}
