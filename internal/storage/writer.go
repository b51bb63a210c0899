package storage

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/beacon/internal/aggregate"
	"github.com/xtxerr/beacon/internal/live"
	"github.com/xtxerr/beacon/internal/logging"
)

// CaptureRecorder receives the latest durable capture time of each agent
// rollup. The hierarchy resolver implements it.
type CaptureRecorder interface {
	UpdateLastCaptureTime(ctx context.Context, agentRollupID string, captureTime int64) error
}

// WriterConfig configures the background rollup writer.
type WriterConfig struct {
	// DataDir is the root directory holding the dataset directories.
	DataDir string

	// FlushInterval is how often completed live intervals are persisted.
	FlushInterval time.Duration

	// RollupInterval is the bucket width of rollup level 1.
	RollupInterval time.Duration
}

// seriesKey identifies one level-1 fold in flight.
type seriesKey struct {
	agentRollupID   string
	transactionType string
	transactionName string
}

// Writer persists completed live intervals as level-0 Parquet files and
// folds them into level-1 buckets as a side effect of the same pass.
//
// Each interval is staged exactly once: its rows are queued per dataset
// and it is folded into level 1 at that moment. Queued rows survive a
// failed write and are retried, each dataset on its own, so a dataset
// that already wrote never receives the same rows twice. Intervals are
// evicted from the live buffers only after every level-0 dataset is
// durable; until then readers keep serving them from the live tier, and
// the query engine's live/durable boundary keeps any already-written
// rows invisible.
type Writer struct {
	buffers  *live.BufferSet
	recorder CaptureRecorder // may be nil
	cfg      WriterConfig
	log      *slog.Logger

	mu          sync.Mutex
	aggAccs     map[seriesKey]*aggregate.Accumulator
	queryAccs   map[seriesKey]*aggregate.QueryAccumulator
	profileAccs map[seriesKey]*aggregate.ProfileAccumulator

	// staged is the interval end time through which rows have been built
	// and queued, per agent rollup; durable is how far the level-0 files
	// actually cover. Eviction advances durable up to staged.
	staged  map[string]int64
	durable map[string]int64

	// Rows queued for write, per dataset and level. A slice is cleared
	// only when its own write succeeds.
	pendingAgg0     []aggregateRow
	pendingQuery0   []queryRow
	pendingProfile0 []profileRow
	pendingAgg1     []aggregateRow
	pendingQuery1   []queryRow
	pendingProfile1 []profileRow
}

// NewWriter creates a rollup writer over the given live buffers. recorder
// may be nil when no hierarchy bookkeeping is wanted.
func NewWriter(cfg WriterConfig, buffers *live.BufferSet, recorder CaptureRecorder) *Writer {
	return &Writer{
		buffers:     buffers,
		recorder:    recorder,
		cfg:         cfg,
		log:         logging.Component("rollup-writer"),
		aggAccs:     make(map[seriesKey]*aggregate.Accumulator),
		queryAccs:   make(map[seriesKey]*aggregate.QueryAccumulator),
		profileAccs: make(map[seriesKey]*aggregate.ProfileAccumulator),
		staged:      make(map[string]int64),
		durable:     make(map[string]int64),
	}
}

// Run flushes on a ticker until ctx is canceled, then performs a final
// flush that also closes the open level-1 buckets.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.flush(shutdownCtx, true); err != nil {
				w.log.Error("final rollup flush", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.flush(ctx, false); err != nil {
				w.log.Error("rollup flush", "error", err)
			}
		}
	}
}

// Flush runs one flush pass, persisting every completed live interval and
// any level-1 buckets closed by it.
func (w *Writer) Flush(ctx context.Context) error {
	return w.flush(ctx, false)
}

func (w *Writer) flush(ctx context.Context, final bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range w.buffers.AgentRollupIDs() {
		b, ok := w.buffers.Get(id)
		if !ok {
			continue
		}
		if err := w.stage(id, b); err != nil {
			return err
		}
	}
	if err := w.stageLevel1(final); err != nil {
		return err
	}

	writeErr := w.write()
	w.evict(ctx)
	return writeErr
}

// stage queues the level-0 rows of the intervals not yet seen and feeds
// them into the level-1 folds. Nothing is queued when any row fails to
// encode, so a retried stage never duplicates.
func (w *Writer) stage(id string, b *live.Buffer) error {
	intervals := b.OrderedIntervalCollectorsInRange(w.staged[id]+1, math.MaxInt64)
	if len(intervals) == 0 {
		return nil
	}

	var (
		agg []aggregateRow
		q   []queryRow
		p   []profileRow
	)
	for _, iv := range intervals {
		for _, a := range iv.Aggregates() {
			row, err := aggregateToRow(id, a)
			if err != nil {
				return err
			}
			agg = append(agg, row)
		}
		for _, a := range iv.QueryAggregates() {
			row, err := queryToRow(id, a)
			if err != nil {
				return err
			}
			q = append(q, row)
		}
		for _, a := range iv.ProfileAggregates() {
			row, err := profileToRow(id, a)
			if err != nil {
				return err
			}
			p = append(p, row)
		}
	}

	w.pendingAgg0 = append(w.pendingAgg0, agg...)
	w.pendingQuery0 = append(w.pendingQuery0, q...)
	w.pendingProfile0 = append(w.pendingProfile0, p...)
	for _, iv := range intervals {
		for _, a := range iv.Aggregates() {
			w.aggAcc(id, a.TransactionType, a.TransactionName).Add(a)
		}
		for _, a := range iv.QueryAggregates() {
			w.queryAcc(id, a.TransactionType, a.TransactionName).Add(a)
		}
		for _, a := range iv.ProfileAggregates() {
			w.profileAcc(id, a.TransactionType, a.TransactionName).Add(a)
		}
	}
	w.staged[id] = intervals[len(intervals)-1].EndTime()
	return nil
}

// stageLevel1 queues the closed level-1 buckets (all buckets when final).
func (w *Writer) stageLevel1(final bool) error {
	for key, acc := range w.aggAccs {
		buckets := acc.Drain()
		if final {
			buckets = append(buckets, acc.Flush()...)
		}
		for _, agg := range buckets {
			row, err := aggregateToRow(key.agentRollupID, agg)
			if err != nil {
				return err
			}
			w.pendingAgg1 = append(w.pendingAgg1, row)
		}
	}
	for key, acc := range w.queryAccs {
		buckets := acc.Drain()
		if final {
			buckets = append(buckets, acc.Flush()...)
		}
		for _, agg := range buckets {
			row, err := queryToRow(key.agentRollupID, agg)
			if err != nil {
				return err
			}
			w.pendingQuery1 = append(w.pendingQuery1, row)
		}
	}
	for key, acc := range w.profileAccs {
		buckets := acc.Drain()
		if final {
			buckets = append(buckets, acc.Flush()...)
		}
		for _, agg := range buckets {
			row, err := profileToRow(key.agentRollupID, agg)
			if err != nil {
				return err
			}
			w.pendingProfile1 = append(w.pendingProfile1, row)
		}
	}
	return nil
}

// write flushes every queued dataset in parallel, clearing each one whose
// own write succeeded.
func (w *Writer) write() error {
	var g errgroup.Group
	var agg0Err, q0Err, p0Err, agg1Err, q1Err, p1Err error
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetAggregate, 0), w.pendingAgg0, aggregateRowCapture, &agg0Err)
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetQuery, 0), w.pendingQuery0, queryRowCapture, &q0Err)
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetProfile, 0), w.pendingProfile0, profileRowCapture, &p0Err)
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetAggregate, 1), w.pendingAgg1, aggregateRowCapture, &agg1Err)
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetQuery, 1), w.pendingQuery1, queryRowCapture, &q1Err)
	writeDataset(&g, datasetDir(w.cfg.DataDir, datasetProfile, 1), w.pendingProfile1, profileRowCapture, &p1Err)

	written := len(w.pendingAgg0) + len(w.pendingQuery0) + len(w.pendingProfile0) +
		len(w.pendingAgg1) + len(w.pendingQuery1) + len(w.pendingProfile1)
	err := g.Wait()

	if agg0Err == nil {
		w.pendingAgg0 = nil
	}
	if q0Err == nil {
		w.pendingQuery0 = nil
	}
	if p0Err == nil {
		w.pendingProfile0 = nil
	}
	if agg1Err == nil {
		w.pendingAgg1 = nil
	}
	if q1Err == nil {
		w.pendingQuery1 = nil
	}
	if p1Err == nil {
		w.pendingProfile1 = nil
	}

	if err == nil && written > 0 {
		w.log.Debug("flushed rollup rows", "rows", written)
	}
	return errors.Join(agg0Err, q0Err, p0Err, agg1Err, q1Err, p1Err)
}

// evict drops the intervals whose level-0 rows are durable and records
// the new capture times. It requires all three level-0 queues drained: a
// partially written interval stays live so readers keep serving it from
// the buffer, where the revised durable bound hides its written rows.
func (w *Writer) evict(ctx context.Context) {
	if len(w.pendingAgg0) > 0 || len(w.pendingQuery0) > 0 || len(w.pendingProfile0) > 0 {
		return
	}
	for id, end := range w.staged {
		if end <= w.durable[id] {
			continue
		}
		if b, ok := w.buffers.Get(id); ok {
			b.RemoveThrough(end)
		}
		w.durable[id] = end
		if w.recorder != nil {
			if err := w.recorder.UpdateLastCaptureTime(ctx, id, end); err != nil {
				w.log.Warn("record last capture time", "agent_rollup_id", id, "error", err)
			}
		}
	}
}

func writeDataset[T any](g *errgroup.Group, dir string, rows []T, capture func(T) int64, errp *error) {
	if len(rows) == 0 {
		return
	}
	g.Go(func() error {
		_, err := writeRowFile(dir, maxRowCapture(rows, capture), rows)
		*errp = err
		return err
	})
}

func aggregateRowCapture(r aggregateRow) int64 { return r.CaptureTime }
func queryRowCapture(r queryRow) int64         { return r.CaptureTime }
func profileRowCapture(r profileRow) int64     { return r.CaptureTime }

func (w *Writer) aggAcc(agentRollupID, transactionType, transactionName string) *aggregate.Accumulator {
	key := seriesKey{agentRollupID, transactionType, transactionName}
	acc, ok := w.aggAccs[key]
	if !ok {
		acc = aggregate.NewAccumulator(transactionType, transactionName, w.cfg.RollupInterval)
		w.aggAccs[key] = acc
	}
	return acc
}

func (w *Writer) queryAcc(agentRollupID, transactionType, transactionName string) *aggregate.QueryAccumulator {
	key := seriesKey{agentRollupID, transactionType, transactionName}
	acc, ok := w.queryAccs[key]
	if !ok {
		acc = aggregate.NewQueryAccumulator(transactionType, transactionName, w.cfg.RollupInterval)
		w.queryAccs[key] = acc
	}
	return acc
}

func (w *Writer) profileAcc(agentRollupID, transactionType, transactionName string) *aggregate.ProfileAccumulator {
	key := seriesKey{agentRollupID, transactionType, transactionName}
	acc, ok := w.profileAccs[key]
	if !ok {
		acc = aggregate.NewProfileAccumulator(transactionType, transactionName, w.cfg.RollupInterval)
		w.profileAccs[key] = acc
	}
	return acc
}

func maxRowCapture[T any](rows []T, capture func(T) int64) int64 {
	var max int64
	for _, r := range rows {
		if t := capture(r); t > max {
			max = t
		}
	}
	return max
}
