package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtxerr/beacon/internal/logging"
)

// RetentionPolicy defines how long each rollup level is kept.
type RetentionPolicy struct {
	Level0 time.Duration
	Level1 time.Duration
}

// Retention deletes expired rollup files. A file is expired when its
// newest capture time (the file name prefix) is older than the level's
// retention; expiry is whole-file, so a file is kept until its newest
// bucket expires.
type Retention struct {
	dataDir string
	policy  RetentionPolicy
	log     *slog.Logger
}

// NewRetention creates a retention sweeper over dataDir.
func NewRetention(dataDir string, policy RetentionPolicy) *Retention {
	return &Retention{
		dataDir: dataDir,
		policy:  policy,
		log:     logging.Component("retention"),
	}
}

// Run sweeps on a ticker until ctx is canceled.
func (r *Retention) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.Sweep(time.Now())
			if err != nil {
				r.log.Error("retention sweep", "error", err)
			} else if removed > 0 {
				r.log.Info("retention sweep", "files_removed", removed)
			}
		}
	}
}

// Sweep deletes expired files across every dataset and level, returning
// the number removed. Individual delete failures are logged and skipped.
func (r *Retention) Sweep(now time.Time) (int, error) {
	removed := 0
	for level, retention := range map[int]time.Duration{0: r.policy.Level0, 1: r.policy.Level1} {
		if retention <= 0 {
			continue
		}
		cutoff := now.Add(-retention).UnixMilli()
		for _, dataset := range []string{datasetAggregate, datasetQuery, datasetProfile} {
			n, err := r.sweepDir(datasetDir(r.dataDir, dataset, level), cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, nil
}

func (r *Retention) sweepDir(dir string, cutoff int64) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		captureTime, ok := fileCaptureTime(name)
		if !ok || captureTime >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			r.log.Warn("remove expired file", "file", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
