package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

// =============================================================================
// DATA CLEANUP WORKER — Prunes Old Crawl History
// =============================================================================
// Retention policies:
//   - Crawl runs (and their frequency observations via ON DELETE CASCADE):
//     CrawlHistoryDays, never less than MinCrawlHistoryDays
//   - Event quality scores: never deleted, superseded rows included
//   - Source health scores: never deleted
//
// Deletes run in batches of 10 000 rows to avoid long-running transactions
// that could lock tables and block ingestion.

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = 1 * time.Hour

	// MinCrawlHistoryDays is the shortest crawl history the learner and
	// aggregator can work with.
	MinCrawlHistoryDays = 90

	// cleanupBatchSize limits each DELETE to avoid table-level locks.
	cleanupBatchSize = 10000
)

// CleanupConfig holds retention settings.
type CleanupConfig struct {
	Interval         time.Duration
	CrawlHistoryDays int
}

// DataCleanupWorker periodically removes expired history.
type DataCleanupWorker struct {
	db       *sql.DB
	interval time.Duration
	runDays  int
	pause    time.Duration
}

// NewDataCleanupWorker creates a cleanup worker. Crawl history below the
// 90-day floor is raised to it.
func NewDataCleanupWorker(db *sql.DB, cfg CleanupConfig) *DataCleanupWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupInterval
	}
	if cfg.CrawlHistoryDays < MinCrawlHistoryDays {
		cfg.CrawlHistoryDays = MinCrawlHistoryDays
	}
	return &DataCleanupWorker{
		db:       db,
		interval: cfg.Interval,
		runDays:  cfg.CrawlHistoryDays,
		pause:    100 * time.Millisecond,
	}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	logger.Info("data cleanup starting", "interval", dc.interval.String(),
		"crawl_history_days", dc.runDays, "batch_size", cleanupBatchSize)

	dc.Cleanup(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("data cleanup stopping")
			return
		case <-ticker.C:
			dc.Cleanup(ctx)
		}
	}
}

// Cleanup runs one cycle and returns rows deleted per table.
func (dc *DataCleanupWorker) Cleanup(ctx context.Context) map[string]int64 {
	start := time.Now()
	out := map[string]int64{
		"crawl_runs": dc.cleanupCrawlRuns(ctx),
	}
	logger.Info("data cleanup cycle completed", "crawl_runs", out["crawl_runs"],
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return out
}

// cleanupCrawlRuns deletes runs past the retention window. Their frequency
// observations go with them.
func (dc *DataCleanupWorker) cleanupCrawlRuns(ctx context.Context) int64 {
	return dc.batchDelete(ctx, "crawl_runs", fmt.Sprintf(`
		DELETE FROM crawl_runs
		WHERE id IN (
			SELECT id FROM crawl_runs
			WHERE started_at < NOW() - INTERVAL '%d days'
			LIMIT $1
		)
	`, dc.runDays))
}

// batchDelete runs the given DELETE statement in a loop, passing
// cleanupBatchSize as $1, until zero rows are affected. Returns the
// cumulative number of deleted rows. A missing table is logged once and
// skipped so the worker is safe before migrations ran.
func (dc *DataCleanupWorker) batchDelete(ctx context.Context, table, query string) int64 {
	var totalDeleted int64

	for {
		if ctx.Err() != nil {
			return totalDeleted
		}

		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := dc.db.ExecContext(queryCtx, query, cleanupBatchSize)
		cancel()

		if err != nil {
			if isTableNotExistsError(err) {
				if totalDeleted == 0 {
					logger.Warn("cleanup table missing, skipping", "table", table)
				}
				return totalDeleted
			}
			logger.Error("cleanup delete failed", "table", table, "error", err)
			return totalDeleted
		}

		affected, _ := res.RowsAffected()
		if affected == 0 {
			return totalDeleted
		}
		totalDeleted += affected

		time.Sleep(dc.pause)
	}
}

func isTableNotExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist")
}
