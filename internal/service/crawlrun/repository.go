package crawlrun

import (
	"context"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Repository defines the data access contract for crawl runs.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Append stores a run and its frequency observation atomically.
	// Returns ErrDuplicateRun if a run with the same ID exists.
	Append(ctx context.Context, run *domain.CrawlRun, obs *domain.FrequencyObservation) error

	// LatestBefore returns the newest run of the source that started strictly
	// before the given time, or nil when there is none.
	LatestBefore(ctx context.Context, sourceID int64, before time.Time) (*domain.CrawlRun, error)

	// Get returns one run. Returns ErrRunNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.CrawlRun, error)

	// Recent returns up to limit runs of the source, newest first.
	Recent(ctx context.Context, sourceID int64, limit int) ([]domain.CrawlRun, error)
}

// StreakObserver receives a source's recent runs, newest first, after each
// recorded run.
type StreakObserver interface {
	ObserveRunHistory(ctx context.Context, sourceID int64, runs []domain.CrawlRun) error
}
