package sourcehealth

import (
	"context"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Snapshot is everything one recomputation reads, as of a single instant.
type Snapshot struct {
	Source       domain.Source
	Runs         []domain.CrawlRun
	Scores       []domain.EventQualityScore // latest score per canonical event
	Observations []domain.FrequencyObservation
	OpenIssues   []domain.QualityIssue
	Previous     *domain.SourceHealthScore // newest stored score, nil if never scored
}

// Repository defines the data access contract for health scores.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Snapshot reads a source's inputs bounded by asOf and reaching back
	// lookback. All reads observe the same database state.
	// Returns ErrSourceNotFound if the source doesn't exist.
	Snapshot(ctx context.Context, sourceID int64, asOf time.Time, lookback time.Duration) (*Snapshot, error)

	// AppendScore inserts a new score row.
	AppendScore(ctx context.Context, s *domain.SourceHealthScore) error

	// LatestScore returns the newest score row, or nil when the source has
	// never been scored.
	LatestScore(ctx context.Context, sourceID int64) (*domain.SourceHealthScore, error)

	// History returns up to limit score rows, newest first.
	History(ctx context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error)

	// GetSource returns one source. Returns ErrSourceNotFound if it doesn't exist.
	GetSource(ctx context.Context, sourceID int64) (*domain.Source, error)

	// ActiveSources returns every source the scheduler still crawls.
	ActiveSources(ctx context.Context) ([]domain.Source, error)
}

// Cache holds the latest score per source.
type Cache interface {
	Get(ctx context.Context, sourceID int64) (*domain.SourceHealthScore, bool, error)
	Set(ctx context.Context, s *domain.SourceHealthScore) error
}

// Archiver keeps a long-term copy of every computed score.
type Archiver interface {
	Archive(ctx context.Context, s *domain.SourceHealthScore) error
}

// Notifier tells the external scheduler about cadence changes.
type Notifier interface {
	NotifyCadenceChange(ctx context.Context, c domain.CadenceChange) error
}
