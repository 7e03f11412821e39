package events

import (
	"context"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
)

// Repository defines the data access contract for events and their scores.
// Implementations must be safe for concurrent use.
type Repository interface {
	// UpsertEvents stores events by ID. Existing rows keep their canonical_id.
	// It returns the IDs that did not exist before.
	UpsertEvents(ctx context.Context, events []domain.Event) ([]int64, error)

	// CandidatesForDates returns every stored event starting on one of the
	// given dates (YYYY-MM-DD).
	CandidatesForDates(ctx context.Context, dates []string) ([]domain.Event, error)

	// SetCanonical applies canonical pointer changes in one transaction.
	SetCanonical(ctx context.Context, changes []canon.Reassignment) error

	// LatestScores returns the newest score per event for the given IDs.
	LatestScores(ctx context.Context, eventIDs []int64) (map[int64]domain.EventQualityScore, error)

	// AppendScores inserts new score rows.
	AppendScores(ctx context.Context, scores []domain.EventQualityScore) error
}

// RunLookup resolves the crawl run a batch belongs to.
type RunLookup interface {
	Get(ctx context.Context, id string) (*domain.CrawlRun, error)
}

// IssueObserver receives issue sightings.
type IssueObserver interface {
	Observe(ctx context.Context, o issues.Observation) (*domain.QualityIssue, error)
}
