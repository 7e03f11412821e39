package issues

import (
	"context"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// Repository defines the data access contract for quality issues.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Upsert records one observation atomically. When no issue exists for
	// (IssueType, EntityType, EntityID, Field) the issue is inserted as given.
	// Otherwise OccurrenceCount is added to the stored count, LastSeen moves
	// forward, Description and SampleEventID are refreshed, and an issue in
	// status fixed is reopened. The stored row is returned.
	Upsert(ctx context.Context, issue *domain.QualityIssue) (*domain.QualityIssue, error)

	// Get returns one issue. Returns ErrIssueNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.QualityIssue, error)

	// UpdateStatus sets the operator-managed status fields.
	// Returns ErrIssueNotFound if the issue doesn't exist.
	UpdateStatus(ctx context.Context, id string, status domain.IssueStatus, notes string, resolvedAt *time.Time) error

	// List returns issues matching the filter in no particular order.
	List(ctx context.Context, filter ListFilter) ([]domain.QualityIssue, error)
}

// ListFilter narrows an issue listing. Zero fields match everything.
type ListFilter struct {
	SourceID int64
	Severity domain.Severity
	Statuses []domain.IssueStatus
	Limit    int
}
