package issues

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
)

// Observation is one sighting of a data problem.
type Observation struct {
	Type          domain.IssueType
	EntityType    string
	EntityID      int64
	SourceID      int64
	Field         string
	Description   string
	SampleEventID *int64
	Count         int
	SeenAt        time.Time
}

// IssueFilter narrows ListOpenIssues. Zero fields match everything.
type IssueFilter struct {
	SourceID int64
	Severity domain.Severity
	Limit    int
}

// Service implements the issue tracker. It is safe for concurrent use.
type Service struct {
	repo    Repository
	streaks StreakPolicy
	now     func() time.Time
}

// NewService creates an issue tracker backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, streaks: DefaultStreakPolicy(), now: time.Now}
}

// SetStreakPolicy overrides the run streak thresholds.
func (s *Service) SetStreakPolicy(p StreakPolicy) {
	s.streaks = p.withDefaults()
}

// StreakPolicy returns the thresholds in use. Callers size their run history
// reads with its Lookback.
func (s *Service) StreakPolicy() StreakPolicy {
	return s.streaks
}

// Observe creates the issue for o's key or folds o into the existing one.
func (s *Service) Observe(ctx context.Context, o Observation) (*domain.QualityIssue, error) {
	if o.Type == "" || o.EntityType == "" {
		return nil, fmt.Errorf("%w: type and entity type are required", ErrInvalidObservation)
	}
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.SeenAt.IsZero() {
		o.SeenAt = s.now().UTC()
	}

	issue := &domain.QualityIssue{
		ID:              uuid.New().String(),
		IssueType:       o.Type,
		Severity:        domain.SeverityFor(o.Type),
		EntityType:      o.EntityType,
		EntityID:        o.EntityID,
		SourceID:        o.SourceID,
		Field:           o.Field,
		Description:     strings.TrimSpace(o.Description),
		SampleEventID:   o.SampleEventID,
		OccurrenceCount: o.Count,
		FirstSeen:       o.SeenAt,
		LastSeen:        o.SeenAt,
		Status:          domain.IssueOpen,
	}

	stored, err := s.repo.Upsert(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", o.Type, err)
	}
	metrics.RecordIssueObserved(string(o.Type))
	return stored, nil
}

// ListOpenIssues returns open and investigating issues, most severe first,
// then most recently seen first.
func (s *Service) ListOpenIssues(ctx context.Context, f IssueFilter) ([]domain.QualityIssue, error) {
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, ErrInvalidSeverity
	}
	out, err := s.repo.List(ctx, ListFilter{
		SourceID: f.SourceID,
		Severity: f.Severity,
		Statuses: []domain.IssueStatus{domain.IssueOpen, domain.IssueInvestigating},
	})
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ReportIssueResolution records an operator decision on an issue. Terminal
// statuses stamp ResolvedAt; moving back to open or investigating clears it.
func (s *Service) ReportIssueResolution(ctx context.Context, id string, status domain.IssueStatus, notes string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}

	var resolvedAt *time.Time
	if status.Terminal() {
		now := s.now().UTC()
		resolvedAt = &now
	}
	if err := s.repo.UpdateStatus(ctx, id, status, strings.TrimSpace(notes), resolvedAt); err != nil {
		return fmt.Errorf("update issue %s: %w", id, err)
	}
	return nil
}

// Get returns one issue.
func (s *Service) Get(ctx context.Context, id string) (*domain.QualityIssue, error) {
	return s.repo.Get(ctx, id)
}

// ObserveRunHistory runs the run streak detectors over a source's most
// recent runs, newest first, and records what they find.
func (s *Service) ObserveRunHistory(ctx context.Context, sourceID int64, runs []domain.CrawlRun) error {
	for _, o := range DetectRunStreaks(sourceID, runs, s.streaks) {
		if o.SeenAt.IsZero() {
			o.SeenAt = s.now().UTC()
		}
		if _, err := s.Observe(ctx, o); err != nil {
			return err
		}
	}
	return nil
}
