package crawlrun

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

const (
	maxErrorMessage = 2000
	clockSkew       = 5 * time.Minute
	defaultLookback = 100
)

// RecordInput is one crawl attempt as reported by the crawler.
type RecordInput struct {
	// ID is optional; the crawler may pick the run's UUID so it can submit
	// extracted events before the recording round-trips.
	ID           string              `json:"id,omitempty"`
	SourceID     int64               `json:"source_id"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  time.Time           `json:"completed_at"`
	Outcome      domain.CrawlOutcome `json:"outcome"`
	EventsFound  int                 `json:"events_found"`
	EventsNew    int                 `json:"events_new"`
	Cost         domain.CrawlCost    `json:"cost"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Seasonal     bool                `json:"seasonal,omitempty"`
}

// Service records crawl runs. It is safe for concurrent use.
type Service struct {
	repo     Repository
	streaks  StreakObserver
	lookback int
	now      func() time.Time
}

// NewService creates a recorder backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, lookback: defaultLookback, now: time.Now}
}

// SetStreakObserver wires the issue tracker's run detectors. lookback caps
// how many recent runs are handed over.
func (s *Service) SetStreakObserver(o StreakObserver, lookback int) {
	s.streaks = o
	if lookback > 0 {
		s.lookback = lookback
	}
}

// RecordCrawlRun validates and appends one crawl attempt with its frequency
// observation. Re-recording a run ID that already exists returns the stored
// run.
func (s *Service) RecordCrawlRun(ctx context.Context, in RecordInput) (*domain.CrawlRun, error) {
	if err := s.validate(in); err != nil {
		metrics.RecordRejected("crawl_run")
		return nil, err
	}

	run := &domain.CrawlRun{
		ID:           in.ID,
		SourceID:     in.SourceID,
		StartedAt:    in.StartedAt.UTC(),
		CompletedAt:  in.CompletedAt.UTC(),
		Outcome:      in.Outcome,
		EventsFound:  in.EventsFound,
		EventsNew:    in.EventsNew,
		Cost:         in.Cost,
		ErrorMessage: truncate(strings.TrimSpace(in.ErrorMessage), maxErrorMessage),
		CreatedAt:    s.now().UTC(),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	prev, err := s.repo.LatestBefore(ctx, run.SourceID, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("previous run for source %d: %w", run.SourceID, err)
	}
	obs := observationFor(run, prev, in.Seasonal)

	if err := s.repo.Append(ctx, run, obs); err != nil {
		if errors.Is(err, ErrDuplicateRun) {
			return s.repo.Get(ctx, run.ID)
		}
		return nil, fmt.Errorf("append crawl run: %w", err)
	}
	metrics.RecordCrawlRun(string(run.Outcome))

	s.observeStreaks(ctx, run.SourceID)
	return run, nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, id string) (*domain.CrawlRun, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) observeStreaks(ctx context.Context, sourceID int64) {
	if s.streaks == nil {
		return
	}
	runs, err := s.repo.Recent(ctx, sourceID, s.lookback)
	if err != nil {
		logger.Warn("streak detection skipped", "source_id", sourceID, "error", err)
		return
	}
	if err := s.streaks.ObserveRunHistory(ctx, sourceID, runs); err != nil {
		logger.Warn("streak detection failed", "source_id", sourceID, "error", err)
	}
}

func (s *Service) validate(in RecordInput) error {
	var problems []string
	if in.ID != "" {
		if _, err := uuid.Parse(in.ID); err != nil {
			problems = append(problems, "id must be a UUID")
		}
	}
	if in.SourceID <= 0 {
		problems = append(problems, "source_id is required")
	}
	if in.StartedAt.IsZero() || in.CompletedAt.IsZero() {
		problems = append(problems, "started_at and completed_at are required")
	} else {
		if in.CompletedAt.Before(in.StartedAt) {
			problems = append(problems, "completed_at precedes started_at")
		}
		if in.StartedAt.After(s.now().Add(clockSkew)) {
			problems = append(problems, "started_at is in the future")
		}
	}
	if !in.Outcome.Valid() {
		problems = append(problems, fmt.Sprintf("unknown outcome %q", in.Outcome))
	}
	if in.EventsFound < 0 || in.EventsNew < 0 {
		problems = append(problems, "event counts must be non-negative")
	}
	if in.EventsNew > in.EventsFound {
		problems = append(problems, "events_new exceeds events_found")
	}
	c := in.Cost
	if c.RequestCount < 0 || c.BytesFetched < 0 || c.CostUSD < 0 || math.IsNaN(c.CostUSD) || math.IsInf(c.CostUSD, 0) {
		problems = append(problems, "cost fields must be non-negative numbers")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRun, strings.Join(problems, "; "))
	}
	return nil
}

func observationFor(run *domain.CrawlRun, prev *domain.CrawlRun, seasonal bool) *domain.FrequencyObservation {
	var hours float64
	if prev != nil {
		hours = math.Round(run.StartedAt.Sub(prev.StartedAt).Hours()*100) / 100
	}
	newEvents := run.EventsNew
	if run.Outcome == domain.OutcomeFailure {
		newEvents = 0
	}
	return &domain.FrequencyObservation{
		ID:                  uuid.New().String(),
		SourceID:            run.SourceID,
		CrawlRunID:          run.ID,
		ObservedAt:          run.StartedAt,
		HoursSinceLastCrawl: hours,
		NewEventsFound:      newEvents,
		DayOfWeek:           run.StartedAt.Weekday(),
		SeasonalFlag:        seasonal,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
