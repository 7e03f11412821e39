package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
	"github.com/dStensland/LostCity-sub000/internal/quality"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
)

const (
	minEventYear     = 2000
	maxYearsAhead    = 5
	fieldStartsAt    = "starts_at"
	fieldVenue       = "venue"
	maxBatchProblems = 10
)

// SubmitResult summarizes one accepted batch.
type SubmitResult struct {
	Accepted       int `json:"accepted"`
	Inserted       int `json:"inserted"`
	Groups         int `json:"groups"`
	Reassigned     int `json:"reassigned"`
	Scored         int `json:"scored"`
	IssuesObserved int `json:"issues_observed"`
	Anomalies      int `json:"anomalies"`
}

// Service runs submitted events through the canonicalize, score and track
// pipeline. It is safe for concurrent use.
type Service struct {
	repo   Repository
	runs   RunLookup
	issues IssueObserver
	canon  *canon.Canonicalizer
	scorer *quality.Scorer
	now    func() time.Time
}

// NewService wires the submission pipeline.
func NewService(repo Repository, runs RunLookup, issueObserver IssueObserver, c *canon.Canonicalizer, s *quality.Scorer) *Service {
	if c == nil {
		c = canon.New(nil)
	}
	if s == nil {
		s = quality.NewScorer(quality.DefaultPolicy())
	}
	return &Service{repo: repo, runs: runs, issues: issueObserver, canon: c, scorer: s, now: time.Now}
}

// SubmitExtractedEvents validates a batch from one crawl run, stores it,
// re-canonicalizes every event sharing a start date with the batch and
// scores the canonical members of the groups it touched.
func (s *Service) SubmitExtractedEvents(ctx context.Context, sourceID int64, crawlRunID string, batch []domain.Event) (*SubmitResult, error) {
	now := s.now().UTC()

	events, bad, err := s.validate(sourceID, crawlRunID, batch, now)
	if err != nil {
		metrics.RecordRejected("events")
		if len(bad) > 0 {
			s.observeMalformedDates(ctx, sourceID, bad, now)
		}
		return nil, err
	}

	run, err := s.runs.Get(ctx, crawlRunID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, crawlRunID)
		}
		return nil, fmt.Errorf("lookup crawl run: %w", err)
	}
	if run.SourceID != sourceID {
		metrics.RecordRejected("events")
		return nil, fmt.Errorf("%w: crawl run %s belongs to source %d", ErrInvalidSubmission, crawlRunID, run.SourceID)
	}

	res := &SubmitResult{Accepted: len(events)}
	if len(events) == 0 {
		return res, nil
	}

	inserted, err := s.repo.UpsertEvents(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("upsert events: %w", err)
	}
	res.Inserted = len(inserted)
	metrics.RecordEventsSubmitted(len(events))

	candidates, err := s.repo.CandidatesForDates(ctx, startDates(events))
	if err != nil {
		return nil, fmt.Errorf("load canonical candidates: %w", err)
	}
	grouping := s.canon.Canonicalize(candidates)
	if len(grouping.Changed) > 0 {
		if err := s.repo.SetCanonical(ctx, grouping.Changed); err != nil {
			return nil, fmt.Errorf("apply canonical pointers: %w", err)
		}
	}
	res.Reassigned = len(grouping.Changed)

	touched := touchedGroups(grouping, events)
	res.Groups = len(touched)

	scores, err := s.rescore(ctx, grouping, candidates, touched, now)
	if err != nil {
		return nil, err
	}
	res.Scored = len(scores)

	res.IssuesObserved += s.observeScoreIssues(ctx, scores, now)
	n, anomalies := s.observeAnomalies(ctx, grouping.Anomalies, inserted, now)
	res.IssuesObserved += n
	res.Anomalies = anomalies

	logger.Debug("events submitted", "source_id", sourceID, "crawl_run_id", crawlRunID,
		"accepted", res.Accepted, "inserted", res.Inserted, "scored", res.Scored)
	return res, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// validate checks the whole batch and returns normalized copies. bad lists
// the IDs whose start date could not be trusted.
func (s *Service) validate(sourceID int64, crawlRunID string, batch []domain.Event, now time.Time) ([]domain.Event, []int64, error) {
	if sourceID <= 0 {
		return nil, nil, fmt.Errorf("%w: source_id is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(crawlRunID) == "" {
		return nil, nil, fmt.Errorf("%w: crawl_run_id is required", ErrInvalidSubmission)
	}

	maxYear := now.Year() + maxYearsAhead
	seen := make(map[int64]bool, len(batch))
	out := make([]domain.Event, 0, len(batch))
	var problems []string
	var badDates []int64

	for i, e := range batch {
		var p []string
		if e.ID <= 0 {
			p = append(p, "id is required")
		} else if seen[e.ID] {
			p = append(p, fmt.Sprintf("duplicate id %d", e.ID))
		}
		seen[e.ID] = true

		if e.SourceID == 0 {
			e.SourceID = sourceID
		} else if e.SourceID != sourceID {
			p = append(p, fmt.Sprintf("source_id %d does not match %d", e.SourceID, sourceID))
		}
		e.Title = strings.TrimSpace(e.Title)
		if e.Title == "" {
			p = append(p, "title is required")
		}
		if e.StartsAt.IsZero() || e.StartsAt.Year() < minEventYear || e.StartsAt.Year() > maxYear {
			p = append(p, "starts_at is missing or implausible")
			if e.ID > 0 {
				badDates = append(badDates, e.ID)
			}
		}
		if !unit(e.VenueMatchScore) || !unit(e.Confidence) {
			p = append(p, "venue_match_score and confidence must be within [0,1]")
		}
		if e.PriceMin != nil && (*e.PriceMin < 0 || math.IsNaN(*e.PriceMin)) {
			p = append(p, "price_min must be non-negative")
		}
		if len(p) > 0 {
			if len(problems) < maxBatchProblems {
				problems = append(problems, fmt.Sprintf("event[%d]: %s", i, strings.Join(p, ", ")))
			}
			continue
		}

		e.CrawlRunID = crawlRunID
		e.CanonicalID = nil
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		out = append(out, e)
	}

	if len(problems) > 0 {
		return nil, badDates, fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(problems, "; "))
	}
	return out, nil, nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// ---------------------------------------------------------------------------
// Scoring
// ---------------------------------------------------------------------------

func startDates(events []domain.Event) []string {
	set := make(map[string]bool)
	for _, e := range events {
		set[e.StartDate()] = true
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// touchedGroups returns the canonical IDs of groups holding a batch event or
// an event whose pointer moved.
func touchedGroups(r canon.Result, batch []domain.Event) []int64 {
	set := make(map[int64]bool)
	for _, e := range batch {
		if cid, ok := r.Assignments[e.ID]; ok {
			set[cid] = true
		}
	}
	for _, ch := range r.Changed {
		set[ch.To] = true
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// rescore scores the canonical events in touched and appends the scores that
// differ from the latest stored row. It returns the appended scores.
func (s *Service) rescore(ctx context.Context, r canon.Result, candidates []domain.Event, touched []int64, now time.Time) ([]domain.EventQualityScore, error) {
	byID := make(map[int64]domain.Event, len(candidates))
	for _, e := range candidates {
		byID[e.ID] = e
	}

	latest, err := s.repo.LatestScores(ctx, touched)
	if err != nil {
		return nil, fmt.Errorf("load latest scores: %w", err)
	}

	var fresh []domain.EventQualityScore
	for _, cid := range touched {
		e, ok := byID[cid]
		if !ok {
			continue
		}
		score := s.scorer.Score(e)
		if prev, ok := latest[cid]; ok && prev.SameResult(score) {
			continue
		}
		score.ID = uuid.New().String()
		score.ScoredAt = now
		fresh = append(fresh, score)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if err := s.repo.AppendScores(ctx, fresh); err != nil {
		return nil, fmt.Errorf("append scores: %w", err)
	}
	return fresh, nil
}

// ---------------------------------------------------------------------------
// Issue tracking
// ---------------------------------------------------------------------------

type codeKey struct {
	sourceID int64
	code     domain.IssueType
}

// observeScoreIssues folds the issue codes of new scores into one observation
// per source and code. Failures are logged; the scores are already stored.
func (s *Service) observeScoreIssues(ctx context.Context, scores []domain.EventQualityScore, now time.Time) int {
	counts := make(map[codeKey]int)
	samples := make(map[codeKey]int64)
	var keys []codeKey
	for _, sc := range scores {
		for _, c := range sc.IssueCodes {
			k := codeKey{sourceID: sc.SourceID, code: domain.IssueType(c)}
			if _, ok := counts[k]; !ok {
				keys = append(keys, k)
				samples[k] = sc.EventID
			}
			counts[k]++
		}
	}

	observed := 0
	for _, k := range keys {
		sample := samples[k]
		o := issues.Observation{
			Type:          k.code,
			EntityType:    domain.EntitySource,
			EntityID:      k.sourceID,
			SourceID:      k.sourceID,
			Field:         quality.FieldFor(k.code),
			Description:   fmt.Sprintf("%d canonical events flagged %s", counts[k], k.code),
			SampleEventID: &sample,
			Count:         counts[k],
			SeenAt:        now,
		}
		if s.observe(ctx, o) {
			observed++
		}
	}
	return observed
}

// observeAnomalies reports grouping anomalies that involve a newly inserted
// event, so a resubmitted batch does not count the same ambiguity again.
func (s *Service) observeAnomalies(ctx context.Context, anomalies []canon.Anomaly, inserted []int64, now time.Time) (observed, relevant int) {
	fresh := make(map[int64]bool, len(inserted))
	for _, id := range inserted {
		fresh[id] = true
	}
	for _, a := range anomalies {
		var sample int64
		for _, id := range a.EventIDs {
			if fresh[id] {
				sample = id
				break
			}
		}
		if sample == 0 {
			continue
		}
		relevant++
		o := issues.Observation{
			Type:          a.Type,
			EntityType:    domain.EntitySource,
			EntityID:      a.SourceID,
			SourceID:      a.SourceID,
			Field:         fieldVenue,
			Description:   fmt.Sprintf("%s (%s)", a.Detail, a.Key),
			SampleEventID: &sample,
			Count:         1,
			SeenAt:        now,
		}
		if s.observe(ctx, o) {
			observed++
		}
	}
	return observed, relevant
}

func (s *Service) observeMalformedDates(ctx context.Context, sourceID int64, bad []int64, now time.Time) {
	sample := bad[0]
	s.observe(ctx, issues.Observation{
		Type:          domain.IssueMalformedDates,
		EntityType:    domain.EntitySource,
		EntityID:      sourceID,
		SourceID:      sourceID,
		Field:         fieldStartsAt,
		Description:   fmt.Sprintf("%d events with a missing or implausible start date", len(bad)),
		SampleEventID: &sample,
		Count:         len(bad),
		SeenAt:        now,
	})
}

func (s *Service) observe(ctx context.Context, o issues.Observation) bool {
	if s.issues == nil {
		return false
	}
	if _, err := s.issues.Observe(ctx, o); err != nil {
		logger.Warn("issue observation failed", "source_id", o.SourceID, "issue_type", o.Type, "error", err)
		return false
	}
	return true
}
