// Package memory provides in-process implementations of the service
// repositories. They back the API tests and single-node runs without a
// database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
	"github.com/dStensland/LostCity-sub000/internal/service/sourcehealth"
)

// Store holds every table behind one lock.
type Store struct {
	mu           sync.RWMutex
	sources      map[int64]domain.Source
	runs         map[string]domain.CrawlRun
	observations []domain.FrequencyObservation
	events       map[int64]domain.Event
	eventScores  []domain.EventQualityScore
	issues       map[string]domain.QualityIssue
	healthScores []domain.SourceHealthScore
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sources: make(map[int64]domain.Source),
		runs:    make(map[string]domain.CrawlRun),
		events:  make(map[int64]domain.Event),
		issues:  make(map[string]domain.QualityIssue),
	}
}

// PutSource inserts or replaces a source.
func (s *Store) PutSource(src domain.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	s.sources[src.ID] = src
}

// CrawlRuns returns the crawl run repository view.
func (s *Store) CrawlRuns() *CrawlRunRepo { return &CrawlRunRepo{s: s} }

// Events returns the event repository view.
func (s *Store) Events() *EventRepo { return &EventRepo{s: s} }

// Issues returns the quality issue repository view.
func (s *Store) Issues() *IssueRepo { return &IssueRepo{s: s} }

// Health returns the source health repository view.
func (s *Store) Health() *HealthRepo { return &HealthRepo{s: s} }

// =============================================================================
// CRAWL RUNS
// =============================================================================

// CrawlRunRepo implements crawlrun.Repository.
type CrawlRunRepo struct{ s *Store }

func (r *CrawlRunRepo) Append(_ context.Context, run *domain.CrawlRun, obs *domain.FrequencyObservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.runs[run.ID]; ok {
		return crawlrun.ErrDuplicateRun
	}
	r.s.runs[run.ID] = *run
	r.s.observations = append(r.s.observations, *obs)
	// Without a scheduler table, the first run of a source registers it.
	if _, ok := r.s.sources[run.SourceID]; !ok {
		r.s.sources[run.SourceID] = domain.Source{
			ID:             run.SourceID,
			Name:           fmt.Sprintf("source %d", run.SourceID),
			CurrentCadence: domain.CadenceDaily,
			Active:         true,
			CreatedAt:      time.Now().UTC(),
		}
	}
	return nil
}

func (r *CrawlRunRepo) LatestBefore(_ context.Context, sourceID int64, before time.Time) (*domain.CrawlRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var latest *domain.CrawlRun
	for _, run := range r.s.runs {
		if run.SourceID != sourceID || !run.StartedAt.Before(before) {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			cp := run
			latest = &cp
		}
	}
	return latest, nil
}

func (r *CrawlRunRepo) Get(_ context.Context, id string) (*domain.CrawlRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, crawlrun.ErrRunNotFound
	}
	return &run, nil
}

func (r *CrawlRunRepo) Recent(_ context.Context, sourceID int64, limit int) ([]domain.CrawlRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.s.runsOf(sourceID, time.Time{}, time.Time{})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// runsOf returns a source's runs newest first, optionally bounded to
// (since, until]. Caller holds the lock.
func (s *Store) runsOf(sourceID int64, since, until time.Time) []domain.CrawlRun {
	var out []domain.CrawlRun
	for _, run := range s.runs {
		if run.SourceID != sourceID {
			continue
		}
		if !until.IsZero() && (run.StartedAt.After(until) || !run.StartedAt.After(since)) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// =============================================================================
// EVENTS
// =============================================================================

// EventRepo implements events.Repository.
type EventRepo struct{ s *Store }

func (r *EventRepo) UpsertEvents(_ context.Context, events []domain.Event) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var inserted []int64
	for _, e := range events {
		if cur, ok := r.s.events[e.ID]; ok {
			e.CanonicalID = cur.CanonicalID
			e.CreatedAt = cur.CreatedAt
		} else {
			inserted = append(inserted, e.ID)
		}
		r.s.events[e.ID] = e
	}
	return inserted, nil
}

func (r *EventRepo) CandidatesForDates(_ context.Context, dates []string) ([]domain.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[string]bool, len(dates))
	for _, d := range dates {
		want[d] = true
	}
	var out []domain.Event
	for _, e := range r.s.events {
		if want[e.StartDate()] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *EventRepo) SetCanonical(_ context.Context, changes []canon.Reassignment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ch := range changes {
		e, ok := r.s.events[ch.EventID]
		if !ok {
			continue
		}
		to := ch.To
		e.CanonicalID = &to
		r.s.events[ch.EventID] = e
	}
	return nil
}

func (r *EventRepo) LatestScores(_ context.Context, eventIDs []int64) (map[int64]domain.EventQualityScore, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[int64]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	out := make(map[int64]domain.EventQualityScore)
	for _, sc := range r.s.eventScores {
		if !want[sc.EventID] {
			continue
		}
		if cur, ok := out[sc.EventID]; !ok || !sc.ScoredAt.Before(cur.ScoredAt) {
			out[sc.EventID] = sc
		}
	}
	return out, nil
}

func (r *EventRepo) AppendScores(_ context.Context, scores []domain.EventQualityScore) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.eventScores = append(r.s.eventScores, scores...)
	return nil
}

// =============================================================================
// QUALITY ISSUES
// =============================================================================

// IssueRepo implements issues.Repository.
type IssueRepo struct{ s *Store }

func (r *IssueRepo) Upsert(_ context.Context, in *domain.QualityIssue) (*domain.QualityIssue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, cur := range r.s.issues {
		if cur.IssueType != in.IssueType || cur.EntityType != in.EntityType ||
			cur.EntityID != in.EntityID || cur.Field != in.Field {
			continue
		}
		cur.OccurrenceCount += in.OccurrenceCount
		if in.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = in.LastSeen
		}
		cur.Description = in.Description
		cur.Severity = in.Severity
		if in.SampleEventID != nil {
			cur.SampleEventID = in.SampleEventID
		}
		if cur.Status == domain.IssueFixed {
			cur.Status = domain.IssueOpen
			cur.ResolvedAt = nil
		}
		r.s.issues[id] = cur
		return &cur, nil
	}
	stored := *in
	r.s.issues[stored.ID] = stored
	return &stored, nil
}

func (r *IssueRepo) Get(_ context.Context, id string) (*domain.QualityIssue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	issue, ok := r.s.issues[id]
	if !ok {
		return nil, issues.ErrIssueNotFound
	}
	return &issue, nil
}

func (r *IssueRepo) UpdateStatus(_ context.Context, id string, status domain.IssueStatus, notes string, resolvedAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	issue, ok := r.s.issues[id]
	if !ok {
		return issues.ErrIssueNotFound
	}
	issue.Status = status
	issue.ResolutionNotes = notes
	issue.ResolvedAt = resolvedAt
	r.s.issues[id] = issue
	return nil
}

func (r *IssueRepo) List(_ context.Context, f issues.ListFilter) ([]domain.QualityIssue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.s.filterIssues(f)
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// filterIssues applies a ListFilter. Caller holds the lock.
func (s *Store) filterIssues(f issues.ListFilter) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, issue := range s.issues {
		if f.SourceID > 0 && issue.SourceID != f.SourceID {
			continue
		}
		if f.Severity != "" && issue.Severity != f.Severity {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, issue.Status) {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func hasStatus(list []domain.IssueStatus, s domain.IssueStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// SOURCE HEALTH
// =============================================================================

// HealthRepo implements sourcehealth.Repository.
type HealthRepo struct{ s *Store }

func (r *HealthRepo) Snapshot(_ context.Context, sourceID int64, asOf time.Time, lookback time.Duration) (*sourcehealth.Snapshot, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src, ok := r.s.sources[sourceID]
	if !ok {
		return nil, sourcehealth.ErrSourceNotFound
	}
	since := asOf.Add(-lookback)
	snap := &sourcehealth.Snapshot{Source: src, Runs: r.s.runsOf(sourceID, since, asOf)}

	latest := make(map[int64]domain.EventQualityScore)
	for _, sc := range r.s.eventScores {
		if sc.SourceID != sourceID || sc.ScoredAt.After(asOf) {
			continue
		}
		e, ok := r.s.events[sc.EventID]
		if !ok || !e.IsCanonical() {
			continue
		}
		if cur, ok := latest[sc.EventID]; !ok || !sc.ScoredAt.Before(cur.ScoredAt) {
			latest[sc.EventID] = sc
		}
	}
	for id, sc := range latest {
		if run, ok := r.s.runs[r.s.events[id].CrawlRunID]; ok {
			sc.SeenAt = run.StartedAt
		}
		snap.Scores = append(snap.Scores, sc)
	}
	sort.Slice(snap.Scores, func(i, j int) bool { return snap.Scores[i].EventID < snap.Scores[j].EventID })

	for _, o := range r.s.observations {
		if o.SourceID == sourceID && o.ObservedAt.After(since) && !o.ObservedAt.After(asOf) {
			snap.Observations = append(snap.Observations, o)
		}
	}
	sort.Slice(snap.Observations, func(i, j int) bool {
		return snap.Observations[i].ObservedAt.Before(snap.Observations[j].ObservedAt)
	})

	for _, issue := range r.s.filterIssues(issues.ListFilter{
		SourceID: sourceID,
		Statuses: []domain.IssueStatus{domain.IssueOpen, domain.IssueInvestigating},
	}) {
		if !issue.FirstSeen.After(asOf) {
			snap.OpenIssues = append(snap.OpenIssues, issue)
		}
	}

	if hist := r.s.historyOf(sourceID); len(hist) > 0 {
		snap.Previous = &hist[0]
	}
	return snap, nil
}

func (r *HealthRepo) AppendScore(_ context.Context, sc *domain.SourceHealthScore) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.healthScores = append(r.s.healthScores, *sc)
	return nil
}

func (r *HealthRepo) LatestScore(_ context.Context, sourceID int64) (*domain.SourceHealthScore, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	hist := r.s.historyOf(sourceID)
	if len(hist) == 0 {
		return nil, nil
	}
	return &hist[0], nil
}

func (r *HealthRepo) History(_ context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	hist := r.s.historyOf(sourceID)
	if limit > 0 && len(hist) > limit {
		hist = hist[:limit]
	}
	return hist, nil
}

// historyOf returns a source's score rows newest first. Caller holds the lock.
func (s *Store) historyOf(sourceID int64) []domain.SourceHealthScore {
	var out []domain.SourceHealthScore
	for i := len(s.healthScores) - 1; i >= 0; i-- {
		if s.healthScores[i].SourceID == sourceID {
			out = append(out, s.healthScores[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	return out
}

func (r *HealthRepo) GetSource(_ context.Context, sourceID int64) (*domain.Source, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	src, ok := r.s.sources[sourceID]
	if !ok {
		return nil, sourcehealth.ErrSourceNotFound
	}
	return &src, nil
}

func (r *HealthRepo) ActiveSources(_ context.Context) ([]domain.Source, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Source
	for _, src := range r.s.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
