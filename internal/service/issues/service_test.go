package issues

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu    sync.RWMutex
	store map[string]*domain.QualityIssue // keyed by ID
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*domain.QualityIssue)}
}

func (m *mockRepo) Upsert(_ context.Context, in *domain.QualityIssue) (*domain.QualityIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.store {
		if cur.IssueType == in.IssueType && cur.EntityType == in.EntityType &&
			cur.EntityID == in.EntityID && cur.Field == in.Field {
			cur.OccurrenceCount += in.OccurrenceCount
			if in.LastSeen.After(cur.LastSeen) {
				cur.LastSeen = in.LastSeen
			}
			cur.Description = in.Description
			if in.SampleEventID != nil {
				cur.SampleEventID = in.SampleEventID
			}
			if cur.Status == domain.IssueFixed {
				cur.Status = domain.IssueOpen
				cur.ResolvedAt = nil
			}
			out := *cur
			return &out, nil
		}
	}
	cp := *in
	m.store[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*domain.QualityIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.store[id]
	if !ok {
		return nil, ErrIssueNotFound
	}
	out := *i
	return &out, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id string, status domain.IssueStatus, notes string, resolvedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.store[id]
	if !ok {
		return ErrIssueNotFound
	}
	i.Status = status
	i.ResolutionNotes = notes
	i.ResolvedAt = resolvedAt
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]domain.QualityIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.QualityIssue
	for _, i := range m.store {
		if f.SourceID != 0 && i.SourceID != f.SourceID {
			continue
		}
		if f.Severity != "" && i.Severity != f.Severity {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, i.Status) {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func hasStatus(list []domain.IssueStatus, s domain.IssueStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	svc := NewService(repo)
	svc.now = func() time.Time { return t0 }
	return svc, repo
}

func sourceObs(t domain.IssueType, sourceID int64, field string, at time.Time) Observation {
	return Observation{
		Type:       t,
		EntityType: domain.EntitySource,
		EntityID:   sourceID,
		SourceID:   sourceID,
		Field:      field,
		SeenAt:     at,
	}
}

func TestObserve_CreatesThenIncrements(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	first, err := svc.Observe(ctx, sourceObs(domain.IssueMissingTime, 7, "start_time", t0))
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if first.Severity != domain.SeverityMedium {
		t.Errorf("severity = %s, want medium", first.Severity)
	}

	o := sourceObs(domain.IssueMissingTime, 7, "start_time", t0.Add(time.Hour))
	o.Count = 4
	second, err := svc.Observe(ctx, o)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected same issue, got %s and %s", first.ID, second.ID)
	}
	if second.OccurrenceCount != 5 {
		t.Errorf("occurrence_count = %d, want 5", second.OccurrenceCount)
	}
	if !second.FirstSeen.Equal(t0) || !second.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("first/last seen = %v/%v", second.FirstSeen, second.LastSeen)
	}
	if len(repo.store) != 1 {
		t.Errorf("expected 1 stored issue, got %d", len(repo.store))
	}
}

func TestObserve_DistinctFieldsAreDistinctIssues(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingTime, 7, "start_time", t0))
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingImage, 7, "image_url", t0))
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingTime, 8, "start_time", t0))

	if len(repo.store) != 3 {
		t.Errorf("expected 3 issues, got %d", len(repo.store))
	}
}

func TestObserve_RejectsIncompleteObservation(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Observe(context.Background(), Observation{EntityType: domain.EntitySource})
	if !errors.Is(err, ErrInvalidObservation) {
		t.Errorf("expected ErrInvalidObservation, got %v", err)
	}
}

func TestObserve_ReopensFixedIssue(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	issue, _ := svc.Observe(ctx, sourceObs(domain.IssueMalformedDates, 3, "starts_at", t0))
	if err := svc.ReportIssueResolution(ctx, issue.ID, domain.IssueFixed, "parser patched"); err != nil {
		t.Fatalf("ReportIssueResolution: %v", err)
	}

	again, _ := svc.Observe(ctx, sourceObs(domain.IssueMalformedDates, 3, "starts_at", t0.Add(24*time.Hour)))
	if again.Status != domain.IssueOpen {
		t.Errorf("status = %s, want open after recurrence", again.Status)
	}
	if again.ResolvedAt != nil {
		t.Error("expected resolved_at cleared on reopen")
	}
	if again.OccurrenceCount != 2 {
		t.Errorf("occurrence_count = %d, want 2", again.OccurrenceCount)
	}
}

func TestObserve_WontFixKeepsStatus(t *testing.T) {
	for _, status := range []domain.IssueStatus{domain.IssueWontFix, domain.IssueFalsePositive} {
		t.Run(string(status), func(t *testing.T) {
			svc, _ := newTestService()
			ctx := context.Background()

			issue, _ := svc.Observe(ctx, sourceObs(domain.IssueMissingImage, 3, "image_url", t0))
			if err := svc.ReportIssueResolution(ctx, issue.ID, status, "source never has images"); err != nil {
				t.Fatalf("ReportIssueResolution: %v", err)
			}
			again, _ := svc.Observe(ctx, sourceObs(domain.IssueMissingImage, 3, "image_url", t0.Add(time.Hour)))
			if again.Status != status {
				t.Errorf("status = %s, want %s", again.Status, status)
			}
			if again.OccurrenceCount != 2 {
				t.Errorf("occurrence_count = %d, want 2", again.OccurrenceCount)
			}
		})
	}
}

func TestReportIssueResolution(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	issue, _ := svc.Observe(ctx, sourceObs(domain.IssueVenueUnresolved, 1, "venue", t0))

	tests := []struct {
		name         string
		id           string
		status       domain.IssueStatus
		wantErr      error
		wantResolved bool
	}{
		{"invalid status", issue.ID, "closed", ErrInvalidStatus, false},
		{"unknown issue", "missing", domain.IssueFixed, ErrIssueNotFound, false},
		{"investigating", issue.ID, domain.IssueInvestigating, nil, false},
		{"fixed", issue.ID, domain.IssueFixed, nil, true},
		{"back to open", issue.ID, domain.IssueOpen, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ReportIssueResolution(ctx, tt.id, tt.status, "  note  ")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReportIssueResolution: %v", err)
			}
			got := repo.store[tt.id]
			if got.Status != tt.status {
				t.Errorf("status = %s, want %s", got.Status, tt.status)
			}
			if got.ResolutionNotes != "note" {
				t.Errorf("notes = %q", got.ResolutionNotes)
			}
			if (got.ResolvedAt != nil) != tt.wantResolved {
				t.Errorf("resolved_at = %v, want set=%v", got.ResolvedAt, tt.wantResolved)
			}
		})
	}
}

func TestListOpenIssues_OrderAndFilter(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingImage, 1, "image_url", t0.Add(5*time.Hour)))
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingTime, 1, "start_time", t0.Add(time.Hour)))
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueVenueUnresolved, 1, "venue", t0.Add(3*time.Hour)))
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMalformedDates, 1, "starts_at", t0))
	closed, _ := svc.Observe(ctx, sourceObs(domain.IssueCrawlFailureStreak, 1, "crawl", t0))
	_ = svc.ReportIssueResolution(ctx, closed.ID, domain.IssueWontFix, "")
	_, _ = svc.Observe(ctx, sourceObs(domain.IssueMissingTime, 2, "start_time", t0))

	got, err := svc.ListOpenIssues(ctx, IssueFilter{SourceID: 1})
	if err != nil {
		t.Fatalf("ListOpenIssues: %v", err)
	}
	want := []domain.IssueType{
		domain.IssueMalformedDates,
		domain.IssueVenueUnresolved,
		domain.IssueMissingTime,
		domain.IssueMissingImage,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d issues, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].IssueType != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].IssueType, w)
		}
	}

	medium, _ := svc.ListOpenIssues(ctx, IssueFilter{Severity: domain.SeverityMedium})
	if len(medium) != 3 {
		t.Errorf("expected 3 medium issues across sources, got %d", len(medium))
	}

	if _, err := svc.ListOpenIssues(ctx, IssueFilter{Severity: "urgent"}); !errors.Is(err, ErrInvalidSeverity) {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Run streaks
// ---------------------------------------------------------------------------

func run(i int, outcome domain.CrawlOutcome, found int) domain.CrawlRun {
	start := t0.Add(time.Duration(i) * 24 * time.Hour)
	return domain.CrawlRun{
		ID:          fmt.Sprintf("run-%d", i),
		SourceID:    9,
		StartedAt:   start,
		CompletedAt: start.Add(time.Minute),
		Outcome:     outcome,
		EventsFound: found,
	}
}

// newestFirst returns history reversed.
func newestFirst(history []domain.CrawlRun) []domain.CrawlRun {
	out := make([]domain.CrawlRun, len(history))
	for i, r := range history {
		out[len(history)-1-i] = r
	}
	return out
}

func TestObserveRunHistory_ZeroEventStreakAccumulates(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	var history []domain.CrawlRun
	record := func(r domain.CrawlRun) {
		history = append(history, r)
		if err := svc.ObserveRunHistory(ctx, 9, newestFirst(history)); err != nil {
			t.Fatalf("ObserveRunHistory: %v", err)
		}
	}

	for i := 0; i < 8; i++ {
		record(run(i, domain.OutcomeSuccess, 8))
	}
	for i := 8; i < 18; i++ {
		record(run(i, domain.OutcomeSuccess, 0))
	}

	if len(repo.store) != 1 {
		t.Fatalf("expected exactly 1 issue, got %d", len(repo.store))
	}
	for _, issue := range repo.store {
		if issue.IssueType != domain.IssueZeroEventRunStreak {
			t.Errorf("type = %s", issue.IssueType)
		}
		if issue.Severity != domain.SeverityHigh {
			t.Errorf("severity = %s, want high", issue.Severity)
		}
		if issue.OccurrenceCount != 8 {
			t.Errorf("occurrence_count = %d, want 8", issue.OccurrenceCount)
		}
		if issue.Status != domain.IssueOpen {
			t.Errorf("status = %s, want open", issue.Status)
		}
	}
}

func TestDetectRunStreaks(t *testing.T) {
	tests := []struct {
		name    string
		history []domain.CrawlRun // oldest first
		want    []domain.IssueType
	}{
		{
			name:    "empty history",
			history: nil,
		},
		{
			name: "two zero runs is not a streak",
			history: []domain.CrawlRun{
				run(0, domain.OutcomeSuccess, 5), run(1, domain.OutcomeSuccess, 5),
				run(2, domain.OutcomeSuccess, 0), run(3, domain.OutcomeSuccess, 0),
			},
		},
		{
			name: "never productive source",
			history: []domain.CrawlRun{
				run(0, domain.OutcomeSuccess, 0), run(1, domain.OutcomeSuccess, 0),
				run(2, domain.OutcomeSuccess, 0), run(3, domain.OutcomeSuccess, 0),
			},
		},
		{
			name: "failures inside the streak are skipped",
			history: []domain.CrawlRun{
				run(0, domain.OutcomeSuccess, 4), run(1, domain.OutcomeSuccess, 0),
				run(2, domain.OutcomeFailure, 0), run(3, domain.OutcomePartial, 0),
				run(4, domain.OutcomeSuccess, 0),
			},
			want: []domain.IssueType{domain.IssueZeroEventRunStreak},
		},
		{
			name: "failure streak",
			history: []domain.CrawlRun{
				run(0, domain.OutcomeSuccess, 4), run(1, domain.OutcomeFailure, 0),
				run(2, domain.OutcomeFailure, 0), run(3, domain.OutcomeFailure, 0),
			},
			want: []domain.IssueType{domain.IssueCrawlFailureStreak},
		},
		{
			name: "failure streak broken by a success",
			history: []domain.CrawlRun{
				run(0, domain.OutcomeFailure, 0), run(1, domain.OutcomeFailure, 0),
				run(2, domain.OutcomeSuccess, 3), run(3, domain.OutcomeFailure, 0),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectRunStreaks(9, newestFirst(tt.history), DefaultStreakPolicy())
			if len(got) != len(tt.want) {
				t.Fatalf("got %d observations, want %d", len(got), len(tt.want))
			}
			for i, w := range tt.want {
				if got[i].Type != w {
					t.Errorf("got %s, want %s", got[i].Type, w)
				}
				if got[i].EntityType != domain.EntitySource || got[i].EntityID != 9 {
					t.Errorf("unexpected entity %s/%d", got[i].EntityType, got[i].EntityID)
				}
				if got[i].SeenAt.IsZero() {
					t.Error("expected SeenAt from the newest run")
				}
			}
		})
	}
}
