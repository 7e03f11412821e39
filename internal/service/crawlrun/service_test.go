package crawlrun

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu   sync.RWMutex
	runs map[string]domain.CrawlRun
	obs  map[string]domain.FrequencyObservation // keyed by run ID
}

func newMockRepo() *mockRepo {
	return &mockRepo{runs: make(map[string]domain.CrawlRun), obs: make(map[string]domain.FrequencyObservation)}
}

func (m *mockRepo) Append(_ context.Context, run *domain.CrawlRun, obs *domain.FrequencyObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrDuplicateRun
	}
	m.runs[run.ID] = *run
	m.obs[run.ID] = *obs
	return nil
}

func (m *mockRepo) LatestBefore(_ context.Context, sourceID int64, before time.Time) (*domain.CrawlRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.CrawlRun
	for _, r := range m.runs {
		if r.SourceID != sourceID || !r.StartedAt.Before(before) {
			continue
		}
		if best == nil || r.StartedAt.After(best.StartedAt) {
			r := r
			best = &r
		}
	}
	return best, nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*domain.CrawlRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &r, nil
}

func (m *mockRepo) Recent(_ context.Context, sourceID int64, limit int) ([]domain.CrawlRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.CrawlRun
	for _, r := range m.runs {
		if r.SourceID == sourceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recordingObserver struct {
	calls [][]domain.CrawlRun
	err   error
}

func (o *recordingObserver) ObserveRunHistory(_ context.Context, _ int64, runs []domain.CrawlRun) error {
	o.calls = append(o.calls, runs)
	return o.err
}

var now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	svc := NewService(repo)
	svc.now = func() time.Time { return now }
	return svc, repo
}

func validInput() RecordInput {
	return RecordInput{
		SourceID:    4,
		StartedAt:   now.Add(-time.Hour),
		CompletedAt: now.Add(-50 * time.Minute),
		Outcome:     domain.OutcomeSuccess,
		EventsFound: 12,
		EventsNew:   3,
		Cost:        domain.CrawlCost{RequestCount: 5, BytesFetched: 40960, CostUSD: 0.02},
	}
}

func TestRecordCrawlRun_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RecordInput)
	}{
		{"missing source", func(in *RecordInput) { in.SourceID = 0 }},
		{"missing start", func(in *RecordInput) { in.StartedAt = time.Time{} }},
		{"completed before start", func(in *RecordInput) { in.CompletedAt = in.StartedAt.Add(-time.Second) }},
		{"future start", func(in *RecordInput) {
			in.StartedAt = now.Add(time.Hour)
			in.CompletedAt = now.Add(2 * time.Hour)
		}},
		{"unknown outcome", func(in *RecordInput) { in.Outcome = "timeout" }},
		{"negative found", func(in *RecordInput) { in.EventsFound = -1 }},
		{"new exceeds found", func(in *RecordInput) { in.EventsNew = 13 }},
		{"negative cost", func(in *RecordInput) { in.Cost.CostUSD = -0.01 }},
		{"bad id", func(in *RecordInput) { in.ID = "run-1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo := newTestService()
			in := validInput()
			tt.modify(&in)

			_, err := svc.RecordCrawlRun(context.Background(), in)
			if !errors.Is(err, ErrInvalidRun) {
				t.Fatalf("expected ErrInvalidRun, got %v", err)
			}
			if len(repo.runs) != 0 || len(repo.obs) != 0 {
				t.Error("rejected run must not write anything")
			}
		})
	}
}

func TestRecordCrawlRun_AppendsRunAndObservation(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	first := validInput()
	first.StartedAt = now.Add(-30 * time.Hour)
	first.CompletedAt = first.StartedAt.Add(time.Minute)
	if _, err := svc.RecordCrawlRun(ctx, first); err != nil {
		t.Fatalf("RecordCrawlRun: %v", err)
	}

	second := validInput()
	second.Seasonal = true
	run, err := svc.RecordCrawlRun(ctx, second)
	if err != nil {
		t.Fatalf("RecordCrawlRun: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected generated run ID")
	}

	obs := repo.obs[run.ID]
	if obs.CrawlRunID != run.ID || obs.SourceID != 4 {
		t.Errorf("observation not linked to run: %+v", obs)
	}
	if obs.HoursSinceLastCrawl != 29 {
		t.Errorf("hours since last crawl = %v, want 29", obs.HoursSinceLastCrawl)
	}
	if obs.NewEventsFound != 3 {
		t.Errorf("new events = %d, want 3", obs.NewEventsFound)
	}
	if obs.DayOfWeek != second.StartedAt.Weekday() {
		t.Errorf("day of week = %v", obs.DayOfWeek)
	}
	if !obs.SeasonalFlag {
		t.Error("expected seasonal flag carried over")
	}

	firstObs := repo.obs[findRun(t, repo, first.StartedAt)]
	if firstObs.HoursSinceLastCrawl != 0 {
		t.Errorf("first run hours = %v, want 0", firstObs.HoursSinceLastCrawl)
	}
}

func findRun(t *testing.T, repo *mockRepo, startedAt time.Time) string {
	t.Helper()
	for id, r := range repo.runs {
		if r.StartedAt.Equal(startedAt) {
			return id
		}
	}
	t.Fatalf("no run started at %v", startedAt)
	return ""
}

func TestRecordCrawlRun_FailureObservesNoNewEvents(t *testing.T) {
	svc, repo := newTestService()
	in := validInput()
	in.Outcome = domain.OutcomeFailure
	in.ErrorMessage = "  HTTP 503  "

	run, err := svc.RecordCrawlRun(context.Background(), in)
	if err != nil {
		t.Fatalf("RecordCrawlRun: %v", err)
	}
	if run.ErrorMessage != "HTTP 503" {
		t.Errorf("error message = %q", run.ErrorMessage)
	}
	if repo.obs[run.ID].NewEventsFound != 0 {
		t.Error("failed run must not count new events")
	}
}

func TestRecordCrawlRun_DuplicateIDIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	in := validInput()
	in.ID = "0d9c3b0e-8a43-4b8e-9d3e-0f6b9a1c2d3e"

	a, err := svc.RecordCrawlRun(ctx, in)
	if err != nil {
		t.Fatalf("RecordCrawlRun: %v", err)
	}
	b, err := svc.RecordCrawlRun(ctx, in)
	if err != nil {
		t.Fatalf("RecordCrawlRun again: %v", err)
	}
	if a.ID != b.ID || len(repo.runs) != 1 {
		t.Errorf("expected a single stored run, got %d", len(repo.runs))
	}
}

func TestRecordCrawlRun_HandsHistoryToStreakObserver(t *testing.T) {
	svc, _ := newTestService()
	obs := &recordingObserver{}
	svc.SetStreakObserver(obs, 2)
	ctx := context.Background()

	for i := 3; i > 0; i-- {
		in := validInput()
		in.StartedAt = now.Add(-time.Duration(i) * 24 * time.Hour)
		in.CompletedAt = in.StartedAt.Add(time.Minute)
		if _, err := svc.RecordCrawlRun(ctx, in); err != nil {
			t.Fatalf("RecordCrawlRun: %v", err)
		}
	}

	if len(obs.calls) != 3 {
		t.Fatalf("observer called %d times, want 3", len(obs.calls))
	}
	last := obs.calls[2]
	if len(last) != 2 {
		t.Fatalf("lookback not applied: got %d runs", len(last))
	}
	if !last[0].StartedAt.After(last[1].StartedAt) {
		t.Error("expected newest run first")
	}
}

func TestRecordCrawlRun_StreakErrorDoesNotFailRecording(t *testing.T) {
	svc, repo := newTestService()
	svc.SetStreakObserver(&recordingObserver{err: errors.New("issue store down")}, 0)

	if _, err := svc.RecordCrawlRun(context.Background(), validInput()); err != nil {
		t.Fatalf("RecordCrawlRun: %v", err)
	}
	if len(repo.runs) != 1 {
		t.Error("run should be stored despite observer failure")
	}
}
