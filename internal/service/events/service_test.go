package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/quality"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu     sync.RWMutex
	events map[int64]domain.Event
	scores []domain.EventQualityScore
}

func newMockRepo() *mockRepo {
	return &mockRepo{events: make(map[int64]domain.Event)}
}

func (m *mockRepo) UpsertEvents(_ context.Context, events []domain.Event) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []int64
	for _, e := range events {
		if cur, ok := m.events[e.ID]; ok {
			e.CanonicalID = cur.CanonicalID
			e.CreatedAt = cur.CreatedAt
		} else {
			inserted = append(inserted, e.ID)
		}
		m.events[e.ID] = e
	}
	return inserted, nil
}

func (m *mockRepo) CandidatesForDates(_ context.Context, dates []string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool)
	for _, d := range dates {
		want[d] = true
	}
	var out []domain.Event
	for _, e := range m.events {
		if want[e.StartDate()] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockRepo) SetCanonical(_ context.Context, changes []canon.Reassignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range changes {
		e := m.events[ch.EventID]
		to := ch.To
		e.CanonicalID = &to
		m.events[ch.EventID] = e
	}
	return nil
}

func (m *mockRepo) LatestScores(_ context.Context, ids []int64) (map[int64]domain.EventQualityScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]bool)
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[int64]domain.EventQualityScore)
	for _, s := range m.scores {
		if want[s.EventID] {
			out[s.EventID] = s
		}
	}
	return out, nil
}

func (m *mockRepo) AppendScores(_ context.Context, scores []domain.EventQualityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, scores...)
	return nil
}

func (m *mockRepo) scoredEventIDs() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for _, s := range m.scores {
		ids = append(ids, s.EventID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type mockRuns map[string]domain.CrawlRun

func (m mockRuns) Get(_ context.Context, id string) (*domain.CrawlRun, error) {
	r, ok := m[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &r, nil
}

type mockObserver struct {
	mu  sync.Mutex
	obs []issues.Observation
}

func (m *mockObserver) Observe(_ context.Context, o issues.Observation) (*domain.QualityIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, o)
	return &domain.QualityIssue{IssueType: o.Type}, nil
}

func (m *mockObserver) byType(t domain.IssueType) []issues.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []issues.Observation
	for _, o := range m.obs {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo, *mockObserver) {
	repo := newMockRepo()
	runs := mockRuns{
		"run-a": {ID: "run-a", SourceID: 1},
		"run-b": {ID: "run-b", SourceID: 2},
		"run-c": {ID: "run-c", SourceID: 3},
	}
	obs := &mockObserver{}
	families := canon.NewFamilies([]canon.Family{{Name: "The Masquerade"}})
	svc := NewService(repo, runs, obs, canon.New(families), quality.NewScorer(quality.DefaultPolicy()))
	svc.now = func() time.Time { return now }
	return svc, repo, obs
}

func jazzNight(id, source int64, venue string, created time.Time) domain.Event {
	return domain.Event{
		ID:              id,
		SourceID:        source,
		Title:           "Jazz Night",
		VenueName:       venue,
		VenueMatchScore: 0.9,
		StartsAt:        time.Date(2026, 3, 20, 21, 0, 0, 0, time.UTC),
		StartTimeKnown:  true,
		Description:     "<p>A night of live jazz in the lounge, all ages.</p>",
		ImageURL:        "https://img.example.com/jazz.jpg",
		TicketURL:       "https://tickets.example.com/jazz",
		Tags:            []string{"music", "jazz"},
		IsFree:          true,
		Confidence:      1,
		CreatedAt:       created,
	}
}

func TestSubmit_SubRoomDuplicatesCollapse(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SubmitExtractedEvents(ctx, 1, "run-a", []domain.Event{jazzNight(101, 1, "Masquerade - Heaven", now.Add(-2*time.Hour))})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	res, err := svc.SubmitExtractedEvents(ctx, 2, "run-b", []domain.Event{jazzNight(202, 2, "Masquerade - Hell", now.Add(-time.Hour))})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}

	if res.Groups != 1 {
		t.Errorf("groups = %d, want 1", res.Groups)
	}
	for _, id := range []int64{101, 202} {
		cid := repo.events[id].CanonicalID
		if cid == nil || *cid != 101 {
			t.Errorf("event %d canonical = %v, want 101", id, cid)
		}
	}
	if got := repo.scoredEventIDs(); len(got) != 1 || got[0] != 101 {
		t.Errorf("scored events = %v, want only the canonical 101", got)
	}
}

func TestSubmit_ResubmissionIsNoOp(t *testing.T) {
	svc, repo, obs := newTestService()
	ctx := context.Background()

	batch := []domain.Event{
		jazzNight(1, 1, "The Masquerade", now),
		{ID: 2, Title: "Open Mic", StartsAt: time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC), Confidence: 0.4},
	}
	first, err := svc.SubmitExtractedEvents(ctx, 1, "run-a", batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Scored != 2 || first.Inserted != 2 {
		t.Fatalf("first submission: %+v", first)
	}
	issuesAfterFirst := len(obs.obs)
	scoresAfterFirst := len(repo.scores)

	second, err := svc.SubmitExtractedEvents(ctx, 1, "run-a", batch)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Scored != 0 || second.Inserted != 0 || second.Reassigned != 0 || second.IssuesObserved != 0 {
		t.Errorf("resubmission changed state: %+v", second)
	}
	if len(repo.scores) != scoresAfterFirst || len(obs.obs) != issuesAfterFirst {
		t.Error("resubmission wrote scores or issues")
	}
}

func TestSubmit_OlderDuplicateRepointsAndRescores(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.SubmitExtractedEvents(ctx, 1, "run-a", []domain.Event{jazzNight(50, 1, "The Masquerade", now)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	older := jazzNight(40, 2, "Masquerade - Hell", now.Add(-48*time.Hour))
	older.ImageURL = ""
	res, err := svc.SubmitExtractedEvents(ctx, 2, "run-b", []domain.Event{older})
	if err != nil {
		t.Fatalf("submit older: %v", err)
	}

	if res.Reassigned != 2 {
		t.Errorf("reassigned = %d, want 2", res.Reassigned)
	}
	if cid := repo.events[50].CanonicalID; cid == nil || *cid != 40 {
		t.Errorf("event 50 canonical = %v, want 40", cid)
	}
	if got := repo.scoredEventIDs(); len(got) != 2 || got[0] != 40 || got[1] != 50 {
		t.Errorf("scored = %v, want [40 50]", got)
	}
}

func TestSubmit_IssueCodesAggregatePerSource(t *testing.T) {
	svc, _, obs := newTestService()

	var batch []domain.Event
	for i := int64(1); i <= 3; i++ {
		e := jazzNight(i, 1, "Venue "+string(rune('A'+i)), now)
		e.ImageURL = ""
		batch = append(batch, e)
	}
	if _, err := svc.SubmitExtractedEvents(context.Background(), 1, "run-a", batch); err != nil {
		t.Fatalf("submit: %v", err)
	}

	got := obs.byType(domain.IssueMissingImage)
	if len(got) != 1 {
		t.Fatalf("missing_image observations = %d, want 1", len(got))
	}
	o := got[0]
	if o.Count != 3 || o.Field != "image_url" || o.EntityType != domain.EntitySource || o.EntityID != 1 {
		t.Errorf("unexpected observation %+v", o)
	}
	if o.SampleEventID == nil {
		t.Error("expected a sample event")
	}
}

func TestSubmit_AmbiguousMergeObservedOnce(t *testing.T) {
	svc, _, obs := newTestService()
	ctx := context.Background()
	day := time.Date(2026, 3, 22, 20, 0, 0, 0, time.UTC)

	resolved := []domain.Event{
		{ID: 1, Title: "Open Mic", VenueName: "Eddie's Attic", StartsAt: day, Confidence: 1, VenueMatchScore: 1},
		{ID: 2, Title: "Open Mic", VenueName: "Smith's Olde Bar", StartsAt: day, Confidence: 1, VenueMatchScore: 1},
	}
	if _, err := svc.SubmitExtractedEvents(ctx, 1, "run-a", resolved); err != nil {
		t.Fatalf("submit: %v", err)
	}
	unresolved := []domain.Event{{ID: 3, Title: "Open Mic", StartsAt: day, Confidence: 1}}
	res, err := svc.SubmitExtractedEvents(ctx, 3, "run-c", unresolved)
	if err != nil {
		t.Fatalf("submit unresolved: %v", err)
	}
	if res.Anomalies != 1 {
		t.Errorf("anomalies = %d, want 1", res.Anomalies)
	}
	if _, err := svc.SubmitExtractedEvents(ctx, 3, "run-c", unresolved); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got := obs.byType(domain.IssueAmbiguousMerge); len(got) != 1 || got[0].SourceID != 3 {
		t.Errorf("ambiguous_merge observations = %+v, want one for source 3", got)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	good := jazzNight(1, 1, "The Masquerade", now)

	tests := []struct {
		name     string
		sourceID int64
		runID    string
		batch    []domain.Event
		wantErr  error
	}{
		{"missing run id", 1, "", []domain.Event{good}, ErrInvalidSubmission},
		{"unknown run", 1, "run-x", []domain.Event{good}, ErrRunNotFound},
		{"run of another source", 2, "run-a", []domain.Event{func() domain.Event { e := good; e.SourceID = 2; return e }()}, ErrInvalidSubmission},
		{"source mismatch", 1, "run-a", []domain.Event{func() domain.Event { e := good; e.SourceID = 9; return e }()}, ErrInvalidSubmission},
		{"missing title", 1, "run-a", []domain.Event{func() domain.Event { e := good; e.Title = " "; return e }()}, ErrInvalidSubmission},
		{"confidence out of range", 1, "run-a", []domain.Event{func() domain.Event { e := good; e.Confidence = 1.5; return e }()}, ErrInvalidSubmission},
		{"duplicate ids", 1, "run-a", []domain.Event{good, good}, ErrInvalidSubmission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService()
			_, err := svc.SubmitExtractedEvents(context.Background(), tt.sourceID, tt.runID, tt.batch)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(repo.events) != 0 || len(repo.scores) != 0 {
				t.Error("rejected batch must not write")
			}
		})
	}
}

func TestSubmit_MalformedDatesRejectWholeBatch(t *testing.T) {
	svc, repo, obs := newTestService()

	bad := jazzNight(2, 1, "The Masquerade", now)
	bad.StartsAt = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	worse := jazzNight(3, 1, "The Masquerade", now)
	worse.StartsAt = time.Time{}

	_, err := svc.SubmitExtractedEvents(context.Background(), 1, "run-a",
		[]domain.Event{jazzNight(1, 1, "The Masquerade", now), bad, worse})
	if !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("expected ErrInvalidSubmission, got %v", err)
	}
	if len(repo.events) != 0 {
		t.Error("valid events of a rejected batch must not be stored")
	}

	got := obs.byType(domain.IssueMalformedDates)
	if len(got) != 1 {
		t.Fatalf("malformed_dates observations = %d, want 1", len(got))
	}
	if got[0].Count != 2 || *got[0].SampleEventID != 2 {
		t.Errorf("unexpected observation %+v", got[0])
	}
}
