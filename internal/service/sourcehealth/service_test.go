package sourcehealth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRepo is an in-memory repository for testing.
type mockRepo struct {
	mu          sync.Mutex
	sources     map[int64]domain.Source
	snapshots   map[int64]*Snapshot
	scores      []domain.SourceHealthScore
	latestReads int
	lastAsOf    time.Time
	lastLookbk  time.Duration
}

func newMockRepo() *mockRepo {
	return &mockRepo{sources: make(map[int64]domain.Source), snapshots: make(map[int64]*Snapshot)}
}

func (m *mockRepo) Snapshot(_ context.Context, sourceID int64, asOf time.Time, lookback time.Duration) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil, ErrSourceNotFound
	}
	m.lastAsOf, m.lastLookbk = asOf, lookback
	out := &Snapshot{Source: src}
	if snap, ok := m.snapshots[sourceID]; ok {
		cp := *snap
		cp.Source = src
		out = &cp
	}
	for i := len(m.scores) - 1; i >= 0; i-- {
		if m.scores[i].SourceID == sourceID {
			prev := m.scores[i]
			out.Previous = &prev
			break
		}
	}
	return out, nil
}

func (m *mockRepo) AppendScore(_ context.Context, s *domain.SourceHealthScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, *s)
	return nil
}

func (m *mockRepo) LatestScore(_ context.Context, sourceID int64) (*domain.SourceHealthScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestReads++
	for i := len(m.scores) - 1; i >= 0; i-- {
		if m.scores[i].SourceID == sourceID {
			s := m.scores[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) History(_ context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SourceHealthScore
	for i := len(m.scores) - 1; i >= 0 && len(out) < limit; i-- {
		if m.scores[i].SourceID == sourceID {
			out = append(out, m.scores[i])
		}
	}
	return out, nil
}

func (m *mockRepo) GetSource(_ context.Context, sourceID int64) (*domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return nil, ErrSourceNotFound
	}
	return &src, nil
}

func (m *mockRepo) ActiveSources(_ context.Context) ([]domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Source
	for _, s := range m.sources {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

type mapCache struct {
	mu    sync.Mutex
	items map[int64]domain.SourceHealthScore
}

func (c *mapCache) Get(_ context.Context, id int64) (*domain.SourceHealthScore, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (c *mapCache) Set(_ context.Context, s *domain.SourceHealthScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[s.SourceID] = *s
	return nil
}

type failingArchiver struct{ calls int }

func (a *failingArchiver) Archive(context.Context, *domain.SourceHealthScore) error {
	a.calls++
	return errors.New("bucket unavailable")
}

type recordingNotifier struct {
	changes []domain.CadenceChange
}

func (n *recordingNotifier) NotifyCadenceChange(_ context.Context, c domain.CadenceChange) error {
	n.changes = append(n.changes, c)
	return nil
}

var asOf = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// productiveSnapshot is a healthy daily source: ten good runs, well scored
// events and a daily stream of new events.
func productiveSnapshot() *Snapshot {
	snap := &Snapshot{}
	for i := 0; i < 30; i++ {
		start := asOf.Add(-time.Duration(i)*24*time.Hour - time.Hour)
		snap.Runs = append(snap.Runs, domain.CrawlRun{
			SourceID:    1,
			StartedAt:   start,
			CompletedAt: start.Add(time.Minute),
			Outcome:     domain.OutcomeSuccess,
			EventsFound: 20,
			EventsNew:   6,
			Cost:        domain.CrawlCost{CostUSD: 0.01},
		})
		snap.Observations = append(snap.Observations, domain.FrequencyObservation{
			SourceID:            1,
			ObservedAt:          start,
			HoursSinceLastCrawl: 24,
			NewEventsFound:      6,
			DayOfWeek:           start.Weekday(),
		})
	}
	for i := int64(1); i <= 10; i++ {
		snap.Scores = append(snap.Scores, domain.EventQualityScore{
			EventID:        i,
			SourceID:       1,
			Score:          95,
			HasDescription: true,
			HasImage:       true,
			HasStartTime:   true,
			ScoredAt:       asOf.Add(-time.Duration(i) * time.Hour),
		})
	}
	return snap
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	repo.sources[1] = domain.Source{ID: 1, Name: "Eddie's Attic", CurrentCadence: domain.CadenceWeekly, Active: true}
	repo.sources[2] = domain.Source{ID: 2, Name: "Fresh Source", CurrentCadence: domain.CadenceTwiceWeekly, Active: true}
	repo.snapshots[1] = productiveSnapshot()
	svc := NewService(repo, DefaultPolicy())
	svc.now = func() time.Time { return asOf.Add(time.Minute) }
	return svc, repo
}

func TestGetSourceHealth_NeverScored(t *testing.T) {
	svc, _ := newTestService()

	view, err := svc.GetSourceHealth(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.TierInsufficientData, view.Tier)
	assert.Contains(t, view.ReasonCodes, ReasonNeverScored)
	assert.Nil(t, view.ComputedAt)
}

func TestGetSourceHealth_UnknownSource(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.GetSourceHealth(context.Background(), 99)
	assert.ErrorIs(t, err, ErrSourceNotFound)

	_, err = svc.GetRecommendedFrequency(context.Background(), 99)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestGetRecommendedFrequency_NeverScored(t *testing.T) {
	svc, _ := newTestService()

	view, err := svc.GetRecommendedFrequency(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.CadenceTwiceWeekly, view.RecommendedCadence)
	assert.Equal(t, domain.ConfidenceLow, view.Confidence)
	assert.Equal(t, []string{ReasonNeverScored}, view.ReasonCodes)
	assert.Equal(t, 84.0, view.IntervalHours)
}

func TestRecompute_HealthySource(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	score, err := svc.Recompute(ctx, 1, asOf)
	require.NoError(t, err)

	assert.Equal(t, asOf, repo.lastAsOf)
	assert.Equal(t, 90*24*time.Hour, repo.lastLookbk)
	assert.Equal(t, domain.TierPremium, score.Tier)
	assert.Equal(t, domain.CadenceDaily, score.RecommendedCadence)
	assert.Equal(t, domain.ConfidenceHigh, score.CadenceConfidence)
	assert.Equal(t, asOf, score.SnapshotAt)
	require.Len(t, repo.scores, 1)

	view, err := svc.GetSourceHealth(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, score.Composite, view.Composite)
	require.NotNil(t, view.SnapshotAt)
	assert.Equal(t, asOf, *view.SnapshotAt)

	freq, err := svc.GetRecommendedFrequency(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.CadenceWeekly, freq.CurrentCadence)
	assert.Equal(t, domain.CadenceDaily, freq.RecommendedCadence)
	assert.Equal(t, 24.0, freq.IntervalHours)
}

func TestRecompute_ColdStart(t *testing.T) {
	svc, _ := newTestService()

	score, err := svc.Recompute(context.Background(), 2, asOf)
	require.NoError(t, err)
	assert.Equal(t, domain.TierInsufficientData, score.Tier)
	assert.Equal(t, domain.ConfidenceLow, score.CadenceConfidence)
	assert.Equal(t, domain.CadenceTwiceWeekly, score.RecommendedCadence)
	for _, v := range []float64{score.Reliability, score.Quality, score.Value, score.Composite} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
}

func TestRecompute_UnknownSource(t *testing.T) {
	svc, repo := newTestService()
	_, err := svc.Recompute(context.Background(), 42, asOf)
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.Empty(t, repo.scores)
}

func TestRecompute_NotifiesOnlyOnCadenceChange(t *testing.T) {
	svc, _ := newTestService()
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	ctx := context.Background()

	_, err := svc.Recompute(ctx, 1, asOf)
	require.NoError(t, err)
	_, err = svc.Recompute(ctx, 1, asOf.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, n.changes, 1)
	assert.Equal(t, domain.CadenceWeekly, n.changes[0].Previous)
	assert.Equal(t, domain.CadenceDaily, n.changes[0].Recommended)
	assert.Equal(t, int64(1), n.changes[0].SourceID)
}

func TestRecompute_ReadsPreviousScoreFromSnapshot(t *testing.T) {
	svc, repo := newTestService()
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	repo.scores = append(repo.scores, domain.SourceHealthScore{
		SourceID: 1, RecommendedCadence: domain.CadenceMonthly, ComputedAt: asOf.Add(-time.Hour),
	})

	_, err := svc.Recompute(context.Background(), 1, asOf)
	require.NoError(t, err)

	assert.Zero(t, repo.latestReads, "recompute should not read outside the snapshot")
	require.Len(t, n.changes, 1)
	assert.Equal(t, domain.CadenceMonthly, n.changes[0].Previous)
}

func TestRecompute_CacheAndArchive(t *testing.T) {
	svc, repo := newTestService()
	cache := &mapCache{items: make(map[int64]domain.SourceHealthScore)}
	archiver := &failingArchiver{}
	svc.SetCache(cache)
	svc.SetArchiver(archiver)
	ctx := context.Background()

	score, err := svc.Recompute(ctx, 1, asOf)
	require.NoError(t, err, "archive failure must not fail recomputation")
	assert.Equal(t, 1, archiver.calls)
	assert.Equal(t, score.ID, cache.items[1].ID)

	reads := repo.latestReads
	_, err = svc.GetSourceHealth(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, reads, repo.latestReads, "cache hit should not read the repository")
}

func TestGetHealthHistory(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Recompute(ctx, 1, asOf.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	hist, err := svc.GetHealthHistory(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].SnapshotAt.After(hist[1].SnapshotAt))

	_, err = svc.GetHealthHistory(ctx, 77, 0)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}
