package sourcehealth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/frequency"
	"github.com/dStensland/LostCity-sub000/internal/health"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

// ReasonNeverScored is reported by reads for a source with no score row yet.
const ReasonNeverScored = "no_health_score"

const defaultHistoryLimit = 30

// Policy bundles the aggregator and learner tunables.
type Policy struct {
	Health    health.Policy
	Frequency frequency.Policy
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{Health: health.DefaultPolicy(), Frequency: frequency.DefaultPolicy()}
}

// HealthView is the read model of GetSourceHealth.
type HealthView struct {
	SourceID     int64             `json:"source_id"`
	Tier         domain.HealthTier `json:"tier"`
	Composite    float64           `json:"composite"`
	Reliability  float64           `json:"reliability"`
	Quality      float64           `json:"quality"`
	Value        float64           `json:"value"`
	ReasonCodes  []string          `json:"reason_codes"`
	RunsRecent   int               `json:"runs_recent"`
	RunsLong     int               `json:"runs_long"`
	EventsScored int               `json:"events_scored"`
	ComputedAt   *time.Time        `json:"computed_at,omitempty"`
	SnapshotAt   *time.Time        `json:"snapshot_at,omitempty"`
}

// FrequencyView is the read model of GetRecommendedFrequency.
type FrequencyView struct {
	SourceID           int64             `json:"source_id"`
	CurrentCadence     domain.Cadence    `json:"current_cadence"`
	RecommendedCadence domain.Cadence    `json:"recommended_cadence"`
	IntervalHours      float64           `json:"interval_hours"`
	Confidence         domain.Confidence `json:"confidence"`
	AnchorDays         []string          `json:"anchor_days,omitempty"`
	ReasonCodes        []string          `json:"reason_codes"`
	ComputedAt         *time.Time        `json:"computed_at,omitempty"`
}

// Service recomputes and serves source health. It is safe for concurrent use.
type Service struct {
	repo     Repository
	policy   Policy
	cache    Cache
	archiver Archiver
	notifier Notifier
	now      func() time.Time
}

// NewService creates a source health service.
func NewService(repo Repository, p Policy) *Service {
	return &Service{repo: repo, policy: p, now: time.Now}
}

// SetCache enables the read-through cache of latest scores.
func (s *Service) SetCache(c Cache) { s.cache = c }

// SetArchiver enables long-term archiving of computed scores.
func (s *Service) SetArchiver(a Archiver) { s.archiver = a }

// SetNotifier enables scheduler notifications on cadence changes.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Recompute scores one source as of asOf and appends the result.
func (s *Service) Recompute(ctx context.Context, sourceID int64, asOf time.Time) (*domain.SourceHealthScore, error) {
	asOf = asOf.UTC()
	snap, err := s.repo.Snapshot(ctx, sourceID, asOf, s.lookback())
	if err != nil {
		return nil, fmt.Errorf("snapshot source %d: %w", sourceID, err)
	}

	res := health.Compute(health.Input{
		AsOf:       asOf,
		Runs:       snap.Runs,
		Scores:     snap.Scores,
		OpenIssues: snap.OpenIssues,
	}, s.policy.Health)

	rec := frequency.Recommend(frequency.Input{
		AsOf:         asOf,
		Observations: snap.Observations,
		Current:      snap.Source.CurrentCadence,
		Tier:         res.Tier,
	}, s.policy.Frequency)

	score := &domain.SourceHealthScore{
		ID:                 uuid.New().String(),
		SourceID:           sourceID,
		ComputedAt:         s.now().UTC(),
		SnapshotAt:         asOf,
		Reliability:        res.Reliability,
		Quality:            res.Quality,
		Value:              res.Value,
		Composite:          res.Composite,
		Tier:               res.Tier,
		RecommendedCadence: rec.Cadence,
		CadenceConfidence:  rec.Confidence,
		AnchorDays:         rec.AnchorDays,
		ReasonCodes:        res.Reasons,
		CadenceReasons:     rec.Reasons,
		RunsRecent:         res.RunsRecent,
		RunsLong:           res.RunsLong,
		EventsScored:       res.EventsScored,
	}
	if err := s.repo.AppendScore(ctx, score); err != nil {
		return nil, fmt.Errorf("append score source %d: %w", sourceID, err)
	}
	metrics.SetComposite(sourceID, score.Composite)

	s.publish(ctx, snap.Source, snap.Previous, score)
	return score, nil
}

// publish fans a stored score out to the cache, archive and scheduler. None
// of them is authoritative, so failures are only logged.
func (s *Service) publish(ctx context.Context, src domain.Source, prev, score *domain.SourceHealthScore) {
	if s.cache != nil {
		if err := s.cache.Set(ctx, score); err != nil {
			logger.Warn("health cache write failed", "source_id", score.SourceID, "error", err)
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, score); err != nil {
			logger.Warn("health archive failed", "source_id", score.SourceID, "error", err)
		}
	}
	if s.notifier == nil {
		return
	}

	previous := src.CurrentCadence
	if prev != nil {
		previous = prev.RecommendedCadence
	}
	if previous == score.RecommendedCadence {
		return
	}
	change := domain.CadenceChange{
		SourceID:    score.SourceID,
		Previous:    previous,
		Recommended: score.RecommendedCadence,
		Confidence:  score.CadenceConfidence,
		AnchorDays:  score.AnchorDays,
		Tier:        score.Tier,
		ComputedAt:  score.ComputedAt,
	}
	if err := s.notifier.NotifyCadenceChange(ctx, change); err != nil {
		logger.Warn("cadence notification failed", "source_id", score.SourceID, "error", err)
		return
	}
	logger.Info("cadence changed", "source_id", score.SourceID,
		"from", string(previous), "to", string(score.RecommendedCadence))
}

// GetSourceHealth returns the latest health of a source. A source that was
// never scored reports insufficient_data rather than an error.
func (s *Service) GetSourceHealth(ctx context.Context, sourceID int64) (*HealthView, error) {
	score, err := s.latest(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if score == nil {
		return &HealthView{
			SourceID:    sourceID,
			Tier:        domain.TierInsufficientData,
			ReasonCodes: []string{ReasonNeverScored, health.ReasonInsufficientData},
		}, nil
	}
	computed, snapshot := score.ComputedAt, score.SnapshotAt
	return &HealthView{
		SourceID:     sourceID,
		Tier:         score.Tier,
		Composite:    score.Composite,
		Reliability:  score.Reliability,
		Quality:      score.Quality,
		Value:        score.Value,
		ReasonCodes:  nonNil(score.ReasonCodes),
		RunsRecent:   score.RunsRecent,
		RunsLong:     score.RunsLong,
		EventsScored: score.EventsScored,
		ComputedAt:   &computed,
		SnapshotAt:   &snapshot,
	}, nil
}

// GetRecommendedFrequency returns the latest cadence recommendation. A
// source that was never scored keeps its current cadence with low confidence.
func (s *Service) GetRecommendedFrequency(ctx context.Context, sourceID int64) (*FrequencyView, error) {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	score, err := s.latest(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	current := src.CurrentCadence
	if !current.Valid() {
		current = domain.CadenceDaily
	}
	if score == nil {
		return &FrequencyView{
			SourceID:           sourceID,
			CurrentCadence:     src.CurrentCadence,
			RecommendedCadence: current,
			IntervalHours:      current.Interval().Hours(),
			Confidence:         domain.ConfidenceLow,
			ReasonCodes:        []string{ReasonNeverScored},
		}, nil
	}

	computed := score.ComputedAt
	view := &FrequencyView{
		SourceID:           sourceID,
		CurrentCadence:     src.CurrentCadence,
		RecommendedCadence: score.RecommendedCadence,
		IntervalHours:      score.RecommendedCadence.Interval().Hours(),
		Confidence:         score.CadenceConfidence,
		ReasonCodes:        nonNil(score.CadenceReasons),
		ComputedAt:         &computed,
	}
	for _, d := range score.AnchorDays {
		view.AnchorDays = append(view.AnchorDays, d.String())
	}
	return view, nil
}

// GetHealthHistory returns past score rows, newest first.
func (s *Service) GetHealthHistory(ctx context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error) {
	if _, err := s.repo.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.repo.History(ctx, sourceID, limit)
}

// ActiveSources lists the sources the recompute scheduler should visit.
func (s *Service) ActiveSources(ctx context.Context) ([]domain.Source, error) {
	return s.repo.ActiveSources(ctx)
}

// latest reads the newest score through the cache. It returns
// ErrSourceNotFound for an unknown source.
func (s *Service) latest(ctx context.Context, sourceID int64) (*domain.SourceHealthScore, error) {
	if s.cache != nil {
		score, ok, err := s.cache.Get(ctx, sourceID)
		if err != nil {
			logger.Warn("health cache read failed", "source_id", sourceID, "error", err)
		} else if ok {
			return score, nil
		}
	}

	if _, err := s.repo.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	score, err := s.repo.LatestScore(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("latest score source %d: %w", sourceID, err)
	}
	if score != nil && s.cache != nil {
		if err := s.cache.Set(ctx, score); err != nil {
			logger.Warn("health cache write failed", "source_id", sourceID, "error", err)
		}
	}
	return score, nil
}

func (s *Service) lookback() time.Duration {
	h := s.policy.Health.LongWindow
	if h <= 0 {
		h = health.DefaultPolicy().LongWindow
	}
	f := s.policy.Frequency.Lookback
	if f <= 0 {
		f = frequency.DefaultPolicy().Lookback
	}
	if f > h {
		return f
	}
	return h
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
