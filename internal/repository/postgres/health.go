package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/service/sourcehealth"
)

// HealthRepo implements sourcehealth.Repository against PostgreSQL.
type HealthRepo struct{ db *sql.DB }

// NewHealthRepo creates a Postgres-backed source health repository.
func NewHealthRepo(db *sql.DB) *HealthRepo { return &HealthRepo{db: db} }

const sourceColumns = `id, name, url, current_cadence, active, created_at`

const healthColumns = `id, source_id, computed_at, snapshot_at, reliability, quality, value, composite,
	tier, recommended_cadence, cadence_confidence, anchor_days, reason_codes, cadence_reasons,
	runs_recent, runs_long, events_scored`

// Snapshot reads every input of one recomputation inside a single
// repeatable-read transaction.
func (r *HealthRepo) Snapshot(ctx context.Context, sourceID int64, asOf time.Time, lookback time.Duration) (*sourcehealth.Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	src, err := scanSource(tx.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID))
	if err == sql.ErrNoRows {
		return nil, sourcehealth.ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	snap := &sourcehealth.Snapshot{Source: *src}
	since := asOf.Add(-lookback)

	// Runs
	rows, err := tx.QueryContext(ctx, `
		SELECT `+crawlRunColumns+`
		FROM crawl_runs
		WHERE source_id = $1 AND started_at > $2 AND started_at <= $3
		ORDER BY started_at DESC
	`, sourceID, since, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot runs: %w", err)
	}
	for rows.Next() {
		run, err := scanCrawlRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		snap.Runs = append(snap.Runs, *run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Latest score per canonical event, with the start of the run that last
	// posted the event
	rows, err = tx.QueryContext(ctx, `
		SELECT DISTINCT ON (s.event_id) s.id, s.event_id, s.source_id, s.score, s.has_description,
			s.has_image, s.has_start_time, s.has_price, s.has_ticket_url, s.has_tags,
			s.venue_match_score, s.confidence, s.tier, s.has_data_issues, s.issue_codes, s.scored_at,
			r.started_at
		FROM event_quality_scores s
		JOIN events e ON e.id = s.event_id
		LEFT JOIN crawl_runs r ON r.id = e.crawl_run_id
		WHERE s.source_id = $1 AND s.scored_at <= $2
			AND (e.canonical_id IS NULL OR e.canonical_id = e.id)
		ORDER BY s.event_id, s.scored_at DESC
	`, sourceID, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot scores: %w", err)
	}
	for rows.Next() {
		var seen sql.NullTime
		s, err := scanEventScore(rows, &seen)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event score: %w", err)
		}
		if seen.Valid {
			s.SeenAt = seen.Time
		}
		snap.Scores = append(snap.Scores, *s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Frequency observations
	rows, err = tx.QueryContext(ctx, `
		SELECT id, source_id, crawl_run_id, observed_at, hours_since_last_crawl,
			new_events_found, day_of_week, seasonal_flag
		FROM frequency_observations
		WHERE source_id = $1 AND observed_at > $2 AND observed_at <= $3
		ORDER BY observed_at
	`, sourceID, since, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot observations: %w", err)
	}
	for rows.Next() {
		var o domain.FrequencyObservation
		var dow int
		if err := rows.Scan(&o.ID, &o.SourceID, &o.CrawlRunID, &o.ObservedAt, &o.HoursSinceLastCrawl,
			&o.NewEventsFound, &dow, &o.SeasonalFlag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.DayOfWeek = time.Weekday(dow)
		snap.Observations = append(snap.Observations, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Open issues
	rows, err = tx.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM quality_issues
		WHERE source_id = $1 AND status IN ('open', 'investigating') AND first_seen <= $2
	`, sourceID, asOf)
	if err != nil {
		return nil, fmt.Errorf("snapshot issues: %w", err)
	}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan quality issue: %w", err)
		}
		snap.OpenIssues = append(snap.OpenIssues, *issue)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest stored score, for cadence change detection
	prev, err := scanHealthScore(tx.QueryRowContext(ctx, `
		SELECT `+healthColumns+`
		FROM source_health_scores
		WHERE source_id = $1
		ORDER BY computed_at DESC
		LIMIT 1
	`, sourceID))
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("snapshot previous score: %w", err)
	default:
		snap.Previous = prev
	}

	return snap, tx.Commit()
}

func (r *HealthRepo) AppendScore(ctx context.Context, s *domain.SourceHealthScore) error {
	anchors := make([]int64, len(s.AnchorDays))
	for i, d := range s.AnchorDays {
		anchors[i] = int64(d)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO source_health_scores (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.ID, s.SourceID, s.ComputedAt, s.SnapshotAt, s.Reliability, s.Quality, s.Value, s.Composite,
		s.Tier, s.RecommendedCadence, s.CadenceConfidence, pq.Array(anchors),
		pq.Array(nonNilStrings(s.ReasonCodes)), pq.Array(nonNilStrings(s.CadenceReasons)),
		s.RunsRecent, s.RunsLong, s.EventsScored)
	if err != nil {
		return fmt.Errorf("insert source health score: %w", err)
	}
	return nil
}

func (r *HealthRepo) LatestScore(ctx context.Context, sourceID int64) (*domain.SourceHealthScore, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+healthColumns+`
		FROM source_health_scores
		WHERE source_id = $1
		ORDER BY computed_at DESC
		LIMIT 1
	`, sourceID)
	s, err := scanHealthScore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest source health score: %w", err)
	}
	return s, nil
}

func (r *HealthRepo) History(ctx context.Context, sourceID int64, limit int) ([]domain.SourceHealthScore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+healthColumns+`
		FROM source_health_scores
		WHERE source_id = $1
		ORDER BY computed_at DESC
		LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("source health history: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceHealthScore
	for rows.Next() {
		s, err := scanHealthScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source health score: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *HealthRepo) GetSource(ctx context.Context, sourceID int64) (*domain.Source, error) {
	src, err := scanSource(r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID))
	if err == sql.ErrNoRows {
		return nil, sourcehealth.ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (r *HealthRepo) ActiveSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func scanSource(s scanner) (*domain.Source, error) {
	var src domain.Source
	if err := s.Scan(&src.ID, &src.Name, &src.URL, &src.CurrentCadence, &src.Active, &src.CreatedAt); err != nil {
		return nil, err
	}
	return &src, nil
}

func scanHealthScore(s scanner) (*domain.SourceHealthScore, error) {
	var (
		out     domain.SourceHealthScore
		anchors pq.Int64Array
		reasons pq.StringArray
		cadence pq.StringArray
	)
	err := s.Scan(&out.ID, &out.SourceID, &out.ComputedAt, &out.SnapshotAt, &out.Reliability,
		&out.Quality, &out.Value, &out.Composite, &out.Tier, &out.RecommendedCadence,
		&out.CadenceConfidence, &anchors, &reasons, &cadence, &out.RunsRecent, &out.RunsLong,
		&out.EventsScored)
	if err != nil {
		return nil, err
	}
	for _, d := range anchors {
		out.AnchorDays = append(out.AnchorDays, time.Weekday(d))
	}
	if len(reasons) > 0 {
		out.ReasonCodes = []string(reasons)
	}
	if len(cadence) > 0 {
		out.CadenceReasons = []string(cadence)
	}
	return &out, nil
}
