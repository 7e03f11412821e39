package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
)

// CrawlRunRepo implements crawlrun.Repository against PostgreSQL.
type CrawlRunRepo struct{ db *sql.DB }

// NewCrawlRunRepo creates a Postgres-backed crawl run repository.
func NewCrawlRunRepo(db *sql.DB) *CrawlRunRepo { return &CrawlRunRepo{db: db} }

const crawlRunColumns = `id, source_id, started_at, completed_at, outcome, events_found, events_new,
	request_count, bytes_fetched, cost_usd, error_message, created_at`

func (r *CrawlRunRepo) Append(ctx context.Context, run *domain.CrawlRun, obs *domain.FrequencyObservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO crawl_runs (`+crawlRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.SourceID, run.StartedAt, run.CompletedAt, run.Outcome, run.EventsFound, run.EventsNew,
		run.Cost.RequestCount, run.Cost.BytesFetched, run.Cost.CostUSD, run.ErrorMessage, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert crawl run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawlrun.ErrDuplicateRun
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO frequency_observations (
			id, source_id, crawl_run_id, observed_at, hours_since_last_crawl,
			new_events_found, day_of_week, seasonal_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, obs.ID, obs.SourceID, obs.CrawlRunID, obs.ObservedAt, obs.HoursSinceLastCrawl,
		obs.NewEventsFound, int(obs.DayOfWeek), obs.SeasonalFlag)
	if err != nil {
		return fmt.Errorf("insert frequency observation: %w", err)
	}

	return tx.Commit()
}

func (r *CrawlRunRepo) LatestBefore(ctx context.Context, sourceID int64, before time.Time) (*domain.CrawlRun, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+crawlRunColumns+`
		FROM crawl_runs
		WHERE source_id = $1 AND started_at < $2
		ORDER BY started_at DESC
		LIMIT 1
	`, sourceID, before)
	run, err := scanCrawlRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest crawl run: %w", err)
	}
	return run, nil
}

func (r *CrawlRunRepo) Get(ctx context.Context, id string) (*domain.CrawlRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+crawlRunColumns+` FROM crawl_runs WHERE id = $1`, id)
	run, err := scanCrawlRun(row)
	if err == sql.ErrNoRows {
		return nil, crawlrun.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl run: %w", err)
	}
	return run, nil
}

func (r *CrawlRunRepo) Recent(ctx context.Context, sourceID int64, limit int) ([]domain.CrawlRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+crawlRunColumns+`
		FROM crawl_runs
		WHERE source_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent crawl runs: %w", err)
	}
	defer rows.Close()

	var out []domain.CrawlRun
	for rows.Next() {
		run, err := scanCrawlRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCrawlRun(s scanner) (*domain.CrawlRun, error) {
	var run domain.CrawlRun
	err := s.Scan(&run.ID, &run.SourceID, &run.StartedAt, &run.CompletedAt, &run.Outcome,
		&run.EventsFound, &run.EventsNew, &run.Cost.RequestCount, &run.Cost.BytesFetched,
		&run.Cost.CostUSD, &run.ErrorMessage, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
