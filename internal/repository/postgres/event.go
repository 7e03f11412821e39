package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/dStensland/LostCity-sub000/internal/canon"
	"github.com/dStensland/LostCity-sub000/internal/domain"
)

// EventRepo implements events.Repository against PostgreSQL.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

const eventColumns = `id, source_id, COALESCE(crawl_run_id::text, ''), title, venue_id, venue_name,
	venue_match_score, starts_at, start_time_known, price_min, is_free, description, image_url,
	ticket_url, tags, confidence, canonical_id, created_at`

const scoreColumns = `id, event_id, source_id, score, has_description, has_image, has_start_time,
	has_price, has_ticket_url, has_tags, venue_match_score, confidence, tier, has_data_issues,
	issue_codes, scored_at`

// UpsertEvents stores the batch in one transaction. canonical_id and
// created_at of existing rows are left alone.
func (r *EventRepo) UpsertEvents(ctx context.Context, events []domain.Event) ([]int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inserted []int64
	for _, e := range events {
		var isNew bool
		err := tx.QueryRowContext(ctx, `
			INSERT INTO events (
				id, source_id, crawl_run_id, title, venue_id, venue_name, venue_match_score,
				starts_at, start_date, start_time_known, price_min, is_free, description,
				image_url, ticket_url, tags, confidence, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
			ON CONFLICT (id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				crawl_run_id = EXCLUDED.crawl_run_id,
				title = EXCLUDED.title,
				venue_id = EXCLUDED.venue_id,
				venue_name = EXCLUDED.venue_name,
				venue_match_score = EXCLUDED.venue_match_score,
				starts_at = EXCLUDED.starts_at,
				start_date = EXCLUDED.start_date,
				start_time_known = EXCLUDED.start_time_known,
				price_min = EXCLUDED.price_min,
				is_free = EXCLUDED.is_free,
				description = EXCLUDED.description,
				image_url = EXCLUDED.image_url,
				ticket_url = EXCLUDED.ticket_url,
				tags = EXCLUDED.tags,
				confidence = EXCLUDED.confidence,
				updated_at = NOW()
			RETURNING (xmax = 0)
		`, e.ID, e.SourceID, nullString(e.CrawlRunID), e.Title, e.VenueID, e.VenueName, e.VenueMatchScore,
			e.StartsAt, e.StartDate(), e.StartTimeKnown, e.PriceMin, e.IsFree, e.Description,
			e.ImageURL, e.TicketURL, pq.Array(nonNilStrings(e.Tags)), e.Confidence, e.CreatedAt,
		).Scan(&isNew)
		if err != nil {
			return nil, fmt.Errorf("upsert event %d: %w", e.ID, err)
		}
		if isNew {
			inserted = append(inserted, e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit events: %w", err)
	}
	return inserted, nil
}

func (r *EventRepo) CandidatesForDates(ctx context.Context, dates []string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE start_date = ANY($1::date[])
	`, pq.Array(dates))
	if err != nil {
		return nil, fmt.Errorf("canonical candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var venueID, canonicalID sql.NullInt64
		var price sql.NullFloat64
		var tags pq.StringArray
		if err := rows.Scan(&e.ID, &e.SourceID, &e.CrawlRunID, &e.Title, &venueID, &e.VenueName,
			&e.VenueMatchScore, &e.StartsAt, &e.StartTimeKnown, &price, &e.IsFree, &e.Description,
			&e.ImageURL, &e.TicketURL, &tags, &e.Confidence, &canonicalID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.VenueID = int64Ptr(venueID)
		e.CanonicalID = int64Ptr(canonicalID)
		if price.Valid {
			p := price.Float64
			e.PriceMin = &p
		}
		e.Tags = []string(tags)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EventRepo) SetCanonical(ctx context.Context, changes []canon.Reassignment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range changes {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET canonical_id = $2, updated_at = NOW() WHERE id = $1`,
			ch.EventID, ch.To,
		); err != nil {
			return fmt.Errorf("set canonical for event %d: %w", ch.EventID, err)
		}
	}
	return tx.Commit()
}

func (r *EventRepo) LatestScores(ctx context.Context, eventIDs []int64) (map[int64]domain.EventQualityScore, error) {
	out := make(map[int64]domain.EventQualityScore, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (event_id) `+scoreColumns+`
		FROM event_quality_scores
		WHERE event_id = ANY($1)
		ORDER BY event_id, scored_at DESC
	`, pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("latest event scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanEventScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event score: %w", err)
		}
		out[s.EventID] = *s
	}
	return out, rows.Err()
}

func (r *EventRepo) AppendScores(ctx context.Context, scores []domain.EventQualityScore) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, s := range scores {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_quality_scores (`+scoreColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, s.ID, s.EventID, s.SourceID, s.Score, s.HasDescription, s.HasImage, s.HasStartTime,
			s.HasPrice, s.HasTicketURL, s.HasTags, s.VenueMatchScore, s.Confidence, s.Tier,
			s.HasDataIssues, pq.Array(nonNilStrings(s.IssueCodes)), s.ScoredAt)
		if err != nil {
			return fmt.Errorf("insert event score %d: %w", s.EventID, err)
		}
	}
	return tx.Commit()
}

// scanEventScore reads the score columns in table order, then any extra
// trailing columns into extra.
func scanEventScore(s scanner, extra ...interface{}) (*domain.EventQualityScore, error) {
	var out domain.EventQualityScore
	var codes pq.StringArray
	dest := []interface{}{&out.ID, &out.EventID, &out.SourceID, &out.Score, &out.HasDescription,
		&out.HasImage, &out.HasStartTime, &out.HasPrice, &out.HasTicketURL, &out.HasTags,
		&out.VenueMatchScore, &out.Confidence, &out.Tier, &out.HasDataIssues, &codes, &out.ScoredAt}
	err := s.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}
	if len(codes) > 0 {
		out.IssueCodes = []string(codes)
	}
	return &out, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
