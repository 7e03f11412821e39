package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/service/issues"
)

// IssueRepo implements issues.Repository against PostgreSQL.
type IssueRepo struct{ db *sql.DB }

// NewIssueRepo creates a Postgres-backed quality issue repository.
func NewIssueRepo(db *sql.DB) *IssueRepo { return &IssueRepo{db: db} }

const issueColumns = `id, issue_type, severity, entity_type, entity_id, source_id, field, description,
	sample_event_id, occurrence_count, first_seen, last_seen, status, resolution_notes, resolved_at`

// Upsert merges an observation into the issue keyed by
// (issue_type, entity_type, entity_id, field). A fixed issue is reopened;
// wont_fix and false_positive keep their status.
func (r *IssueRepo) Upsert(ctx context.Context, issue *domain.QualityIssue) (*domain.QualityIssue, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO quality_issues (
			id, issue_type, severity, entity_type, entity_id, source_id, field, description,
			sample_event_id, occurrence_count, first_seen, last_seen, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (issue_type, entity_type, entity_id, field) DO UPDATE SET
			occurrence_count = quality_issues.occurrence_count + EXCLUDED.occurrence_count,
			last_seen        = GREATEST(quality_issues.last_seen, EXCLUDED.last_seen),
			description      = EXCLUDED.description,
			sample_event_id  = COALESCE(EXCLUDED.sample_event_id, quality_issues.sample_event_id),
			severity         = EXCLUDED.severity,
			status           = CASE WHEN quality_issues.status = 'fixed' THEN 'open' ELSE quality_issues.status END,
			resolved_at      = CASE WHEN quality_issues.status = 'fixed' THEN NULL ELSE quality_issues.resolved_at END
		RETURNING `+issueColumns,
		issue.ID, issue.IssueType, issue.Severity, issue.EntityType, issue.EntityID, issue.SourceID,
		issue.Field, issue.Description, issue.SampleEventID, issue.OccurrenceCount,
		issue.FirstSeen, issue.LastSeen, issue.Status,
	)
	stored, err := scanIssue(row)
	if err != nil {
		return nil, fmt.Errorf("upsert quality issue: %w", err)
	}
	return stored, nil
}

func (r *IssueRepo) Get(ctx context.Context, id string) (*domain.QualityIssue, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM quality_issues WHERE id = $1`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, issues.ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quality issue: %w", err)
	}
	return issue, nil
}

func (r *IssueRepo) UpdateStatus(ctx context.Context, id string, status domain.IssueStatus, notes string, resolvedAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE quality_issues
		SET status = $2, resolution_notes = $3, resolved_at = $4
		WHERE id = $1
	`, id, status, notes, resolvedAt)
	if err != nil {
		return fmt.Errorf("update quality issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return issues.ErrIssueNotFound
	}
	return nil
}

func (r *IssueRepo) List(ctx context.Context, f issues.ListFilter) ([]domain.QualityIssue, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.SourceID > 0 {
		args = append(args, f.SourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + issueColumns + ` FROM quality_issues`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quality issues: %w", err)
	}
	defer rows.Close()

	var out []domain.QualityIssue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quality issue: %w", err)
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

func scanIssue(s scanner) (*domain.QualityIssue, error) {
	var (
		issue      domain.QualityIssue
		sample     sql.NullInt64
		resolvedAt sql.NullTime
	)
	err := s.Scan(&issue.ID, &issue.IssueType, &issue.Severity, &issue.EntityType, &issue.EntityID,
		&issue.SourceID, &issue.Field, &issue.Description, &sample, &issue.OccurrenceCount,
		&issue.FirstSeen, &issue.LastSeen, &issue.Status, &issue.ResolutionNotes, &resolvedAt)
	if err != nil {
		return nil, err
	}
	issue.SampleEventID = int64Ptr(sample)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		issue.ResolvedAt = &t
	}
	return &issue, nil
}
