package domain

import (
	"strings"
	"time"
)

// Event is a candidate happening extracted from a source page by the
// external extraction pipeline. The core never edits an Event except for
// its CanonicalID back-reference.
type Event struct {
	ID              int64     `json:"id" db:"id"`
	SourceID        int64     `json:"source_id" db:"source_id"`
	CrawlRunID      string    `json:"crawl_run_id,omitempty" db:"crawl_run_id"`
	Title           string    `json:"title" db:"title"`
	VenueID         *int64    `json:"venue_id,omitempty" db:"venue_id"`
	VenueName       string    `json:"venue_name,omitempty" db:"venue_name"`
	VenueMatchScore float64   `json:"venue_match_score" db:"venue_match_score"`
	StartsAt        time.Time `json:"starts_at" db:"starts_at"`
	StartTimeKnown  bool      `json:"start_time_known" db:"start_time_known"`
	PriceMin        *float64  `json:"price_min,omitempty" db:"price_min"`
	IsFree          bool      `json:"is_free" db:"is_free"`
	Description     string    `json:"description,omitempty" db:"description"`
	ImageURL        string    `json:"image_url,omitempty" db:"image_url"`
	TicketURL       string    `json:"ticket_url,omitempty" db:"ticket_url"`
	Tags            []string  `json:"tags,omitempty" db:"tags"`
	Confidence      float64   `json:"confidence" db:"confidence"`
	CanonicalID     *int64    `json:"canonical_id,omitempty" db:"canonical_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// VenueResolved reports whether the event carries any venue reference the
// canonicalizer can map to a venue family.
func (e Event) VenueResolved() bool {
	return e.VenueID != nil || strings.TrimSpace(e.VenueName) != ""
}

// IsCanonical reports whether the event is the representative of its group.
// An event that has never been grouped counts as its own canonical.
func (e Event) IsCanonical() bool {
	return e.CanonicalID == nil || *e.CanonicalID == e.ID
}

// StartDate returns the calendar date of the event start.
func (e Event) StartDate() string {
	return e.StartsAt.Format("2006-01-02")
}

// CanonicalGroup is the set of Events judged to describe the same real-world
// happening. The canonical member is the oldest Event, tie-broken by the
// lowest ID.
type CanonicalGroup struct {
	CanonicalID int64   `json:"canonical_id"`
	MemberIDs   []int64 `json:"member_ids"`
	Key         string  `json:"key"`
}

// QualityTier buckets an EventQualityScore.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
)

// EventQualityScore is a per-canonical-event completeness and trust rating.
// Rows are superseded, never updated.
type EventQualityScore struct {
	ID              string      `json:"id" db:"id"`
	EventID         int64       `json:"event_id" db:"event_id"`
	SourceID        int64       `json:"source_id" db:"source_id"`
	Score           float64     `json:"score" db:"score"`
	HasDescription  bool        `json:"has_description" db:"has_description"`
	HasImage        bool        `json:"has_image" db:"has_image"`
	HasStartTime    bool        `json:"has_start_time" db:"has_start_time"`
	HasPrice        bool        `json:"has_price" db:"has_price"`
	HasTicketURL    bool        `json:"has_ticket_url" db:"has_ticket_url"`
	HasTags         bool        `json:"has_tags" db:"has_tags"`
	VenueMatchScore float64     `json:"venue_match_score" db:"venue_match_score"`
	Confidence      float64     `json:"confidence" db:"confidence"`
	Tier            QualityTier `json:"tier" db:"tier"`
	HasDataIssues   bool        `json:"has_data_issues" db:"has_data_issues"`
	IssueCodes      []string    `json:"issue_codes,omitempty" db:"issue_codes"`
	ScoredAt        time.Time   `json:"scored_at" db:"scored_at"`
	// SeenAt is when a crawl last posted the scored event. Filled by
	// snapshot reads; not stored with the score.
	SeenAt time.Time `json:"seen_at,omitempty" db:"-"`
}

// SameResult reports whether two scores carry the same scoring outcome,
// ignoring identity and timestamps.
func (s EventQualityScore) SameResult(o EventQualityScore) bool {
	if s.EventID != o.EventID || s.Score != o.Score || s.Tier != o.Tier ||
		s.HasDescription != o.HasDescription || s.HasImage != o.HasImage ||
		s.HasStartTime != o.HasStartTime || s.HasPrice != o.HasPrice ||
		s.HasTicketURL != o.HasTicketURL || s.HasTags != o.HasTags ||
		s.HasDataIssues != o.HasDataIssues || len(s.IssueCodes) != len(o.IssueCodes) {
		return false
	}
	for i := range s.IssueCodes {
		if s.IssueCodes[i] != o.IssueCodes[i] {
			return false
		}
	}
	return true
}
