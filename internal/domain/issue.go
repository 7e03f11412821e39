package domain

import "time"

// IssueType names a class of recurring data problem.
type IssueType string

const (
	IssueMalformedDates          IssueType = "malformed_dates"
	IssueZeroEventRunStreak      IssueType = "zero_event_run_streak"
	IssueCrawlFailureStreak      IssueType = "crawl_failure_streak"
	IssueMissingTime             IssueType = "missing_time"
	IssueLowConfidenceVenueMatch IssueType = "low_confidence_venue_match"
	IssueVenueUnresolved         IssueType = "venue_unresolved"
	IssueLowQualityScore         IssueType = "low_quality_score"
	IssueAmbiguousMerge          IssueType = "ambiguous_merge"
	IssueMissingImage            IssueType = "missing_image"
	IssueLowExtractionConfidence IssueType = "low_extraction_confidence"
)

// Severity ranks how urgently an issue needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRank = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// Rank orders severities; critical is highest. Unknown severities rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// SeverityFor returns the fixed severity of an issue type.
func SeverityFor(t IssueType) Severity {
	switch t {
	case IssueMalformedDates:
		return SeverityCritical
	case IssueZeroEventRunStreak, IssueCrawlFailureStreak:
		return SeverityHigh
	case IssueMissingImage, IssueLowExtractionConfidence:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// IssueStatus is the operator-managed lifecycle state of an issue.
type IssueStatus string

const (
	IssueOpen          IssueStatus = "open"
	IssueInvestigating IssueStatus = "investigating"
	IssueFixed         IssueStatus = "fixed"
	IssueWontFix       IssueStatus = "wont_fix"
	IssueFalsePositive IssueStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueOpen, IssueInvestigating, IssueFixed, IssueWontFix, IssueFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether s closes the issue from the operator's view.
func (s IssueStatus) Terminal() bool {
	return s == IssueFixed || s == IssueWontFix || s == IssueFalsePositive
}

// Entity types an issue can be raised against.
const (
	EntitySource = "source"
	EntityEvent  = "event"
)

// QualityIssue is a deduplicated, trackable data problem. Recurrences of the
// same (type, entity, field) increment OccurrenceCount rather than creating
// new rows.
type QualityIssue struct {
	ID              string      `json:"id" db:"id"`
	IssueType       IssueType   `json:"issue_type" db:"issue_type"`
	Severity        Severity    `json:"severity" db:"severity"`
	EntityType      string      `json:"entity_type" db:"entity_type"`
	EntityID        int64       `json:"entity_id" db:"entity_id"`
	SourceID        int64       `json:"source_id" db:"source_id"`
	Field           string      `json:"field" db:"field"`
	Description     string      `json:"description" db:"description"`
	SampleEventID   *int64      `json:"sample_event_id,omitempty" db:"sample_event_id"`
	OccurrenceCount int         `json:"occurrence_count" db:"occurrence_count"`
	FirstSeen       time.Time   `json:"first_seen" db:"first_seen"`
	LastSeen        time.Time   `json:"last_seen" db:"last_seen"`
	Status          IssueStatus `json:"status" db:"status"`
	ResolutionNotes string      `json:"resolution_notes,omitempty" db:"resolution_notes"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
}
